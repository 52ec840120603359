// Package eventbus decouples the control cycle from its sinks.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shellyd/internal/meter"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeSnapshot carries the meter state after a read or write phase.
	EventTypeSnapshot EventType = "snapshot"
	// EventTypeCommand carries the outcome of one relay command attempt.
	EventTypeCommand EventType = "command"
)

// Command outcomes
const (
	CommandSent    = "sent"
	CommandFailed  = "failed"
	CommandSkipped = "skipped"
)

// Default configuration
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 64
)

// Command describes one relay command attempt.
type Command struct {
	ID     string
	On     bool
	Result string
	Err    error
	At     time.Time
}

// Event is delivered to subscribers of its type.
type Event struct {
	Type     EventType
	Snapshot meter.Snapshot
	Command  Command
}

// Handler is a function that handles events
type Handler func(Event)

// Bus queues events and hands each one to every subscriber of its type.
// With a single worker, handlers observe events in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue   chan Event
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// sendMu lets Close wait for in-flight Publish calls before closing queue
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount < 1 {
		workerCount = 1
	}
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, queueSize),
	}

	b.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go b.run(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) run(worker int) {
	defer b.wg.Done()

	for ev := range b.queue {
		b.mu.RLock()
		handlers := b.handlers[ev.Type]
		b.mu.RUnlock()

		for _, h := range handlers {
			dispatch(worker, h, ev)
		}
	}
}

func dispatch(worker int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	h(ev)
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish queues the event. It never blocks: when the queue is full or the
// bus is closed the event is dropped and counted.
func (b *Bus) Publish(event Event) {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		log.Debug().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}

	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus queue full, dropping event")
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be handled,
// up to the context deadline.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.queue)
		b.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
