package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/shellyd/internal/meter"
)

func TestBusDeliversInOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int64
	b.Subscribe(EventTypeSnapshot, func(e Event) {
		w, _ := e.Snapshot.ActivePower.Get()
		mu.Lock()
		got = append(got, w)
		mu.Unlock()
	})

	for i := int64(0); i < 10; i++ {
		var snap meter.Snapshot
		snap.ActivePower = meter.Known(i)
		b.Publish(Event{Type: EventTypeSnapshot, Snapshot: snap})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	if len(got) != 10 {
		t.Fatalf("delivered %d events, want 10", len(got))
	}
	for i, w := range got {
		if w != int64(i) {
			t.Fatalf("event %d carried %d, out of order", i, w)
		}
	}
}

func TestBusRoutesByType(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var commands []Command
	b.Subscribe(EventTypeCommand, func(e Event) {
		mu.Lock()
		commands = append(commands, e.Command)
		mu.Unlock()
	})

	b.Publish(Event{Type: EventTypeSnapshot})
	b.Publish(Event{Type: EventTypeCommand, Command: Command{ID: "c1", On: true, Result: CommandSent}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)

	if len(commands) != 1 || commands[0].ID != "c1" {
		t.Fatalf("commands = %+v", commands)
	}
}

func TestBusRecoversFromPanic(t *testing.T) {
	b := New()

	done := make(chan struct{})
	calls := 0
	b.Subscribe(EventTypeCommand, func(e Event) {
		calls++
		if calls == 1 {
			panic("handler bug")
		}
		close(done)
	})

	b.Publish(Event{Type: EventTypeCommand})
	b.Publish(Event{Type: EventTypeCommand})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
	b.Close(context.Background())
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewWithConfig(1, 1)

	block := make(chan struct{})
	b.Subscribe(EventTypeSnapshot, func(e Event) { <-block })

	// none of these may block even though the worker is stuck
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: EventTypeSnapshot})
	}

	// at most one event in the worker and one in the queue
	if got := b.Dropped(); got < 8 {
		t.Errorf("Dropped() = %d, want at least 8", got)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)
}

func TestBusPublishAfterClose(t *testing.T) {
	b := New()
	b.Subscribe(EventTypeSnapshot, func(e Event) {})
	b.Close(context.Background())

	b.Publish(Event{Type: EventTypeSnapshot})
	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
