// Package engine synchronizes the relay model with the physical device,
// one read phase and one write phase per control cycle.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/ledger"
	"github.com/dokzlo13/shellyd/internal/meter"
	"github.com/dokzlo13/shellyd/internal/shelly"
)

// ErrDisabled is returned by Request while the driver is disabled.
var ErrDisabled = errors.New("driver is disabled")

// Device is the transport to one relay.
type Device interface {
	FetchStatus(ctx context.Context) ([]byte, error)
	SetRelay(ctx context.Context, index int, on bool) error
}

// Journal records health transitions and command outcomes.
type Journal interface {
	Append(eventType ledger.EventType, key string, payload map[string]any) error
}

// Publisher receives snapshot and command events.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Config holds the static device configuration.
type Config struct {
	RelayIndex int
	MeterType  meter.MeterType
	Phase      meter.Phase

	// CommandRateLimit caps relay commands per second; 0 disables the limit.
	CommandRateLimit float64
}

// Engine drives one relay. Phases never overlap; Request never waits on the network.
type Engine struct {
	cfg       Config
	device    Device
	journal   Journal
	publisher Publisher
	limiter   *rate.Limiter

	// phaseMu serializes read and write phases and lifecycle changes
	phaseMu sync.Mutex

	mu    sync.RWMutex
	state *meter.State // nil while disabled
}

// New creates a disabled engine. journal and publisher may be nil.
func New(cfg Config, device Device, journal Journal, publisher Publisher) *Engine {
	limit := rate.Inf
	if cfg.CommandRateLimit > 0 {
		limit = rate.Limit(cfg.CommandRateLimit)
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	return &Engine{
		cfg:       cfg,
		device:    device,
		journal:   journal,
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Enable activates the driver with a fresh state. Enabling twice keeps the
// current state.
func (e *Engine) Enable() {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	e.mu.Lock()
	if e.state != nil {
		e.mu.Unlock()
		return
	}
	e.state = meter.NewState(e.cfg.MeterType, e.cfg.Phase)
	e.mu.Unlock()

	log.Info().
		Int("relay_index", e.cfg.RelayIndex).
		Str("meter_type", string(e.cfg.MeterType)).
		Str("phase", string(e.cfg.Phase)).
		Msg("Driver enabled")
	e.publishSnapshot()
}

// Disable deactivates the driver and discards its state, including any
// pending command. A running phase finishes first.
func (e *Engine) Disable() {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	e.mu.Lock()
	wasEnabled := e.state != nil
	e.state = nil
	e.mu.Unlock()

	if wasEnabled {
		log.Info().Msg("Driver disabled")
		e.publishSnapshot()
	}
}

// Enabled reports whether the driver is enabled.
func (e *Engine) Enabled() bool {
	return e.current() != nil
}

// Request stores the desired relay state for the next write phase.
// A nil error means the request reached the state that was live when it returned.
func (e *Engine) Request(on bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state == nil {
		return ErrDisabled
	}
	e.state.Request(on)
	log.Debug().Bool("on", on).Msg("Relay change requested")
	return nil
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() meter.Snapshot {
	st := e.current()
	if st == nil {
		return meter.EmptySnapshot(e.cfg.MeterType, e.cfg.Phase)
	}
	snap := st.Snapshot()
	snap.Enabled = true
	return snap
}

// DebugLog renders the short status line.
func (e *Engine) DebugLog() string {
	return e.Snapshot().DebugLog()
}

// OnReadTick polls the device and publishes the reading. On any failure
// every channel becomes unknown and communication is marked failed.
func (e *Engine) OnReadTick(ctx context.Context) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	st := e.current()
	if st == nil {
		return
	}
	logger := log.Ctx(ctx)

	reading, err := e.read(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Unable to read from Shelly API")
		st.PublishUnknown()
		e.setCommunication(ctx, st, "read", err)
	} else {
		st.Publish(reading)
		e.setCommunication(ctx, st, "read", nil)
		logger.Debug().Str("status", st.DebugLog()).Msg("Status read")
	}

	e.publishSnapshot()
}

func (e *Engine) read(ctx context.Context) (meter.Reading, error) {
	raw, err := e.device.FetchStatus(ctx)
	if err != nil {
		return meter.Reading{}, err
	}
	return shelly.Parse(raw, e.cfg.RelayIndex)
}

// OnWriteTick sends the pending relay command if it differs from the last
// read relay state. A failed command is not retried.
func (e *Engine) OnWriteTick(ctx context.Context) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	st := e.current()
	if st == nil {
		return
	}

	want, ok := st.TakePending().Get()
	if !ok {
		return
	}

	cmd := eventbus.Command{ID: uuid.NewString(), On: want, At: time.Now()}
	logger := log.Ctx(ctx).With().Str("command_id", cmd.ID).Bool("on", want).Logger()

	if have, known := st.Relay().Get(); known && have == want {
		logger.Debug().Msg("Relay already in requested state, skipping command")
		cmd.Result = eventbus.CommandSkipped
		e.record(ctx, ledger.EventCommandSkipped, cmd.ID, map[string]any{"on": want})
		e.finishCommand(cmd)
		return
	}

	err := e.limiter.Wait(ctx)
	if err != nil {
		// the device was not contacted, so health stays as it was
		logger.Warn().Err(err).Msg("Relay command dropped while waiting for rate limiter")
	} else if err = e.device.SetRelay(ctx, e.cfg.RelayIndex, want); err != nil {
		logger.Error().Err(err).Msg("Unable to write to Shelly API")
		e.setCommunication(ctx, st, "write", err)
	} else {
		logger.Info().Msg("Relay command sent")
		e.setCommunication(ctx, st, "write", nil)
	}

	if err != nil {
		cmd.Result = eventbus.CommandFailed
		cmd.Err = err
		e.record(ctx, ledger.EventCommandFailed, cmd.ID, map[string]any{"on": want, "error": err.Error()})
	} else {
		cmd.Result = eventbus.CommandSent
		e.record(ctx, ledger.EventCommandSent, cmd.ID, map[string]any{"on": want})
	}
	e.finishCommand(cmd)
}

func (e *Engine) finishCommand(cmd eventbus.Command) {
	e.publisher.Publish(eventbus.Event{Type: eventbus.EventTypeCommand, Command: cmd})
	e.publishSnapshot()
}

// setCommunication updates the health flag and records transitions.
func (e *Engine) setCommunication(ctx context.Context, st *meter.State, phase string, err error) {
	failed := err != nil
	if previous := st.SetCommunicationFailed(failed); previous == failed {
		return
	}

	if failed {
		e.record(ctx, ledger.EventCommFailed, "", map[string]any{"phase": phase, "error": err.Error()})
	} else {
		log.Ctx(ctx).Info().Str("phase", phase).Msg("Communication with device restored")
		e.record(ctx, ledger.EventCommRestored, "", map[string]any{"phase": phase})
	}
}

func (e *Engine) record(ctx context.Context, eventType ledger.EventType, key string, payload map[string]any) {
	if err := e.journal.Append(eventType, key, payload); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record ledger event")
	}
}

func (e *Engine) publishSnapshot() {
	e.publisher.Publish(eventbus.Event{Type: eventbus.EventTypeSnapshot, Snapshot: e.Snapshot()})
}

func (e *Engine) current() *meter.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

type nopJournal struct{}

func (nopJournal) Append(ledger.EventType, string, map[string]any) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(eventbus.Event) {}
