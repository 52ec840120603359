package meter

import (
	"fmt"
	"sync"
	"time"
)

// Reading is one group of values parsed from a single status poll.
// It is always published as a whole.
type Reading struct {
	Relay       Value[bool]    `json:"relay"`
	ActivePower Value[int64]   `json:"active_power"`
	Energy      Value[int64]   `json:"active_production_energy"`
	Voltage     Value[float64] `json:"voltage"`
	Current     Value[float64] `json:"current"`
	Temperature Value[float64] `json:"temperature"`
}

// UnknownReading returns a reading with every channel unknown.
func UnknownReading() Reading {
	return Reading{}
}

// Snapshot is a read-only copy of a meter's state.
type Snapshot struct {
	Reading

	Enabled             bool         `json:"enabled"`
	MeterType           MeterType    `json:"meter_type"`
	Phase               Phase        `json:"phase"`
	ActivePowerL1       Value[int64] `json:"active_power_l1"`
	ActivePowerL2       Value[int64] `json:"active_power_l2"`
	ActivePowerL3       Value[int64] `json:"active_power_l3"`
	CommunicationFailed bool         `json:"communication_failed"`
	PendingRelay        Value[bool]  `json:"pending_relay"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// PhasePower returns the derived active power for phase p.
func (s Snapshot) PhasePower(p Phase) Value[int64] {
	switch p {
	case L1:
		return s.ActivePowerL1
	case L2:
		return s.ActivePowerL2
	case L3:
		return s.ActivePowerL3
	}
	return Unknown[int64]()
}

// DebugLog renders the short status line, e.g. "On|43 W".
func (s Snapshot) DebugLog() string {
	relay := "Unknown"
	if on, ok := s.Relay.Get(); ok {
		if on {
			relay = "On"
		} else {
			relay = "Off"
		}
	}
	power := Undefined
	if w, ok := s.ActivePower.Get(); ok {
		power = fmt.Sprintf("%d W", w)
	}
	return relay + "|" + power
}

// State is the logical model of one relay with power metering.
// Readings and the pending slot have separate locks.
type State struct {
	meterType MeterType
	phase     Phase

	mu         sync.RWMutex
	reading    Reading
	commFailed bool
	updatedAt  time.Time

	pendingMu sync.Mutex
	pending   Value[bool]
}

// NewState creates a state with every channel unknown.
func NewState(meterType MeterType, phase Phase) *State {
	return &State{
		meterType: meterType,
		phase:     phase,
	}
}

// Publish replaces the current reading.
func (s *State) Publish(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
	s.updatedAt = time.Now()
}

// PublishUnknown marks every channel unknown.
func (s *State) PublishUnknown() {
	s.Publish(UnknownReading())
}

// SetCommunicationFailed records the outcome of the most recent exchange
// and returns the previous flag.
func (s *State) SetCommunicationFailed(failed bool) (previous bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.commFailed
	s.commFailed = failed
	return previous
}

// CommunicationFailed reports the outcome of the most recent exchange.
func (s *State) CommunicationFailed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commFailed
}

// Relay returns the last read relay state.
func (s *State) Relay() Value[bool] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading.Relay
}

// Request stores the desired relay state for the next write phase.
// A later request overwrites an earlier one that has not been taken yet.
func (s *State) Request(on bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending = Known(on)
}

// TakePending returns the pending relay state and clears it.
func (s *State) TakePending() Value[bool] {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	v := s.pending
	s.pending = Unknown[bool]()
	return v
}

// Snapshot returns a copy of the state with per-phase power derived
// from the configured phase.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Reading:             s.reading,
		MeterType:           s.meterType,
		Phase:               s.phase,
		CommunicationFailed: s.commFailed,
		UpdatedAt:           s.updatedAt,
	}
	s.mu.RUnlock()

	s.pendingMu.Lock()
	snap.PendingRelay = s.pending
	s.pendingMu.Unlock()

	snap.ActivePowerL1, snap.ActivePowerL2, snap.ActivePowerL3 = splitPhases(snap.ActivePower, s.phase)
	return snap
}

// DebugLog renders the status line of the current state.
func (s *State) DebugLog() string {
	return s.Snapshot().DebugLog()
}

// EmptySnapshot describes a meter that has no state, e.g. a disabled driver.
func EmptySnapshot(meterType MeterType, phase Phase) Snapshot {
	return Snapshot{MeterType: meterType, Phase: phase}
}

func splitPhases(power Value[int64], phase Phase) (l1, l2, l3 Value[int64]) {
	w, ok := power.Get()
	if !ok {
		return
	}
	l1, l2, l3 = Known[int64](0), Known[int64](0), Known[int64](0)
	switch phase {
	case L1:
		l1 = Known(w)
	case L2:
		l2 = Known(w)
	case L3:
		l3 = Known(w)
	}
	return
}
