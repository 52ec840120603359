package meter

import "fmt"

// MeterType classifies what the metered circuit represents.
type MeterType string

const (
	Grid                      MeterType = "GRID"
	Production                MeterType = "PRODUCTION"
	ProductionAndConsumption  MeterType = "PRODUCTION_AND_CONSUMPTION"
	ConsumptionMetered        MeterType = "CONSUMPTION_METERED"
	ConsumptionNotMetered     MeterType = "CONSUMPTION_NOT_METERED"
	ManagedConsumptionMetered MeterType = "MANAGED_CONSUMPTION_METERED"
)

var meterTypes = []MeterType{
	Grid,
	Production,
	ProductionAndConsumption,
	ConsumptionMetered,
	ConsumptionNotMetered,
	ManagedConsumptionMetered,
}

// Valid reports whether t is one of the known meter types.
func (t MeterType) Valid() bool {
	for _, known := range meterTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UnmarshalText rejects unknown meter types at config load time.
func (t *MeterType) UnmarshalText(text []byte) error {
	mt := MeterType(text)
	if !mt.Valid() {
		return fmt.Errorf("unknown meter type %q", string(text))
	}
	*t = mt
	return nil
}

// Phase is the grid phase the relay is wired to.
type Phase string

const (
	L1 Phase = "L1"
	L2 Phase = "L2"
	L3 Phase = "L3"
)

// Phases lists all phases in order.
var Phases = []Phase{L1, L2, L3}

func (p Phase) Valid() bool {
	return p == L1 || p == L2 || p == L3
}

func (p *Phase) UnmarshalText(text []byte) error {
	ph := Phase(text)
	if !ph.Valid() {
		return fmt.Errorf("unknown phase %q", string(text))
	}
	*p = ph
	return nil
}
