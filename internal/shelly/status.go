package shelly

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dokzlo13/shellyd/internal/meter"
)

// ErrParse is returned when a status body is present but unusable.
var ErrParse = errors.New("shelly status malformed")

type object map[string]json.RawMessage

// SwitchKey is the status key of relay index.
func SwitchKey(index int) string {
	return fmt.Sprintf("switch:%d", index)
}

// Parse extracts the reading for relay index from a Shelly.GetStatus body.
//
// A missing switch object or a present but mistyped output/apower fails the
// whole reading. Absent or null output/apower leave that channel unknown.
// Energy and the auxiliary channels never fail a reading.
func Parse(raw []byte, index int) (meter.Reading, error) {
	var top object
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return meter.Reading{}, fmt.Errorf("%w: body is not a JSON object", ErrParse)
	}

	key := SwitchKey(index)
	sw, ok := subObject(top, key)
	if !ok {
		return meter.Reading{}, fmt.Errorf("%w: %q missing or not an object", ErrParse, key)
	}

	var r meter.Reading

	relay, err := optional[bool](sw, "output")
	if err != nil {
		return meter.Reading{}, err
	}
	r.Relay = relay

	apower, err := optional[float64](sw, "apower")
	if err != nil {
		return meter.Reading{}, err
	}
	if w, ok := apower.Get(); ok {
		watts, ok := ActivePower(w)
		if !ok {
			return meter.Reading{}, fmt.Errorf("%w: apower %v out of range", ErrParse, w)
		}
		r.ActivePower = meter.Known(watts)
	}

	if energy, ok := subObject(sw, "aenergy"); ok {
		if total, ok := tolerant(energy, "total").Get(); ok {
			if e, ok := EnergyFromKWh(total); ok {
				r.Energy = meter.Known(e)
			}
		}
	}

	r.Voltage = tolerant(sw, "voltage")
	r.Current = tolerant(sw, "current")
	if temp, ok := subObject(sw, "temperature"); ok {
		r.Temperature = tolerant(temp, "tC")
	}

	return r, nil
}

// ActivePower converts the device's apower to whole watts, rounding halves up.
// It reports false when the value does not fit an int64.
func ActivePower(apower float64) (int64, bool) {
	return roundHalfUp(float32(apower))
}

// EnergyFromKWh converts the device's running kWh total to the
// minute-resolution accumulator: round(total*1000) / 60, truncated.
// It reports false when the value does not fit an int64.
func EnergyFromKWh(total float64) (int64, bool) {
	wh, ok := roundHalfUp(float32(total) * 1000)
	return wh / 60, ok
}

// int64 bounds as float64; 1<<63 itself is out of range
const (
	minInt64Float = -(1 << 63)
	maxInt64Float = 1 << 63
)

func roundHalfUp(v float32) (int64, bool) {
	f := math.Floor(float64(v) + 0.5)
	if math.IsNaN(f) || f < minInt64Float || f >= maxInt64Float {
		return 0, false
	}
	return int64(f), true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func subObject(parent object, key string) (object, bool) {
	raw, ok := parent[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	var child object
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil, false
	}
	return child, true
}

// optional decodes a field that may be absent or null but must have the
// right type when present.
func optional[T any](obj object, field string) (meter.Value[T], error) {
	raw, ok := obj[field]
	if !ok || isNull(raw) {
		return meter.Unknown[T](), nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return meter.Unknown[T](), fmt.Errorf("%w: field %q has unexpected type: %s", ErrParse, field, raw)
	}
	return meter.Known(v), nil
}

func tolerant(obj object, field string) meter.Value[float64] {
	v, err := optional[float64](obj, field)
	if err != nil {
		return meter.Unknown[float64]()
	}
	return v
}
