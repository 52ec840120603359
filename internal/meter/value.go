package meter

import (
	"encoding/json"
	"fmt"
)

// Undefined is how an unknown value renders in status lines.
const Undefined = "UNDEFINED"

// Value holds a channel value that is either known or unknown.
// The zero Value is unknown.
type Value[T any] struct {
	v  T
	ok bool
}

// Known returns a known value.
func Known[T any](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// Unknown returns an unknown value.
func Unknown[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the value and whether it is known.
func (v Value[T]) Get() (T, bool) {
	return v.v, v.ok
}

// IsKnown reports whether the value is known.
func (v Value[T]) IsKnown() bool {
	return v.ok
}

// OrElse returns the value, or def when unknown.
func (v Value[T]) OrElse(def T) T {
	if !v.ok {
		return def
	}
	return v.v
}

func (v Value[T]) String() string {
	if !v.ok {
		return Undefined
	}
	return fmt.Sprint(v.v)
}

// MarshalJSON encodes an unknown value as null.
func (v Value[T]) MarshalJSON() ([]byte, error) {
	if !v.ok {
		return []byte("null"), nil
	}
	return json.Marshal(v.v)
}

// UnmarshalJSON decodes null as unknown.
func (v *Value[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value[T]{}
		return nil
	}
	var inner T
	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}
	*v = Known(inner)
	return nil
}
