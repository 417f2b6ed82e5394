package descriptor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Optional holds a value that may be unset. Unset is distinct from the zero
// value of T and encodes as JSON null.
type Optional[T any] struct {
	v   T
	set bool
}

// Some returns an Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{v: v, set: true}
}

// Unset returns an Optional holding no value.
func Unset[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is set.
func (o Optional[T]) Get() (T, bool) {
	return o.v, o.set
}

// IsSet reports whether a value is held.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// Or returns the value, or def when unset.
func (o Optional[T]) Or(def T) T {
	if !o.set {
		return def
	}

	return o.v
}

func (o Optional[T]) String() string {
	if !o.set {
		return "unset"
	}

	return fmt.Sprint(o.v)
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}

	return json.Marshal(o.v)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*o = Some(v)

	return nil
}

// equalOptional compares two Optionals with eq applied to set values.
func equalOptional[T any](a, b Optional[T], eq func(T, T) bool) bool {
	if a.set != b.set {
		return false
	}

	return !a.set || eq(a.v, b.v)
}
