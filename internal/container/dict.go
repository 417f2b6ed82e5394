package container

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"sync"
)

// Dict is a key/value mapping that preserves insertion order. It follows the
// same ownership rules as List. It is safe for concurrent use.
type Dict[K comparable, V any] struct {
	keys      []K
	values    map[K]V
	release   func(K, V)
	destroyed bool

	mu sync.Mutex
}

// NewDict creates an empty Dict. If release is non-nil the Dict owns its
// entries and calls release on each of them when destroyed.
func NewDict[K comparable, V any](release func(K, V)) *Dict[K, V] {
	return &Dict[K, V]{values: make(map[K]V), release: release}
}

// DictOf creates a Dict from m that owns nothing. Keys are ordered as
// returned by sorted, or in map order when sorted is nil.
func DictOf[K comparable, V any](m map[K]V, sorted func([]K) []K) *Dict[K, V] {
	d := NewDict[K, V](nil)

	keys := slices.Collect(maps.Keys(m))
	if sorted != nil {
		keys = sorted(keys)
	}

	for _, k := range keys {
		d.keys = append(d.keys, k)
		d.values[k] = m[k]
	}

	return d
}

// Owns reports whether the Dict releases its entries on Destroy.
func (d *Dict[K, V]) Owns() bool {
	if d == nil {
		return false
	}

	return d.release != nil
}

// Set stores v under k. Replacing an existing value keeps the key's position,
// and an owning Dict releases the value it replaced.
func (d *Dict[K, V]) Set(k K, v V) error {
	d.mu.Lock()

	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	if d.values == nil {
		d.values = make(map[K]V)
	}

	old, replaced := d.values[k]
	if !replaced {
		d.keys = append(d.keys, k)
	}

	d.values[k] = v

	d.mu.Unlock()

	if replaced && d.release != nil {
		d.release(k, old)
	}

	return nil
}

// Get returns the value stored under k without transferring ownership.
func (d *Dict[K, V]) Get(k K) (V, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero V

	if d.destroyed {
		return zero, false, ErrDestroyed
	}

	v, ok := d.values[k]

	return v, ok, nil
}

// Has reports whether k is present.
func (d *Dict[K, V]) Has(k K) bool {
	_, ok, _ := d.Get(k)
	return ok
}

// Delete detaches and returns the value stored under k. The caller takes
// ownership; release is not called.
func (d *Dict[K, V]) Delete(k K) (V, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var zero V

	if d.destroyed {
		return zero, false, ErrDestroyed
	}

	v, ok := d.values[k]
	if !ok {
		return zero, false, nil
	}

	delete(d.values, k)
	d.keys = slices.DeleteFunc(d.keys, func(key K) bool { return key == k })

	return v, true, nil
}

// Len returns the number of entries, or 0 for a nil or destroyed Dict.
func (d *Dict[K, V]) Len() int {
	if d == nil {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict[K, V]) Keys() ([]K, error) {
	if d == nil {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDestroyed
	}

	return slices.Clone(d.keys), nil
}

// Map returns a copy of the entries.
func (d *Dict[K, V]) Map() (map[K]V, error) {
	if d == nil {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDestroyed
	}

	return maps.Clone(d.values), nil
}

// Destroyed reports whether Destroy has been called.
func (d *Dict[K, V]) Destroyed() bool {
	if d == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.destroyed
}

// Destroy calls release on every remaining entry in insertion order if the
// Dict owns them and drops its storage.
func (d *Dict[K, V]) Destroy() error {
	if d == nil {
		return nil
	}

	d.mu.Lock()

	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}

	keys, values := d.keys, d.values
	d.keys, d.values = nil, nil
	d.destroyed = true

	d.mu.Unlock()

	if d.release != nil {
		for _, k := range keys {
			d.release(k, values[k])
		}
	}

	return nil
}

// Clone returns a Dict with the same entries and order that owns nothing.
func (d *Dict[K, V]) Clone() (*Dict[K, V], error) {
	if d == nil {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDestroyed
	}

	return &Dict[K, V]{
		keys:   slices.Clone(d.keys),
		values: maps.Clone(d.values),
	}, nil
}

// MarshalJSON encodes the Dict as a JSON object with keys in insertion order.
func (d *Dict[K, V]) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return nil, ErrDestroyed
	}

	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := objectKey(k)
		if err != nil {
			return nil, err
		}

		value, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// objectKey encodes k as a JSON object key the way encoding/json does for
// map keys.
func objectKey[K comparable](k K) ([]byte, error) {
	m, err := json.Marshal(map[K]struct{}{k: {}})
	if err != nil {
		return nil, err
	}

	// m is {"<key>":{}}.
	return m[1 : len(m)-len(":{}}")], nil
}

// UnmarshalJSON replaces the contents of the Dict. A decoded Dict owns
// nothing and its keys are in the order encountered in data.
func (d *Dict[K, V]) UnmarshalJSON(data []byte) error {
	var m map[K]V
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	if m == nil {
		m = map[K]V{}
	}

	keys, err := objectKeys[K](data)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys = nil
	for _, k := range keys {
		if _, ok := m[k]; ok && !slices.Contains(d.keys, k) {
			d.keys = append(d.keys, k)
		}
	}

	for k := range m {
		if !slices.Contains(d.keys, k) {
			d.keys = append(d.keys, k)
		}
	}

	d.values = m
	d.release = nil
	d.destroyed = false

	return nil
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys[K comparable](data []byte) ([]K, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	var keys []K

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(tok)
		if err != nil {
			return nil, err
		}

		var k K
		if err := json.Unmarshal(raw, &k); err != nil {
			// Non-string keys fall back to map order.
			return nil, nil
		}

		keys = append(keys, k)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}

	return keys, nil
}
