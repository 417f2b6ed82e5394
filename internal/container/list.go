// Package container provides ordered collections whose ownership of their
// elements is fixed at creation.
//
// A container created with a release function owns its elements: Destroy
// calls release on every element still held. A container created without one
// only holds references and Destroy drops the storage. Elements detached with
// RemoveAt are handed to the caller and are never released by the container.
//
// Destroy may be called exactly once. Any later call on a destroyed
// container, including a second Destroy, returns ErrDestroyed.
package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

var (
	ErrDestroyed  = errors.New("container destroyed")
	ErrOutOfRange = errors.New("index out of range")
)

// List is an ordered, index-addressable sequence of T. It is safe for
// concurrent use.
type List[T any] struct {
	items     []T
	release   func(T)
	destroyed bool

	mu sync.Mutex
}

// New creates an empty List. If release is non-nil the List owns its
// elements and calls release on each of them when destroyed.
func New[T any](release func(T)) *List[T] {
	return &List[T]{release: release}
}

// Of creates a List holding items that owns nothing.
func Of[T any](items ...T) *List[T] {
	return &List[T]{items: slices.Clone(items)}
}

// Owns reports whether the List releases its elements on Destroy.
func (l *List[T]) Owns() bool {
	if l == nil {
		return false
	}

	return l.release != nil
}

// Add appends v.
func (l *List[T]) Add(v T) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return ErrDestroyed
	}

	l.items = append(l.items, v)

	return nil
}

// Get returns the element at i without transferring ownership.
func (l *List[T]) Get(i int) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T

	if l.destroyed {
		return zero, ErrDestroyed
	}

	if i < 0 || i >= len(l.items) {
		return zero, fmt.Errorf("get %d of %d: %w", i, len(l.items), ErrOutOfRange)
	}

	return l.items[i], nil
}

// RemoveAt detaches and returns the element at i, shifting later elements
// down. The caller takes ownership; release is not called.
func (l *List[T]) RemoveAt(i int) (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T

	if l.destroyed {
		return zero, ErrDestroyed
	}

	if i < 0 || i >= len(l.items) {
		return zero, fmt.Errorf("remove %d of %d: %w", i, len(l.items), ErrOutOfRange)
	}

	v := l.items[i]
	l.items = slices.Delete(l.items, i, i+1)

	return v, nil
}

// Size returns the number of elements, or 0 for a nil or destroyed List.
func (l *List[T]) Size() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.items)
}

// Destroyed reports whether Destroy has been called.
func (l *List[T]) Destroyed() bool {
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.destroyed
}

// Destroy calls release on every remaining element if the List owns them and
// drops its storage. A panic in release propagates to the caller.
func (l *List[T]) Destroy() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()

	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}

	items := l.items
	l.items = nil
	l.destroyed = true

	l.mu.Unlock()

	if l.release != nil {
		for _, v := range items {
			l.release(v)
		}
	}

	return nil
}

// Values returns a copy of the elements. It returns nil for a nil List and
// ErrDestroyed for a destroyed one.
func (l *List[T]) Values() ([]T, error) {
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.destroyed {
		return nil, ErrDestroyed
	}

	return slices.Clone(l.items), nil
}

// All iterates over a snapshot of the elements. A destroyed List yields
// nothing.
func (l *List[T]) All() iter.Seq2[int, T] {
	items, _ := l.Values()

	return slices.All(items)
}

// IndexFunc returns the index of the first element satisfying f, or -1.
func (l *List[T]) IndexFunc(f func(T) bool) int {
	items, _ := l.Values()

	return slices.IndexFunc(items, f)
}

// Clone returns a List with the same elements that owns nothing. Cloning a
// nil List returns nil.
func (l *List[T]) Clone() (*List[T], error) {
	if l == nil {
		return nil, nil
	}

	items, err := l.Values()
	if err != nil {
		return nil, err
	}

	return &List[T]{items: items}, nil
}

func (l *List[T]) MarshalJSON() ([]byte, error) {
	items, err := l.Values()
	if err != nil {
		return nil, err
	}

	if items == nil {
		items = []T{}
	}

	return json.Marshal(items)
}

// UnmarshalJSON replaces the contents of the List. A decoded List owns
// nothing.
func (l *List[T]) UnmarshalJSON(data []byte) error {
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = items
	l.release = nil
	l.destroyed = false

	return nil
}
