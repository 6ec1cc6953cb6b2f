package indexed

import (
	"cmp"
	"iter"
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// Pair is one key/value entry used to build a Dict.
type Pair[K comparable, V any] struct {
	Key   K
	Value V
}

// Dict is an insertion-ordered mapping that can also be addressed by position.
// It never changes after construction: Set and Delete always fail with ErrImmutableWrite.
type Dict[K comparable, V any] struct {
	keys    []K
	indices map[K]int
	values  map[K]V
}

// NewDict creates a Dict from the pairs, in the given order.
//
// A key given more than once keeps the position of its first occurrence and the value of its last,
// so Index and KeyAt stay exact inverses.
func NewDict[K comparable, V any](pairs ...Pair[K, V]) *Dict[K, V] {
	d := &Dict[K, V]{
		keys:    make([]K, 0, len(pairs)),
		indices: make(map[K]int, len(pairs)),
		values:  make(map[K]V, len(pairs)),
	}
	for _, pair := range pairs {
		if _, found := d.indices[pair.Key]; !found {
			d.indices[pair.Key] = len(d.keys)
			d.keys = append(d.keys, pair.Key)
		}
		d.values[pair.Key] = pair.Value
	}
	return d
}

// NewDictFromMap creates a Dict from a Go map. Go maps have no order, so keys are sorted.
func NewDictFromMap[K cmp.Ordered, V any](m map[K]V) *Dict[K, V] {
	pairs := make([]Pair[K, V], 0, len(m))
	for _, key := range slices.Sorted(maps.Keys(m)) {
		pairs = append(pairs, Pair[K, V]{Key: key, Value: m[key]})
	}
	return NewDict(pairs...)
}

// Len returns the number of keys.
func (d *Dict[K, V]) Len() int {
	return len(d.keys)
}

// Index returns the insertion position of key, or ErrNotFound.
func (d *Dict[K, V]) Index(key K) (int, error) {
	idx, found := d.indices[key]
	if !found {
		return -1, errors.Wrapf(ErrNotFound, "%v not in dict", key)
	}
	return idx, nil
}

// KeyAt returns the key inserted at position idx. It panics if idx is out of range.
func (d *Dict[K, V]) KeyAt(idx int) K {
	return d.keys[idx]
}

// Get returns the value for key, and whether it was found.
func (d *Dict[K, V]) Get(key K) (V, bool) {
	value, found := d.values[key]
	return value, found
}

// Keys returns a copy of the keys in insertion order.
func (d *Dict[K, V]) Keys() []K {
	return slices.Clone(d.keys)
}

// All iterates over the entries in insertion order.
func (d *Dict[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, key := range d.keys {
			if !yield(key, d.values[key]) {
				return
			}
		}
	}
}

// Set always fails: a Dict is read-only after construction.
func (d *Dict[K, V]) Set(key K, _ V) error {
	return errors.Wrapf(ErrImmutableWrite, "setting key %v", key)
}

// Delete always fails: a Dict is read-only after construction.
func (d *Dict[K, V]) Delete(key K) error {
	return errors.Wrapf(ErrImmutableWrite, "deleting key %v", key)
}
