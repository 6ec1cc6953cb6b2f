// Package indexed provides small containers that can be addressed both by value and by position:
// Set, a sorted list of unique values, and Dict, an immutable insertion-ordered mapping.
//
// Example:
//
//	tags := indexed.NewOrderedSet(7, 3, 5, 3)
//	fmt.Println(tags.Values()) // [3 5 7]
//	pos, err := tags.Index(5)  // 1, nil
package indexed

import (
	"cmp"
	"iter"
	"slices"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when looking up a value or key that is not stored.
	ErrNotFound = errors.New("not found")

	// ErrImmutableWrite is returned by every write attempted on a Dict.
	ErrImmutableWrite = errors.New("indexed.Dict is immutable")

	// ErrKeyCollision is returned when inserting a value whose key is already held by a different value.
	ErrKeyCollision = errors.New("key already held by a different value")
)

// Set holds unique values sorted by a key extracted from each value.
//
// The key function must be injective over the values stored: two distinct values with the same
// key can't both be stored, and the second insert fails with ErrKeyCollision.
type Set[T comparable, K cmp.Ordered] struct {
	key    func(T) K
	keys   []K
	values []T
}

// NewSet creates a Set ordered by key, and inserts the given values one at a time.
func NewSet[T comparable, K cmp.Ordered](key func(T) K, values ...T) (*Set[T, K], error) {
	s := &Set[T, K]{key: key}
	for _, value := range values {
		if err := s.Insert(value); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewOrderedSet creates a Set of values ordered by themselves.
// Since the key is the identity, it never fails.
func NewOrderedSet[T cmp.Ordered](values ...T) *Set[T, T] {
	s := &Set[T, T]{key: func(v T) T { return v }}
	for _, value := range values {
		_ = s.Insert(value)
	}
	return s
}

// Insert value in its sorted position. Inserting a value already in the set is a no-op.
func (s *Set[T, K]) Insert(value T) error {
	key := s.key(value)
	idx, found := slices.BinarySearch(s.keys, key)
	if found {
		if s.values[idx] == value {
			return nil
		}
		return errors.Wrapf(ErrKeyCollision, "inserting %v with key %v", value, key)
	}
	s.keys = slices.Insert(s.keys, idx, key)
	s.values = slices.Insert(s.values, idx, value)
	return nil
}

// Index returns the position of value in the set, or ErrNotFound.
func (s *Set[T, K]) Index(value T) (int, error) {
	idx, found := slices.BinarySearch(s.keys, s.key(value))
	if found && s.values[idx] == value {
		return idx, nil
	}
	return -1, errors.Wrapf(ErrNotFound, "%v not in set", value)
}

// Contains reports whether value is stored in the set.
func (s *Set[T, K]) Contains(value T) bool {
	_, err := s.Index(value)
	return err == nil
}

// At returns the value at position idx. It panics if idx is out of range, like a slice would.
func (s *Set[T, K]) At(idx int) T {
	return s.values[idx]
}

// Len returns the number of values stored.
func (s *Set[T, K]) Len() int {
	return len(s.values)
}

// Values returns a copy of the stored values, in key order.
func (s *Set[T, K]) Values() []T {
	return slices.Clone(s.values)
}

// All iterates over position and value, in key order.
func (s *Set[T, K]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for idx, value := range s.values {
			if !yield(idx, value) {
				return
			}
		}
	}
}
