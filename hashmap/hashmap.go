// Package hashmap implements a fixed-capacity, open-addressed map with
// backshift-rehashing deletion (spec.md §4.C), grounded on
// src/hashmap.c's rbh_hashmap.
//
// The C source uses a null key pointer as the "empty slot" sentinel; since
// a Go generic key type has no universal null value, occupancy is tracked
// with a parallel bool slice instead. The probe sequence, the Set/Get/Pop
// semantics and the backshift algorithm are otherwise unchanged.
package hashmap

import (
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

type item[K, V any] struct {
	key   K
	value V
}

// Map is a fixed-capacity open-addressed hashmap.
type Map[K, V any] struct {
	hash     func(K) uint64
	equals   func(a, b K) bool
	items    []item[K, V]
	occupied []bool
	count    int
}

// New returns a Map with room for exactly capacity entries. hash and
// equals must be consistent (equals(a, b) implies hash(a) == hash(b)).
func New[K, V any](capacity int, hash func(K) uint64, equals func(a, b K) bool) *Map[K, V] {
	if capacity <= 0 {
		panic("hashmap: capacity must be positive")
	}
	return &Map[K, V]{
		hash:     hash,
		equals:   equals,
		items:    make([]item[K, V], capacity),
		occupied: make([]bool, capacity),
	}
}

// Len returns the number of entries currently stored.
func (m *Map[K, V]) Len() int { return m.count }

// Cap returns the map's fixed capacity.
func (m *Map[K, V]) Cap() int { return len(m.items) }

func (m *Map[K, V]) slot(key K) int {
	return int(m.hash(key) % uint64(len(m.items)))
}

// find returns the index of the slot holding key, or the first empty slot
// encountered while probing linearly (with one wraparound), or -1 if the
// table is full and key is not present.
func (m *Map[K, V]) find(key K) int {
	n := len(m.items)
	start := m.slot(key)

	for i := start; i < n; i++ {
		if !m.occupied[i] || m.equals(m.items[i].key, key) {
			return i
		}
	}
	for i := 0; i < start; i++ {
		if !m.occupied[i] || m.equals(m.items[i].key, key) {
			return i
		}
	}
	return -1
}

// Set stores value under key, overwriting any existing entry for key. It
// fails with rbh.ErrNoBufs if the table is full and key is new.
func (m *Map[K, V]) Set(key K, value V) error {
	i := m.find(key)
	if i < 0 {
		return xerrors.Errorf("hashmap: set: %w", rbh.ErrNoBufs)
	}
	if !m.occupied[i] {
		m.count++
	}
	m.items[i] = item[K, V]{key: key, value: value}
	m.occupied[i] = true
	return nil
}

// Get returns the value stored under key, or rbh.ErrNotFound.
func (m *Map[K, V]) Get(key K) (V, error) {
	i := m.find(key)
	if i < 0 || !m.occupied[i] {
		var zero V
		return zero, xerrors.Errorf("hashmap: get: %w", rbh.ErrNotFound)
	}
	return m.items[i].value, nil
}

// isBetween reports whether index lies in the cyclic interval [low, high].
func isBetween(index, low, high int) bool {
	if low <= high {
		return low <= index && index <= high
	}
	return low <= index || index <= high
}

// punch empties the slot at index, then backshift-rehashes subsequent
// occupied slots so that no key's probe sequence is ever interrupted by
// the gap left behind — this is the tombstone-free deletion spec.md §4.C
// requires. Mirrors src/hashmap.c's hashmap_punch, which recurses every
// time a slot is moved so that the is_between check is always evaluated
// against the *current* empty slot; a loop that merely continued scanning
// would check candidates against a stale index.
func (m *Map[K, V]) punch(index int) {
	n := len(m.items)

	for i := index + 1; i < n; i++ {
		if !m.occupied[i] {
			m.occupied[index] = false
			return
		}
		if isBetween(index, m.slot(m.items[i].key), i) {
			m.items[index] = m.items[i]
			m.punch(i)
			return
		}
	}
	for i := 0; i < index; i++ {
		if !m.occupied[i] {
			m.occupied[index] = false
			return
		}
		if isBetween(index, m.slot(m.items[i].key), i) {
			m.items[index] = m.items[i]
			m.punch(i)
			return
		}
	}
	m.occupied[index] = false
}

// Pop removes and returns the value stored under key, or rbh.ErrNotFound.
func (m *Map[K, V]) Pop(key K) (V, error) {
	i := m.find(key)
	if i < 0 || !m.occupied[i] {
		var zero V
		return zero, xerrors.Errorf("hashmap: pop: %w", rbh.ErrNotFound)
	}
	value := m.items[i].value
	m.punch(i)
	m.count--
	return value, nil
}
