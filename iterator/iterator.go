// Package iterator implements the lazy cursor algebra of spec.md §4.F,
// grounded on include/robinhood/iterator.h.
//
// Two flavors exist: immutable iterators, whose elements are owned by the
// iterator and stay valid until Close, and mutable iterators, whose
// elements are transferred to the caller. Go has no way to express that
// distinction in the type system the way the C source's two struct
// hierarchies do, so both are represented by the same method shape;
// ownership is documented per constructor instead.
//
// rbh.ErrAgain never escapes a combinator: every Next implementation here
// loops past a child's ErrAgain before returning, the same way
// rbh_iter_next wraps _rbh_iter_next. rbh.ErrNoData (an alias of io.EOF)
// signals exhaustion and is the only error high-level callers should treat
// as a normal loop terminator.
package iterator

import (
	"errors"

	rbh "github.com/cea-hpc/librobinhood"
)

// Iterator yields immutable references until exhausted.
type Iterator interface {
	// Next returns the next element, or a nil element with rbh.ErrNoData
	// once exhausted, or a nil element with some other error on failure.
	// Implementations must not return rbh.ErrAgain to their caller.
	Next() (any, error)
	Close() error
}

// MutIterator yields elements the caller takes ownership of.
type MutIterator interface {
	Next() (any, error)
	Close() error
}

// next retries it.Next() past rbh.ErrAgain, matching rbh_iter_next's retry
// wrapper around the raw _rbh_iter_next call. Combinators call this
// instead of invoking a child's Next directly.
func next(it Iterator) (any, error) {
	for {
		v, err := it.Next()
		if err != nil && errors.Is(err, rbh.ErrAgain) {
			continue
		}
		return v, err
	}
}

func nextMut(it MutIterator) (any, error) {
	for {
		v, err := it.Next()
		if err != nil && errors.Is(err, rbh.ErrAgain) {
			continue
		}
		return v, err
	}
}

// arrayIterator is an immutable iterator over a fixed, in-memory slice.
type arrayIterator struct {
	elems []any
	pos   int
}

// Array returns an immutable iterator over a fixed slice of elements.
func Array(elems []any) Iterator {
	return &arrayIterator{elems: elems}
}

func (a *arrayIterator) Next() (any, error) {
	if a.pos >= len(a.elems) {
		return nil, rbh.ErrNoData
	}
	v := a.elems[a.pos]
	a.pos++
	return v, nil
}

func (a *arrayIterator) Close() error { return nil }

// chainIterator exhausts its inputs in order, closing each as it is
// exhausted.
type chainIterator struct {
	its []Iterator
}

// Chain concatenates its inputs in order: spec.md §8 property 3 and
// scenario S4.
func Chain(its ...Iterator) Iterator {
	cp := make([]Iterator, len(its))
	copy(cp, its)
	return &chainIterator{its: cp}
}

func (c *chainIterator) Next() (any, error) {
	for len(c.its) > 0 {
		v, err := next(c.its[0])
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, rbh.ErrNoData) {
			return nil, err
		}
		c.its[0].Close()
		c.its = c.its[1:]
	}
	return nil, rbh.ErrNoData
}

func (c *chainIterator) Close() error {
	var first error
	for _, it := range c.its {
		if err := it.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.its = nil
	return first
}

// PrependChain splices extra iterators onto the front of an existing
// chain's remaining queue, used by package branch to maintain its
// depth-first directory queue (spec.md §4.I).
func PrependChain(c Iterator, its ...Iterator) Iterator {
	existing, ok := c.(*chainIterator)
	if !ok {
		return Chain(append(its, c)...)
	}
	merged := append(append([]Iterator{}, its...), existing.its...)
	return &chainIterator{its: merged}
}
