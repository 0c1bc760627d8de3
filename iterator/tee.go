package iterator

import (
	"sync"
)

// teeShared is the state two teeIterator halves both read from: a shared
// buffer of elements the faster reader has already pulled from it but the
// slower reader hasn't consumed yet.
type teeShared struct {
	mu      sync.Mutex
	it      Iterator
	err     error // sticky terminal error/EOF from it, once seen
	buf     []any // unread-by-at-least-one-side elements, oldest first
	readers [2]int // how many elements of buf each side has already consumed
	closed  [2]bool
}

// pull advances the shared source iterator by one element, appending it to
// buf (or recording the terminal error) exactly once regardless of which
// side asked.
func (s *teeShared) pull() {
	if s.err != nil {
		return
	}
	v, err := next(s.it)
	if err != nil {
		s.err = err
		return
	}
	s.buf = append(s.buf, v)
}

// compact drops buffered elements that both sides have already consumed.
func (s *teeShared) compact() {
	min := s.readers[0]
	if s.readers[1] < min {
		min = s.readers[1]
	}
	if min == 0 {
		return
	}
	s.buf = s.buf[min:]
	s.readers[0] -= min
	s.readers[1] -= min
}

type teeIterator struct {
	shared *teeShared
	side   int
}

// Tee duplicates a one-shot immutable iterator into two independently
// advanceable ones, buffering whatever the leading side has read but the
// lagging side hasn't yet (spec.md §4.F, property 4, scenario S4-style
// duplication). Space used is bounded by the maximum lead between the two
// sides, since fully-consumed prefixes are dropped from the shared buffer
// as both sides catch up.
func Tee(it Iterator) (Iterator, Iterator) {
	shared := &teeShared{it: it}
	return &teeIterator{shared: shared, side: 0}, &teeIterator{shared: shared, side: 1}
}

func (t *teeIterator) Next() (any, error) {
	s := t.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.readers[t.side] >= len(s.buf) {
		if s.err != nil {
			return nil, s.err
		}
		s.pull()
	}

	v := s.buf[s.readers[t.side]]
	s.readers[t.side]++
	s.compact()
	return v, nil
}

func (t *teeIterator) Close() error {
	s := t.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed[t.side] = true
	if s.closed[0] && s.closed[1] {
		return s.it.Close()
	}
	return nil
}
