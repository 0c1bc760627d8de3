package iterator

import (
	"errors"

	rbh "github.com/cea-hpc/librobinhood"
)

// chunkIterator is the immutable, bounded sub-iterator chunkify hands out
// for each chunk: it owns a pre-buffered slice of up to k elements, so the
// parent iterator is never touched while a chunk is live.
type chunkIterator struct {
	elems []any
	pos   int
}

func (c *chunkIterator) Next() (any, error) {
	if c.pos >= len(c.elems) {
		return nil, rbh.ErrNoData
	}
	v := c.elems[c.pos]
	c.pos++
	return v, nil
}

func (c *chunkIterator) Close() error { return nil }

// chunkifyIterator is a mutable iterator over immutable sub-iterators,
// each yielding up to k elements pulled from the wrapped iterator.
type chunkifyIterator struct {
	it   Iterator
	k    int
	done bool
}

// Chunkify buckets it's elements into consecutive immutable sub-iterators
// of up to k elements each (spec.md §4.F, scenario S3). The parent
// iterator must not be advanced except through the returned
// chunkifyIterator: each chunk is fully buffered internally before being
// handed out, so this invariant is enforced by construction.
func Chunkify(it Iterator, k int) MutIterator {
	if k <= 0 {
		panic("iterator: Chunkify requires k > 0")
	}
	return &chunkifyIterator{it: it, k: k}
}

func (c *chunkifyIterator) Next() (any, error) {
	if c.done {
		return nil, rbh.ErrNoData
	}

	buf := make([]any, 0, c.k)
	for len(buf) < c.k {
		v, err := next(c.it)
		if err != nil {
			if errors.Is(err, rbh.ErrNoData) {
				c.done = true
				break
			}
			return nil, err
		}
		buf = append(buf, v)
	}

	if len(buf) == 0 {
		return nil, rbh.ErrNoData
	}
	return &chunkIterator{elems: buf}, nil
}

func (c *chunkifyIterator) Close() error {
	c.done = true
	return c.it.Close()
}
