// Package ring implements a bounded, single-producer/single-consumer byte
// FIFO (spec.md §4.B). Package fsentry's Journal uses it to buffer
// gob-encoded events between a change-feed producer and an Update
// consumer without materializing an entire batch in memory at once.
package ring

import (
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

// Ring is a fixed-capacity byte FIFO. Push is atomic with respect to Peek
// and Ack: a consumer never observes a partial push.
type Ring struct {
	buf      []byte
	start    int // offset of the first unread byte
	size     int // number of unread bytes
	capacity int
}

// New returns a Ring with the given byte capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Ring{buf: make([]byte, capacity), capacity: capacity}
}

// Cap returns the ring's total byte capacity.
func (r *Ring) Cap() int { return r.capacity }

// Len returns the number of unread bytes currently buffered.
func (r *Ring) Len() int { return r.size }

// Free returns the number of bytes that can still be Pushed.
func (r *Ring) Free() int { return r.capacity - r.size }

// Push appends p to the ring. It fails with rbh.ErrNoBufs if there isn't
// enough free space for all of p; partial pushes never happen.
func (r *Ring) Push(p []byte) error {
	if len(p) > r.Free() {
		return xerrors.Errorf("ring: push %d bytes into %d free: %w", len(p), r.Free(), rbh.ErrNoBufs)
	}
	if len(p) == 0 {
		return nil
	}

	end := (r.start + r.size) % r.capacity
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf[0:], p[n:])
	}
	r.size += len(p)
	return nil
}

// Peek returns a contiguous view of the next n unread bytes without
// consuming them. It fails with rbh.ErrAgain if fewer than n bytes are
// currently available. If the requested region straddles the end of the
// backing array, Peek compacts the buffer once (moving the wrapped tail
// forward) so that this and subsequent calls see a contiguous slice,
// rather than requiring a double-mapped backing page.
func (r *Ring) Peek(n int) ([]byte, error) {
	if n > r.size {
		return nil, xerrors.Errorf("ring: peek %d of %d available: %w", n, r.size, rbh.ErrAgain)
	}
	if n == 0 {
		return nil, nil
	}

	if r.start+n > r.capacity {
		r.compact()
	}
	return r.buf[r.start : r.start+n : r.start+n], nil
}

// compact rotates the backing array so that the readable region starts at
// offset 0, restoring a contiguous view across a wrap.
func (r *Ring) compact() {
	rotated := make([]byte, r.capacity)
	n := copy(rotated, r.buf[r.start:])
	copy(rotated[n:], r.buf[:r.start])
	r.buf = rotated
	r.start = 0
}

// Ack releases the front n bytes, making room for further Push calls.
func (r *Ring) Ack(n int) {
	if n > r.size {
		panic("ring: ack of more bytes than are buffered")
	}
	r.start = (r.start + n) % r.capacity
	r.size -= n
}
