package fsentry

import (
	"bytes"
	"encoding/gob"

	"golang.org/x/xerrors"

	"github.com/cea-hpc/librobinhood/ring"
)

// Journal buffers encoded Events in a bounded byte ring, the
// backpressure-bearing handoff a change-feed source hands to a sink's
// Update call without ever materializing the whole batch in memory at
// once (spec.md §5's bounded-memory requirement for streaming update
// batches). Each event is gob-encoded to a length-prefixed record before
// being pushed, since ring.Ring is a byte buffer, not a typed queue.
type Journal struct {
	r *ring.Ring
}

// NewJournal allocates a Journal backed by a ring of the given byte
// capacity.
func NewJournal(capacity int) *Journal {
	return &Journal{r: ring.New(capacity)}
}

// Push encodes ev and appends it to the journal. It fails with
// rbh.ErrNoBufs (via ring.Push) if the encoded record doesn't fit in the
// remaining free space.
func (j *Journal) Push(ev *Event) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return xerrors.Errorf("fsentry: journal encode: %w", err)
	}

	record := make([]byte, 4+buf.Len())
	putUint32(record, uint32(buf.Len()))
	copy(record[4:], buf.Bytes())

	if err := j.r.Push(record); err != nil {
		return xerrors.Errorf("fsentry: journal push: %w", err)
	}
	return nil
}

// Pop decodes and acknowledges the oldest pushed Event. It returns
// rbh.ErrAgain (via ring.Peek) when fewer bytes are buffered than the
// next record needs, which includes the journal being empty: a ring
// has no end-of-stream concept of its own, so callers distinguish
// "drained for now" from "producer is done" the same way any other
// rbh.ErrAgain-returning operation does, by retrying or stopping based
// on their own knowledge of the producer's lifecycle.
func (j *Journal) Pop() (*Event, error) {
	header, err := j.r.Peek(4)
	if err != nil {
		return nil, err
	}
	n := getUint32(header)

	record, err := j.r.Peek(int(4 + n))
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := gob.NewDecoder(bytes.NewReader(record[4:])).Decode(&ev); err != nil {
		return nil, xerrors.Errorf("fsentry: journal decode: %w", err)
	}

	j.r.Ack(int(4 + n))
	return &ev, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
