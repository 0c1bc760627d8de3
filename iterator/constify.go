package iterator

// constifyIterator wraps a MutIterator as an Iterator by taking ownership
// of each element it yields and freeing it (dropping the Go reference) on
// the subsequent call or on Close — the Go analogue of spec.md §4.F's
// constify, whose C form frees the previous mutable element once the
// immutable wrapper has handed out a (non-owning) reference to it.
type constifyIterator struct {
	mut  MutIterator
	prev any
}

// Constify adapts a mutable iterator into an immutable one.
func Constify(mut MutIterator) Iterator {
	return &constifyIterator{mut: mut}
}

func (c *constifyIterator) Next() (any, error) {
	c.prev = nil // release the previous element before pulling the next
	v, err := nextMut(c.mut)
	if err != nil {
		return nil, err
	}
	c.prev = v
	return v, nil
}

func (c *constifyIterator) Close() error {
	c.prev = nil
	return c.mut.Close()
}
