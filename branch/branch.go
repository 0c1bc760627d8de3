// Package branch implements subtree traversal on top of any backend's flat
// filter operation (spec.md §4.I), by maintaining a depth-first directory
// queue built from iterator.Chain/PrependChain.
package branch

import (
	"context"
	"errors"

	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/backend"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/iterator"
	"github.com/cea-hpc/librobinhood/value"
)

// branchBackend scopes every operation of inner to the subtree rooted at
// root. Close does not close inner: per spec.md §4.H's state machine,
// closing a branch must not close the backend it shares connections
// with.
type branchBackend struct {
	backend.State

	inner backend.Backend
	root  []byte
}

// New wraps inner so its Root and Filter results are scoped to the
// subtree rooted at id.
func New(inner backend.Backend, id []byte) backend.Backend {
	return &branchBackend{inner: inner, root: append([]byte(nil), id...)}
}

func (b *branchBackend) Root(ctx context.Context, projection backend.Projection) (*fsentry.Entry, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	idFilter := filter.Compare(filter.Field{Kind: filter.FieldID}, filter.OpEq, value.BinaryNew(b.root))
	it, err := b.inner.Filter(ctx, &idFilter, backend.Options{Limit: 1, Projection: projection})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	v, err := it.Next()
	if errors.Is(err, rbh.ErrNoData) {
		return nil, xerrors.Errorf("branch: root entry not found: %w", rbh.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return v.(*fsentry.Entry), nil
}

func (b *branchBackend) Branch(ctx context.Context, id []byte) (backend.Backend, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	return New(b.inner, id), nil
}

func (b *branchBackend) Filter(ctx context.Context, f *filter.Filter, opts backend.Options) (iterator.MutIterator, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	if f == nil {
		null := filter.Null()
		f = &null
	}
	return newTraversal(ctx, b.inner, b.root, f, opts), nil
}

func (b *branchBackend) Update(ctx context.Context, events iterator.MutIterator) (int, error) {
	if err := b.CheckOpen(); err != nil {
		return 0, err
	}
	return b.inner.Update(ctx, events)
}

func (b *branchBackend) Close() error {
	b.MarkClosed()
	return nil
}

// dirsFilter returns (parent_id == parent) AND (statx.type == DIR).
func dirsFilter(parent []byte) *filter.Filter {
	f := filter.And(
		filter.Compare(filter.Field{Kind: filter.FieldParentID}, filter.OpEq, value.BinaryNew(parent)),
		filter.Compare(filter.Field{Kind: filter.FieldStatx, Statx: filter.StatxFieldType}, filter.OpEq, value.Uint32New(directoryType)),
	)
	return &f
}

// entriesFilter returns (parent_id == parent) AND caller.
func entriesFilter(parent []byte, caller *filter.Filter) *filter.Filter {
	f := filter.And(
		filter.Compare(filter.Field{Kind: filter.FieldParentID}, filter.OpEq, value.BinaryNew(parent)),
		*caller,
	)
	return &f
}

// directoryType is the statx.type value S_IFDIR conventionally occupies
// in the low bits of st_mode's format field (linux/stat.h), the same
// constant src/backends/posix/posix.c compares rbh_statx.stx_mode's
// format bits against when walking directories.
const directoryType = 0040000

// traversal implements spec.md §4.I's algorithm: yield the root entry,
// then repeatedly dequeue a directory, open its subdirectory iterator
// (spliced to the front of the queue for depth-first order) and its
// entry iterator (made active), and yield from the active iterator until
// exhaustion.
type traversal struct {
	ctx    context.Context
	b      backend.Backend
	root   []byte
	caller *filter.Filter
	opts   backend.Options

	rootYielded bool
	dirQueue    iterator.Iterator   // chain of dirs(d) iterators, depth-first order
	active      iterator.MutIterator
	children    []iterator.MutIterator // held for LIFO teardown on Close
}

func newTraversal(ctx context.Context, b backend.Backend, root []byte, caller *filter.Filter, opts backend.Options) *traversal {
	return &traversal{ctx: ctx, b: b, root: root, caller: caller, opts: opts}
}

func (t *traversal) Next() (any, error) {
	if !t.rootYielded {
		t.rootYielded = true
		idFilter := filter.And(
			filter.Compare(filter.Field{Kind: filter.FieldID}, filter.OpEq, value.BinaryNew(t.root)),
			*t.caller,
		)
		it, err := t.b.Filter(t.ctx, &idFilter, t.opts)
		if err != nil {
			return nil, err
		}
		defer it.Close()
		v, err := it.Next()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, rbh.ErrNoData) {
			return nil, err
		}
		// Root didn't match caller's filter; fall through to subtree scan.
	}

	if t.dirQueue == nil {
		// The queue starts with the branch root itself, so the first
		// dequeue opens entries(root) and dirs(root).
		rootFilter := filter.Compare(filter.Field{Kind: filter.FieldID}, filter.OpEq, value.BinaryNew(t.root))
		dirs, err := t.b.Filter(t.ctx, &rootFilter, backend.Options{})
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, dirs)
		t.dirQueue = dirs
	}

	for {
		if t.active != nil {
			v, err := t.active.Next()
			if err == nil {
				return v, nil
			}
			if !errors.Is(err, rbh.ErrNoData) {
				return nil, err
			}
			t.active = nil
		}

		dv, err := next(t.dirQueue)
		if errors.Is(err, rbh.ErrNoData) {
			return nil, rbh.ErrNoData
		}
		if err != nil {
			return nil, err
		}
		d := dv.(*fsentry.Entry)

		subdirs, err := t.b.Filter(t.ctx, dirsFilter(d.ID), backend.Options{})
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, subdirs)
		t.dirQueue = iterator.PrependChain(t.dirQueue, subdirs)

		entries, err := t.b.Filter(t.ctx, entriesFilter(d.ID, t.caller), t.opts)
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, entries)
		t.active = entries
	}
}

// next retries past rbh.ErrAgain the same way package iterator's internal
// helper does, since dirQueue is a plain iterator.Iterator here.
func next(it iterator.Iterator) (any, error) {
	for {
		v, err := it.Next()
		if err != nil && errors.Is(err, rbh.ErrAgain) {
			continue
		}
		return v, err
	}
}

// Close destroys every held child iterator in reverse creation order, as
// spec.md §4.I requires.
func (t *traversal) Close() error {
	var first error
	for i := len(t.children) - 1; i >= 0; i-- {
		if err := t.children[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	t.children = nil
	t.dirQueue = nil
	t.active = nil
	return first
}
