// Package backend defines the polymorphism contract every source and sink
// implementation satisfies (spec.md §4.H), plus the shared open/closed
// state machine helper they all embed.
package backend

import (
	"context"
	"sync/atomic"

	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/iterator"
)

// Projection selects which parts of an Entry a Root or Filter call should
// populate. A zero Projection means "everything".
type Projection struct {
	Statx       uint32 // statx mask bits to populate; 0 means all
	Symlink     bool
	InodeXattrs bool
	NSXattrs    bool
}

// SortKey orders Filter results by one field, ascending unless Descending
// is set.
type SortKey struct {
	Field      filter.Field
	Descending bool
}

// Options configures a Filter call (spec.md §4.H). A backend that does
// not support an option, or a non-zero Projection passed to Root, fails
// the call with rbh.ErrNotSupported.
type Options struct {
	Skip       uint64
	Limit      uint64 // 0 means unlimited
	Sort       []SortKey
	Projection Projection
}

// Backend is the contract every source (posix, lustre, archive) and sink
// (mongo) implementation satisfies, matching spec.md §4.H's
// root/branch/filter/update/close operations.
type Backend interface {
	// Root returns the entry at the backend's root, honoring projection.
	Root(ctx context.Context, projection Projection) (*fsentry.Entry, error)

	// Branch returns a Backend scoped to the subtree rooted at id.
	Branch(ctx context.Context, id []byte) (Backend, error)

	// Filter returns entries matching f, honoring opts.
	Filter(ctx context.Context, f *filter.Filter, opts Options) (iterator.MutIterator, error)

	// Update applies the events it yields and returns how many it
	// applied before either exhausting the iterator or hitting an
	// error; a non-nil error accompanies a partial count when an event
	// fails midway. Sink-only; source backends return rbh.ErrNotSupported.
	Update(ctx context.Context, events iterator.MutIterator) (int, error)

	// Close releases resources held by the backend. Further calls to
	// any other method after Close return rbh.ErrInvalid.
	Close() error
}

// State is embedded by every Backend implementation to provide the
// atomic open/closed flag checked at the top of every method, the same
// pattern as the teacher's atExit.closed flag in atexit.go generalized
// from a package-level global to a per-instance field.
type State struct {
	closed int32
}

// CheckOpen returns rbh.ErrInvalid if MarkClosed has already been
// called, nil otherwise.
func (s *State) CheckOpen() error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return xerrors.Errorf("backend: use after close: %w", rbh.ErrInvalid)
	}
	return nil
}

// MarkClosed marks the state closed. It is idempotent: calling it more
// than once is not an error.
func (s *State) MarkClosed() {
	atomic.StoreInt32(&s.closed, 1)
}
