// Package rbhtest holds fsentry fixture builders and a minimal
// in-memory iterator shared by the backend.Backend test doubles in
// branch, mount and elsewhere, so each package's fake doesn't redefine
// the same handful of struct literals.
package rbhtest

import (
	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/value"
)

// SliceIterator is a minimal iterator.MutIterator over an in-memory
// slice, enough to back a fakeBackend.Filter result in tests.
type SliceIterator struct {
	Elems []any
	pos   int
}

func (s *SliceIterator) Next() (any, error) {
	if s.pos >= len(s.Elems) {
		return nil, rbh.ErrNoData
	}
	v := s.Elems[s.pos]
	s.pos++
	return v, nil
}

func (s *SliceIterator) Close() error { return nil }

// DirEntry builds a directory fsentry.Entry with the given mode bits.
func DirEntry(id, parent, name string, mode uint16) *fsentry.Entry {
	return &fsentry.Entry{
		ID:   []byte(id),
		NS:   []fsentry.NSEntry{{ParentID: []byte(parent), Name: name}},
		Stat: &fsentry.Statx{Type: 0040000, Mode: mode},
	}
}

// FileEntry builds a regular-file fsentry.Entry with the given mode
// bits and size.
func FileEntry(id, parent, name string, mode uint16, size uint64) *fsentry.Entry {
	return &fsentry.Entry{
		ID:   []byte(id),
		NS:   []fsentry.NSEntry{{ParentID: []byte(parent), Name: name}},
		Stat: &fsentry.Statx{Type: 0100000, Mode: mode, Size: size},
	}
}

// FileEntryWithXattr builds a regular-file fsentry.Entry carrying a
// single inode xattr.
func FileEntryWithXattr(id, parent, name string, mode uint16, size uint64, key string, v *value.Value) *fsentry.Entry {
	e := FileEntry(id, parent, name, mode, size)
	e.InodeXattrs = []value.Pair{{Key: key, Value: v}}
	return e
}

// IsDir reports whether e's statx type is a directory.
func IsDir(e *fsentry.Entry) bool {
	return e.Stat != nil && e.Stat.Type == 0040000
}
