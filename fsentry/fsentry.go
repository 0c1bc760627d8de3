// Package fsentry implements the canonical filesystem-entry record and its
// update-delta counterpart (spec.md §3.2/§3.3/§4.G).
package fsentry

import (
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/value"
)

// Statx mirrors the extended statx-like record of spec.md §3.2, with a
// per-field present/absent mask so that partial projections can be
// represented faithfully. Bit values are taken from
// include/robinhood/statx.h's RBH_STATX_* extensions plus the standard
// Linux statx() mask bits they extend.
type Statx struct {
	Mask uint32

	Type   uint16
	Mode   uint16
	Nlink  uint32
	UID    uint32
	GID    uint32
	Ino    uint64
	Size   uint64
	Blocks uint64
	Blksize uint32
	Attributes uint64

	Atime, Btime, Ctime, Mtime Timestamp
	Rdev, Dev                  Device
}

// Timestamp is a (seconds, nanoseconds) pair; the nanosecond half is only
// meaningful when the corresponding RBH_STATX_*_NSEC bit is set in Mask.
type Timestamp struct {
	Sec  int64
	Nsec uint32
}

// Device is a (major, minor) pair for statx's rdev/dev sub-documents.
type Device struct {
	Major uint32
	Minor uint32
}

// Standard statx mask bits (as in linux/stat.h) plus the robinhood
// extensions from include/robinhood/statx.h.
const (
	StatxType    uint32 = 0x00000001
	StatxMode    uint32 = 0x00000002
	StatxNlink   uint32 = 0x00000004
	StatxUID     uint32 = 0x00000008
	StatxGID     uint32 = 0x00000010
	StatxAtime   uint32 = 0x00000020
	StatxMtime   uint32 = 0x00000040
	StatxCtime   uint32 = 0x00000080
	StatxIno     uint32 = 0x00000100
	StatxSize    uint32 = 0x00000200
	StatxBlocks  uint32 = 0x00000400
	StatxBtime   uint32 = 0x00000800

	StatxBlksize    uint32 = 0x80000000
	StatxAttributes uint32 = 0x40000000
	StatxAtimeNsec  uint32 = 0x20000000
	StatxBtimeNsec  uint32 = 0x10000000
	StatxCtimeNsec  uint32 = 0x08000000
	StatxMtimeNsec  uint32 = 0x04000000
	StatxRdevMajor  uint32 = 0x02000000
	StatxRdevMinor  uint32 = 0x01000000
	StatxDevMajor   uint32 = 0x00800000
	StatxDevMinor   uint32 = 0x00400000
	StatxAll        uint32 = 0xffc00000
)

// NSEntry is one occurrence of an id in the namespace: a (parent, name)
// pair plus the xattrs attached to that specific occurrence. spec.md §6
// models an entry's namespace membership as an array of these — a
// hardlinked id has more than one NSEntry, one per name it is reachable
// under.
type NSEntry struct {
	ParentID []byte
	Name     string
	Xattrs   []value.Pair
}

// Entry is one indexed filesystem entry (spec.md §3.2). NS holds every
// (parent, name) pair the id is currently linked under; it is empty only
// for the store's root, which is not reachable under any name.
type Entry struct {
	ID          []byte
	NS          []NSEntry
	Stat        *Statx
	InodeXattrs []value.Pair
	Symlink     *string
}

// ParentID returns the parent id of e's first namespace occurrence, or
// nil for the root or an id not yet linked anywhere. Callers that care
// about every occurrence of a hardlinked id should range over e.NS
// directly instead.
func (e *Entry) ParentID() []byte {
	if len(e.NS) == 0 {
		return nil
	}
	return e.NS[0].ParentID
}

// Name returns the name of e's first namespace occurrence, or "" for
// the root or an id not yet linked anywhere.
func (e *Entry) Name() string {
	if len(e.NS) == 0 {
		return ""
	}
	return e.NS[0].Name
}

// NSXattrs returns the namespace xattrs of e's first namespace
// occurrence, or nil for the root or an id not yet linked anywhere.
func (e *Entry) NSXattrs() []value.Pair {
	if len(e.NS) == 0 {
		return nil
	}
	return e.NS[0].Xattrs
}

// New builds an Entry with a single namespace occurrence, deep-copying
// every argument so the caller's buffers can be reused or freed
// afterwards — the Go analogue of spec.md §4.G's single-allocation
// fsentry_new. Any xattr value failing Validate aborts construction with
// rbh.ErrInvalid/rbh.ErrNoBufs and the partially built Entry is
// discarded. Pass an empty parentID and name to build the store's root.
func New(id, parentID []byte, name string, stat *Statx, nsXattrs, inodeXattrs []value.Pair, symlink *string) (*Entry, error) {
	var ns []NSEntry
	if len(parentID) > 0 || name != "" {
		ns = []NSEntry{{ParentID: parentID, Name: name, Xattrs: nsXattrs}}
	}
	return NewWithNS(id, ns, stat, inodeXattrs, symlink)
}

// NewWithNS builds an Entry carrying every namespace occurrence in ns —
// the constructor a sink backend uses to decode spec.md §6's ns array
// back into an Entry, including the multi-occurrence case a hardlinked
// id produces.
func NewWithNS(id []byte, ns []NSEntry, stat *Statx, inodeXattrs []value.Pair, symlink *string) (*Entry, error) {
	e := &Entry{ID: append([]byte(nil), id...)}

	for _, n := range ns {
		cloned, err := cloneNSEntry(n)
		if err != nil {
			return nil, xerrors.Errorf("fsentry: ns entry %q: %w", n.Name, err)
		}
		e.NS = append(e.NS, cloned)
	}

	if stat != nil {
		s := *stat
		e.Stat = &s
	}

	var err error
	if e.InodeXattrs, err = clonePairs(inodeXattrs); err != nil {
		return nil, xerrors.Errorf("fsentry: inode xattrs: %w", err)
	}

	if symlink != nil {
		s := *symlink
		e.Symlink = &s
	}

	return e, nil
}

func cloneNSEntry(n NSEntry) (NSEntry, error) {
	xattrs, err := clonePairs(n.Xattrs)
	if err != nil {
		return NSEntry{}, err
	}
	return NSEntry{ParentID: append([]byte(nil), n.ParentID...), Name: n.Name, Xattrs: xattrs}, nil
}

func clonePairs(pairs []value.Pair) ([]value.Pair, error) {
	if pairs == nil {
		return nil, nil
	}
	out := make([]value.Pair, len(pairs))
	for i, p := range pairs {
		if p.Key == "" {
			return nil, xerrors.Errorf("pair %d: empty key: %w", i, rbh.ErrInvalid)
		}
		out[i].Key = p.Key
		if p.Value != nil {
			if err := p.Value.Validate(); err != nil {
				return nil, xerrors.Errorf("pair %q: %w", p.Key, err)
			}
			clone, err := p.Value.Clone()
			if err != nil {
				return nil, xerrors.Errorf("pair %q: %w", p.Key, err)
			}
			out[i].Value = clone
		}
	}
	return out, nil
}

// IsRoot reports whether e is the root of its store (no NS occurrence).
func (e *Entry) IsRoot() bool { return len(e.NS) == 0 }

// EventType identifies the kind of delta an Event applies (spec.md §3.3).
type EventType int

const (
	_ EventType = iota
	Upsert
	Link
	Unlink
	Delete
	Xattr
)

func (t EventType) String() string {
	switch t {
	case Upsert:
		return "upsert"
	case Link:
		return "link"
	case Unlink:
		return "unlink"
	case Delete:
		return "delete"
	case Xattr:
		return "xattr"
	default:
		return "unknown"
	}
}

// NSChange carries the (parent_id, name) pair Link and Unlink events act
// on.
type NSChange struct {
	ParentID []byte
	Name     string
}

// Event is an atomic delta applied to the store (spec.md §3.3).
type Event struct {
	Type EventType
	ID   []byte

	NS *NSChange // Link, Unlink; Upsert/Xattr with NSXattrs (the occurrence they attach to)

	Stat *Statx // Upsert

	// InodeXattrs/NSXattrs carry xattr set/unset operations for Upsert and
	// Xattr events; a Pair with a nil Value means "unset this key".
	InodeXattrs []value.Pair
	NSXattrs    []value.Pair
}

// NewUpsert builds an Upsert event carrying stat and/or xattr changes.
func NewUpsert(id []byte, stat *Statx, nsXattrs, inodeXattrs []value.Pair) (*Event, error) {
	ns, err := clonePairs(nsXattrs)
	if err != nil {
		return nil, xerrors.Errorf("fsevent: upsert ns xattrs: %w", err)
	}
	inode, err := clonePairs(inodeXattrs)
	if err != nil {
		return nil, xerrors.Errorf("fsevent: upsert inode xattrs: %w", err)
	}

	var statCopy *Statx
	if stat != nil {
		s := *stat
		statCopy = &s
	}

	return &Event{
		Type:        Upsert,
		ID:          append([]byte(nil), id...),
		Stat:        statCopy,
		NSXattrs:    ns,
		InodeXattrs: inode,
	}, nil
}

// NewLink builds a Link event. Per spec.md §6, applying it adds a new
// element to the id's ns array, first removing any element carrying the
// same (parent_id, name) from this or any other entry — see the mongo
// package's Update for where that is executed.
func NewLink(id, parentID []byte, name string) *Event {
	return &Event{
		Type: Link,
		ID:   append([]byte(nil), id...),
		NS:   &NSChange{ParentID: append([]byte(nil), parentID...), Name: name},
	}
}

// NewUnlink builds an Unlink event.
func NewUnlink(id, parentID []byte, name string) *Event {
	return &Event{
		Type: Unlink,
		ID:   append([]byte(nil), id...),
		NS:   &NSChange{ParentID: append([]byte(nil), parentID...), Name: name},
	}
}

// NewDelete builds a Delete event removing the entry entirely.
func NewDelete(id []byte) *Event {
	return &Event{Type: Delete, ID: append([]byte(nil), id...)}
}

// NewXattr builds an Xattr event carrying inode and/or namespace xattr
// changes. A nil Pair.Value means "unset this key".
func NewXattr(id []byte, nsXattrs, inodeXattrs []value.Pair) (*Event, error) {
	ns, err := clonePairs(nsXattrs)
	if err != nil {
		return nil, xerrors.Errorf("fsevent: xattr ns xattrs: %w", err)
	}
	inode, err := clonePairs(inodeXattrs)
	if err != nil {
		return nil, xerrors.Errorf("fsevent: xattr inode xattrs: %w", err)
	}
	return &Event{Type: Xattr, ID: append([]byte(nil), id...), NSXattrs: ns, InodeXattrs: inode}, nil
}
