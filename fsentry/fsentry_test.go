package fsentry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/value"
)

func TestNewDeepCopiesArguments(t *testing.T) {
	id := []byte{1, 2, 3}
	parent := []byte{4, 5, 6}
	stat := &Statx{Mask: StatxSize, Size: 42}
	nsXattrs := []value.Pair{{Key: "user.tag", Value: valuePtr(value.StringNew("a"))}}
	symlink := "target"

	e, err := New(id, parent, "file.txt", stat, nsXattrs, nil, &symlink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Mutate the caller's buffers; the entry must be unaffected.
	id[0] = 0xff
	parent[0] = 0xff
	stat.Size = 0
	nsXattrs[0].Key = "mutated"
	symlink = "mutated"

	if e.ID[0] == 0xff || e.ParentID()[0] == 0xff {
		t.Fatalf("New aliased the id/parentID slices")
	}
	if e.Stat.Size != 42 {
		t.Fatalf("New aliased the stat pointer")
	}
	if e.NSXattrs()[0].Key != "user.tag" {
		t.Fatalf("New aliased the xattr slice")
	}
	if *e.Symlink != "target" {
		t.Fatalf("New aliased the symlink pointer")
	}
}

func TestNewRejectsInvalidXattrValue(t *testing.T) {
	bad := []value.Pair{{Key: "user.bad", Value: valuePtr(value.Value{Kind: 99})}}
	if _, err := New([]byte{1}, nil, "root-child", nil, bad, nil, nil); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("New err = %v, want ErrInvalid", err)
	}
}

func TestNewRejectsEmptyXattrKey(t *testing.T) {
	bad := []value.Pair{{Key: "", Value: valuePtr(value.StringNew("x"))}}
	if _, err := New([]byte{1}, nil, "name", nil, nil, bad, nil); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("New err = %v, want ErrInvalid", err)
	}
}

func TestIsRoot(t *testing.T) {
	root, err := New([]byte{1}, nil, "", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !root.IsRoot() {
		t.Fatalf("IsRoot() = false, want true")
	}

	child, err := New([]byte{2}, []byte{1}, "child", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if child.IsRoot() {
		t.Fatalf("IsRoot() = true, want false")
	}
}

func TestNewWithNSRepresentsAHardlinkedID(t *testing.T) {
	ns := []NSEntry{
		{ParentID: []byte{1}, Name: "a"},
		{ParentID: []byte{2}, Name: "b"},
	}
	e, err := NewWithNS([]byte{9}, ns, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewWithNS: %v", err)
	}
	if len(e.NS) != 2 {
		t.Fatalf("got %d ns entries, want 2", len(e.NS))
	}
	if e.IsRoot() {
		t.Fatalf("IsRoot() = true, want false")
	}
	if e.ParentID() == nil || string(e.ParentID()) != "\x01" || e.Name() != "a" {
		t.Fatalf("first occurrence = (%v, %q), want (\\x01, a)", e.ParentID(), e.Name())
	}
	if string(e.NS[1].ParentID) != "\x02" || e.NS[1].Name != "b" {
		t.Fatalf("second occurrence = %+v, want parent \\x02 name b", e.NS[1])
	}
}

func TestEventTypeString(t *testing.T) {
	cases := map[EventType]string{
		Upsert: "upsert",
		Link:   "link",
		Unlink: "unlink",
		Delete: "delete",
		Xattr:  "xattr",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", typ, got, want)
		}
	}
}

func TestNewUpsertClonesStatAndXattrs(t *testing.T) {
	stat := &Statx{Mask: StatxSize, Size: 7}
	ev, err := NewUpsert([]byte{9}, stat, nil, nil)
	if err != nil {
		t.Fatalf("NewUpsert: %v", err)
	}
	stat.Size = 0
	if ev.Stat.Size != 7 {
		t.Fatalf("NewUpsert aliased the stat pointer")
	}
	if ev.Type != Upsert {
		t.Fatalf("Type = %v, want Upsert", ev.Type)
	}
}

func TestNewLinkAndNewUnlinkCarryNSChange(t *testing.T) {
	link := NewLink([]byte{1}, []byte{2}, "a")
	if link.Type != Link || link.NS.Name != "a" {
		t.Fatalf("NewLink = %+v", link)
	}

	unlink := NewUnlink([]byte{1}, []byte{2}, "a")
	if unlink.Type != Unlink || unlink.NS.Name != "a" {
		t.Fatalf("NewUnlink = %+v", unlink)
	}
}

func TestNewDeleteCarriesOnlyID(t *testing.T) {
	del := NewDelete([]byte{1, 2})
	if del.Type != Delete || !cmp.Equal(del.ID, []byte{1, 2}) {
		t.Fatalf("NewDelete = %+v", del)
	}
}

func TestNewXattrNilValueMeansUnset(t *testing.T) {
	pairs := []value.Pair{{Key: "user.tag", Value: nil}}
	ev, err := NewXattr([]byte{1}, nil, pairs)
	if err != nil {
		t.Fatalf("NewXattr: %v", err)
	}
	if ev.InodeXattrs[0].Value != nil {
		t.Fatalf("NewXattr did not preserve a nil (unset) value")
	}
}

func valuePtr(v value.Value) *value.Value { return &v }
