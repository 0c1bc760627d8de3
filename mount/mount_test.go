package mount

import (
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/backend"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/internal/rbhtest"
	"github.com/cea-hpc/librobinhood/iterator"
	"github.com/cea-hpc/librobinhood/value"
)

// fakeBackend is an in-memory backend.Backend that understands exactly
// the two filter shapes this package issues: parent_id AND name
// (childFilter, used by LookUpInode) and bare parent_id equality
// (ReadDir), the same narrow-shape fake branch's own tests use.
type fakeBackend struct {
	entries []*fsentry.Entry
}

func (f *fakeBackend) Root(ctx context.Context, projection backend.Projection) (*fsentry.Entry, error) {
	for _, e := range f.entries {
		if e.IsRoot() {
			return e, nil
		}
	}
	return nil, rbh.ErrNotFound
}

func (f *fakeBackend) Branch(ctx context.Context, id []byte) (backend.Backend, error) {
	return nil, rbh.ErrNotSupported
}

func (f *fakeBackend) Filter(ctx context.Context, flt *filter.Filter, opts backend.Options) (iterator.MutIterator, error) {
	var parent, name []byte
	l := flt.Logical
	if l != nil {
		for i := range l.Children {
			c := l.Children[i].Compare
			switch c.Field.Kind {
			case filter.FieldParentID:
				parent = c.Value.Bin
			case filter.FieldName:
				name = []byte(c.Value.Str)
			}
		}
	} else if flt.Compare != nil && flt.Compare.Field.Kind == filter.FieldParentID {
		parent = flt.Compare.Value.Bin
	}

	var matched []any
	for _, e := range f.entries {
		if string(e.ParentID()) != string(parent) {
			continue
		}
		if name != nil && e.Name() != string(name) {
			continue
		}
		matched = append(matched, any(e))
	}
	return &rbhtest.SliceIterator{Elems: matched}, nil
}

func (f *fakeBackend) Update(ctx context.Context, events iterator.MutIterator) (int, error) {
	return 0, rbh.ErrNotSupported
}

func (f *fakeBackend) Close() error { return nil }

func newFixture() *fakeBackend {
	tag := value.BinaryNew([]byte("blue"))
	return &fakeBackend{entries: []*fsentry.Entry{
		{ID: []byte("root"), Stat: &fsentry.Statx{Type: 0040000, Mode: 0755}},
		rbhtest.DirEntry("a", "root", "a", 0755),
		rbhtest.FileEntryWithXattr("a1", "a", "a1", 0644, 4096, "user.tag", &tag),
		rbhtest.FileEntry("b", "root", "b", 0644, 10),
	}}
}

func TestNewFuseFSSeedsRootInode(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}
	n, ok := fs.lookupNode(fuseops.RootInodeID)
	if !ok {
		t.Fatal("root inode not seeded")
	}
	if string(n.entry.ID) != "root" {
		t.Fatalf("got root id %q, want \"root\"", n.entry.ID)
	}
}

func TestLookUpInodeFindsChildByName(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}

	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	if err := fs.LookUpInode(context.Background(), op); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}
	if !op.Entry.Attributes.Mode.IsDir() {
		t.Fatalf("got mode %v, want a directory", op.Entry.Attributes.Mode)
	}
	n, ok := fs.lookupNode(op.Entry.Child)
	if !ok || string(n.entry.ID) != "a" {
		t.Fatalf("LookUpInode resolved wrong child: %+v", n)
	}
}

func TestLookUpInodeMissingNameIsENOENT(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}
	op := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "missing"}
	if err := fs.LookUpInode(context.Background(), op); err == nil {
		t.Fatal("expected ENOENT, got nil")
	}
}

func TestReadDirListsChildrenOfRoot(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}

	op := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Dst: make([]byte, 4096)}
	if err := fs.ReadDir(context.Background(), op); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if op.BytesRead == 0 {
		t.Fatal("expected non-empty directory listing")
	}
}

func TestGetInodeAttributesReportsSize(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}
	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "b"}
	if err := fs.LookUpInode(context.Background(), lookup); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}

	op := &fuseops.GetInodeAttributesOp{Inode: lookup.Entry.Child}
	if err := fs.GetInodeAttributes(context.Background(), op); err != nil {
		t.Fatalf("GetInodeAttributes: %v", err)
	}
	if op.Attributes.Size != 10 {
		t.Fatalf("got size %d, want 10", op.Attributes.Size)
	}
}

func TestReadFileIsNotSupported(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}
	if err := fs.ReadFile(context.Background(), &fuseops.ReadFileOp{}); err == nil {
		t.Fatal("expected ReadFile to fail, mount is metadata-only")
	}
}

func TestGetXattrReturnsStoredValue(t *testing.T) {
	fs, err := newFuseFS(context.Background(), newFixture())
	if err != nil {
		t.Fatalf("newFuseFS: %v", err)
	}

	lookDir := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "a"}
	if err := fs.LookUpInode(context.Background(), lookDir); err != nil {
		t.Fatalf("LookUpInode a: %v", err)
	}
	lookFile := &fuseops.LookUpInodeOp{Parent: lookDir.Entry.Child, Name: "a1"}
	if err := fs.LookUpInode(context.Background(), lookFile); err != nil {
		t.Fatalf("LookUpInode a1: %v", err)
	}

	op := &fuseops.GetXattrOp{Inode: lookFile.Entry.Child, Name: "user.tag", Dst: make([]byte, 64)}
	if err := fs.GetXattr(context.Background(), op); err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if string(op.Dst[:op.BytesRead]) != "blue" {
		t.Fatalf("got xattr %q, want \"blue\"", op.Dst[:op.BytesRead])
	}
}
