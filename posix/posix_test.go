package posix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/backend"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/iterator"
	"github.com/cea-hpc/librobinhood/value"
)

func drainEntries(t *testing.T, it iterator.MutIterator) []*fsentry.Entry {
	t.Helper()
	var out []*fsentry.Entry
	for {
		v, err := it.Next()
		if errors.Is(err, rbh.ErrNoData) {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, v.(*fsentry.Entry))
	}
	return out
}

func buildFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("world!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return root
}

func TestRootReturnsRootEntry(t *testing.T) {
	root := buildFixture(t)
	b := New(root, nil)

	e, err := b.Root(context.Background(), backend.Projection{})
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !e.IsRoot() {
		t.Fatalf("Root entry has non-empty parent id")
	}
}

func TestFilterWalksEntireTree(t *testing.T) {
	root := buildFixture(t)
	b := New(root, nil)

	f := filter.Null()
	it, err := b.Filter(context.Background(), &f, backend.Options{})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	defer it.Close()

	entries := drainEntries(t, it)
	// root + a.txt + sub + sub/b.txt
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
}

func TestFilterByNameMatchesOnlyThatEntry(t *testing.T) {
	root := buildFixture(t)
	b := New(root, nil)

	f := filter.Compare(filter.Field{Kind: filter.FieldName}, filter.OpEq, value.StringNew("a.txt"))
	it, err := b.Filter(context.Background(), &f, backend.Options{})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	defer it.Close()

	entries := drainEntries(t, it)
	if len(entries) != 1 || entries[0].Name() != "a.txt" {
		t.Fatalf("entries = %+v, want exactly a.txt", entries)
	}
}

func TestFilterAfterCloseFails(t *testing.T) {
	root := buildFixture(t)
	b := New(root, nil)
	b.Close()

	f := filter.Null()
	if _, err := b.Filter(context.Background(), &f, backend.Options{}); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Filter after Close err = %v, want ErrInvalid", err)
	}
}

func TestUpdateIsNotSupported(t *testing.T) {
	root := buildFixture(t)
	b := New(root, nil)

	if _, err := b.Update(context.Background(), nil); !errors.Is(err, rbh.ErrNotSupported) {
		t.Fatalf("Update err = %v, want ErrNotSupported", err)
	}
}
