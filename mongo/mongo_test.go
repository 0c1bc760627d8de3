package mongo

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/filter"
)

func TestDocToEntryRoundTripsStatxAndXattrs(t *testing.T) {
	doc := bson.M{
		"_id": primitive.Binary{Data: []byte("id1")},
		"ns": bson.A{
			bson.M{
				"parent_id": primitive.Binary{Data: []byte("parent1")},
				"name":      "a.txt",
				"xattrs":    bson.M{"release.tag": "v1"},
			},
		},
		"statx": bson.M{
			"type": int64(0100000),
			"mode": int64(0644),
			"size": int64(4096),
			"atime": bson.M{
				"sec":  int64(1000),
				"nsec": int64(42),
			},
		},
		"xattrs": bson.M{"user.tag": primitive.Binary{Data: []byte("blue")}},
	}

	e, err := docToEntry(doc)
	if err != nil {
		t.Fatalf("docToEntry: %v", err)
	}
	if string(e.ID) != "id1" || string(e.ParentID()) != "parent1" || e.Name() != "a.txt" {
		t.Fatalf("got id/parent/name %q/%q/%q", e.ID, e.ParentID(), e.Name())
	}
	if e.Stat == nil || e.Stat.Size != 4096 || e.Stat.Atime.Sec != 1000 || e.Stat.Atime.Nsec != 42 {
		t.Fatalf("got stat %+v", e.Stat)
	}
	bit, _ := filter.StatxFieldSize.StatxMask()
	if e.Stat.Mask&bit == 0 {
		t.Fatal("expected size mask bit set")
	}
	if len(e.NSXattrs()) != 1 || e.NSXattrs()[0].Key != "release.tag" {
		t.Fatalf("got ns xattrs %+v", e.NSXattrs())
	}
	if len(e.InodeXattrs) != 1 || e.InodeXattrs[0].Key != "user.tag" {
		t.Fatalf("got inode xattrs %+v", e.InodeXattrs)
	}
}

func TestDocToEntryDecodesAHardlinkedIDWithTwoNSOccurrences(t *testing.T) {
	doc := bson.M{
		"_id": primitive.Binary{Data: []byte("id1")},
		"ns": bson.A{
			bson.M{"parent_id": primitive.Binary{Data: []byte("dir1")}, "name": "one"},
			bson.M{"parent_id": primitive.Binary{Data: []byte("dir2")}, "name": "two"},
		},
	}

	e, err := docToEntry(doc)
	if err != nil {
		t.Fatalf("docToEntry: %v", err)
	}
	if len(e.NS) != 2 {
		t.Fatalf("got %d ns entries, want 2", len(e.NS))
	}
	if string(e.NS[0].ParentID) != "dir1" || e.NS[0].Name != "one" {
		t.Fatalf("ns[0] = %+v", e.NS[0])
	}
	if string(e.NS[1].ParentID) != "dir2" || e.NS[1].Name != "two" {
		t.Fatalf("ns[1] = %+v", e.NS[1])
	}
}

func TestDocToEntryRootHasNoNSOccurrences(t *testing.T) {
	doc := bson.M{"_id": primitive.Binary{Data: []byte("root")}}
	e, err := docToEntry(doc)
	if err != nil {
		t.Fatalf("docToEntry: %v", err)
	}
	if !e.IsRoot() {
		t.Fatalf("IsRoot() = false, want true")
	}
}

func TestDocToEntryMissingIDIsInvalid(t *testing.T) {
	_, err := docToEntry(bson.M{})
	if !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("docToEntry err = %v, want ErrInvalid for a document missing _id", err)
	}
}
