package mongo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/value"
)

func TestToBSONCompareEq(t *testing.T) {
	f := filter.Compare(filter.Field{Kind: filter.FieldName}, filter.OpEq, value.StringNew("a.txt"))
	got, err := ToBSON(&f)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want := bson.M{"ns": bson.M{"$elemMatch": bson.M{"name": "a.txt"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestToBSONExistsCarriesNoValue(t *testing.T) {
	f := filter.Compare(filter.Field{Kind: filter.FieldInodeXattr, XattrKey: "user.tag"}, filter.OpExists, value.Value{})
	got, err := ToBSON(&f)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want := bson.M{"xattrs.user.tag": bson.M{"$exists": true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestToBSONAndOrNot(t *testing.T) {
	nameEq := filter.Compare(filter.Field{Kind: filter.FieldName}, filter.OpEq, value.StringNew("a.txt"))
	sizeGt := filter.Compare(filter.Field{Kind: filter.FieldStatx, Statx: filter.StatxFieldSize}, filter.OpGt, value.Uint64New(10))

	and := filter.And(nameEq, sizeGt)
	got, err := ToBSON(&and)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want := bson.M{"$and": bson.A{
		bson.M{"statx.size": bson.M{"$gt": uint64(10)}},
		bson.M{"ns": bson.M{"$elemMatch": bson.M{"name": "a.txt"}}},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}

	not := filter.Not(nameEq)
	got, err = ToBSON(&not)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want = bson.M{"$nor": bson.A{bson.M{"ns": bson.M{"$elemMatch": bson.M{"name": "a.txt"}}}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestToBSONAndMergesNSConditionsIntoOneElemMatch(t *testing.T) {
	parentEq := filter.Compare(filter.Field{Kind: filter.FieldParentID}, filter.OpEq, value.BinaryNew([]byte("dir1")))
	nameEq := filter.Compare(filter.Field{Kind: filter.FieldName}, filter.OpEq, value.StringNew("a.txt"))

	and := filter.And(parentEq, nameEq)
	got, err := ToBSON(&and)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want := bson.M{"$and": bson.A{
		bson.M{"ns": bson.M{"$elemMatch": bson.M{
			"parent_id": primitive.Binary{Data: []byte("dir1")},
			"name":      "a.txt",
		}}},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestToBSONBitsOperators(t *testing.T) {
	f := filter.Compare(filter.Field{Kind: filter.FieldStatx, Statx: filter.StatxFieldMode}, filter.OpBitsAnySet, value.Uint64New(0o111))
	got, err := ToBSON(&f)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	want := bson.M{"statx.mode": bson.M{"$bitsAnySet": uint64(0o111)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}

func TestToBSONNullMatchesEverything(t *testing.T) {
	f := filter.Null()
	got, err := ToBSON(&f)
	if err != nil {
		t.Fatalf("ToBSON: %v", err)
	}
	if diff := cmp.Diff(bson.M{}, got); diff != "" {
		t.Fatalf("ToBSON mismatch (-want +got):\n%s", diff)
	}
}
