package filter

import (
	"errors"
	"testing"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/value"
)

func TestCompareFilterValidatesFieldAndValueKind(t *testing.T) {
	f := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("a.out"))
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompareFilterRejectsMismatchedValueKind(t *testing.T) {
	f := Compare(Field{Kind: FieldName}, OpEq, value.SequenceNew(nil))
	if err := f.Validate(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Validate err = %v, want ErrInvalid", err)
	}
}

func TestCompareFilterRejectsUnresolvedXattrField(t *testing.T) {
	f := Compare(Field{Kind: FieldInodeXattr}, OpExists, value.Value{})
	if err := f.Validate(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Validate err = %v, want ErrInvalid", err)
	}
}

func TestExistsFilterCarriesNoValue(t *testing.T) {
	f := Compare(Field{Kind: FieldInodeXattr, XattrKey: "user.checksum"}, OpExists, value.Value{})
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNotRequiresExactlyOneChild(t *testing.T) {
	leaf := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("x"))

	if err := Not(leaf).Validate(); err != nil {
		t.Fatalf("Validate single-child NOT: %v", err)
	}

	badNot := Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: LogicalNot, Children: []Filter{leaf, leaf}}}
	if err := badNot.Validate(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Validate err = %v, want ErrInvalid", err)
	}
}

func TestAndRequiresAtLeastOneChild(t *testing.T) {
	empty := Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: LogicalAnd}}
	if err := empty.Validate(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Validate err = %v, want ErrInvalid", err)
	}
}

func TestAndValidatesEveryChild(t *testing.T) {
	good := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("x"))
	bad := Compare(Field{Kind: FieldInodeXattr}, OpExists, value.Value{}) // unresolved key
	f := And(good, bad)
	if err := f.Validate(); !errors.Is(err, rbh.ErrInvalid) {
		t.Fatalf("Validate err = %v, want ErrInvalid", err)
	}
}

func TestNullFilterAlwaysValidates(t *testing.T) {
	if err := Null().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCloneDoesNotAliasChildren(t *testing.T) {
	leaf := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("x"))
	orig := And(leaf, leaf)
	clone := orig.Clone()

	clone.Logical.Children[0].Compare.Value.Str = "mutated"
	if orig.Logical.Children[0].Compare.Value.Str == "mutated" {
		t.Fatalf("Clone aliased the original filter's compare value")
	}
}

func TestCloneOfNullIsNull(t *testing.T) {
	c := Null().Clone()
	if c.Kind != KindNull {
		t.Fatalf("Clone of Null = %+v, want KindNull", c)
	}
}

func TestPathMapsEachFieldKind(t *testing.T) {
	cases := []struct {
		field Field
		want  string
	}{
		{Field{Kind: FieldID}, "_id"},
		{Field{Kind: FieldParentID}, "ns.parent_id"},
		{Field{Kind: FieldName}, "ns.name"},
		{Field{Kind: FieldSymlink}, "symlink"},
		{Field{Kind: FieldStatx, Statx: StatxFieldSize}, "statx.size"},
		{Field{Kind: FieldStatx, Statx: StatxFieldMtimeSec}, "statx.mtime.sec"},
		{Field{Kind: FieldNSXattr, XattrKey: "user.tag"}, "ns.xattrs.user.tag"},
		{Field{Kind: FieldInodeXattr, XattrKey: "user.checksum"}, "xattrs.user.checksum"},
	}
	for _, c := range cases {
		got, err := c.field.Path()
		if err != nil {
			t.Fatalf("Path(%+v): %v", c.field, err)
		}
		if got != c.want {
			t.Fatalf("Path(%+v) = %q, want %q", c.field, got, c.want)
		}
	}
}

func TestPathRejectsComputedSumField(t *testing.T) {
	a := Field{Kind: FieldStatx, Statx: StatxFieldSize}
	b := Field{Kind: FieldStatx, Statx: StatxFieldBlocks}
	sum := Field{Kind: FieldSum, SumA: &a, SumB: &b}

	if _, err := sum.Path(); !errors.Is(err, rbh.ErrNotSupported) {
		t.Fatalf("Path err = %v, want ErrNotSupported", err)
	}
}

func TestSumFieldResolvesValidationButNotPath(t *testing.T) {
	a := Field{Kind: FieldStatx, Statx: StatxFieldSize}
	b := Field{Kind: FieldStatx, Statx: StatxFieldBlocks}
	sum := Field{Kind: FieldSum, SumA: &a, SumB: &b}

	f := Compare(sum, OpGt, value.Int64New(0))
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if _, err := sum.Path(); !errors.Is(err, rbh.ErrNotSupported) {
		t.Fatalf("Path err = %v, want ErrNotSupported", err)
	}
}

func TestStatxMaskLookup(t *testing.T) {
	bit, ok := StatxFieldSize.StatxMask()
	if !ok {
		t.Fatalf("StatxMask(StatxFieldSize) not found")
	}
	if bit == 0 {
		t.Fatalf("StatxMask(StatxFieldSize) = 0")
	}
}
