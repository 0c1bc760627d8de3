package filter

import (
	"testing"

	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/value"
)

func fixtureEntry() *fsentry.Entry {
	tag := value.StringNew("blue")
	return &fsentry.Entry{
		ID: []byte("id1"),
		NS: []fsentry.NSEntry{{ParentID: []byte("root"), Name: "report.csv"}},
		Stat: &fsentry.Statx{
			Type: 0100000,
			Size: 4096,
		},
		InodeXattrs: []value.Pair{{Key: "user.tag", Value: &tag}},
	}
}

func TestEvalNullMatchesEverything(t *testing.T) {
	ok, err := Eval(&Filter{Kind: KindNull}, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval(Null) = %v, %v", ok, err)
	}
}

func TestEvalCompareEqString(t *testing.T) {
	f := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("report.csv"))
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalCompareGtNumeric(t *testing.T) {
	f := Compare(Field{Kind: FieldStatx, Statx: StatxFieldSize}, OpGt, value.Uint64New(1000))
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalExistsOnMissingXattrIsFalse(t *testing.T) {
	f := Compare(Field{Kind: FieldInodeXattr, XattrKey: "user.missing"}, OpExists, value.Value{})
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || ok {
		t.Fatalf("Eval = %v, %v, want false", ok, err)
	}
}

func TestEvalExistsOnPresentXattrIsTrue(t *testing.T) {
	f := Compare(Field{Kind: FieldInodeXattr, XattrKey: "user.tag"}, OpExists, value.Value{})
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalInMatchesAnySequenceMember(t *testing.T) {
	f := Compare(Field{Kind: FieldName}, OpIn, value.SequenceNew([]value.Value{
		value.StringNew("a.out"), value.StringNew("report.csv"),
	}))
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalRegexCaseInsensitive(t *testing.T) {
	v, err := value.RegexNew("REPORT.*", value.RegexICase)
	if err != nil {
		t.Fatalf("RegexNew: %v", err)
	}
	f := Compare(Field{Kind: FieldName}, OpRegex, v)
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalBitsAnySet(t *testing.T) {
	f := Compare(Field{Kind: FieldStatx, Statx: StatxFieldSize}, OpBitsAnySet, value.Uint64New(4096))
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v, want true", ok, err)
	}
}

func TestEvalAndOrNot(t *testing.T) {
	nameEq := Compare(Field{Kind: FieldName}, OpEq, value.StringNew("report.csv"))
	sizeGt := Compare(Field{Kind: FieldStatx, Statx: StatxFieldSize}, OpGt, value.Uint64New(1))

	and := And(nameEq, sizeGt)
	if ok, err := Eval(&and, fixtureEntry()); err != nil || !ok {
		t.Fatalf("Eval(And) = %v, %v, want true", ok, err)
	}

	notName := Not(nameEq)
	if ok, err := Eval(&notName, fixtureEntry()); err != nil || ok {
		t.Fatalf("Eval(Not) = %v, %v, want false", ok, err)
	}

	or := Or(notName, sizeGt)
	if ok, err := Eval(&or, fixtureEntry()); err != nil || !ok {
		t.Fatalf("Eval(Or) = %v, %v, want true", ok, err)
	}
}

func TestEvalANDOnNSFieldsMatchesOnlyTheSameOccurrence(t *testing.T) {
	e := &fsentry.Entry{
		ID: []byte("id1"),
		NS: []fsentry.NSEntry{
			{ParentID: []byte("dirA"), Name: "one"},
			{ParentID: []byte("dirB"), Name: "two"},
		},
	}

	sameOccurrence := And(
		Compare(Field{Kind: FieldParentID}, OpEq, value.BinaryNew([]byte("dirA"))),
		Compare(Field{Kind: FieldName}, OpEq, value.StringNew("one")),
	)
	if ok, err := Eval(&sameOccurrence, e); err != nil || !ok {
		t.Fatalf("Eval(same occurrence) = %v, %v, want true", ok, err)
	}

	crossedOccurrence := And(
		Compare(Field{Kind: FieldParentID}, OpEq, value.BinaryNew([]byte("dirA"))),
		Compare(Field{Kind: FieldName}, OpEq, value.StringNew("two")),
	)
	if ok, err := Eval(&crossedOccurrence, e); err != nil || ok {
		t.Fatalf("Eval(crossed occurrence) = %v, %v, want false", ok, err)
	}
}

func TestEvalSumField(t *testing.T) {
	size := Field{Kind: FieldStatx, Statx: StatxFieldSize}
	blocks := Field{Kind: FieldStatx, Statx: StatxFieldBlocks}
	sum := Field{Kind: FieldSum, SumA: &size, SumB: &blocks}

	f := Compare(sum, OpGe, value.Int64New(4096))
	ok, err := Eval(&f, fixtureEntry())
	if err != nil || !ok {
		t.Fatalf("Eval(Sum) = %v, %v, want true", ok, err)
	}
}
