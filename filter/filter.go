// Package filter implements the filter intermediate representation of
// spec.md §3.4/§4.E: a logical AST of comparisons, logical combinators and
// computed fields that every backend must evaluate or translate.
package filter

import (
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/value"
)

// FieldKind identifies which attribute a Field names.
type FieldKind int

const (
	_ FieldKind = iota
	FieldID
	FieldParentID
	FieldName
	FieldSymlink
	FieldStatx
	FieldNSXattr
	FieldInodeXattr
	FieldSum // computed field: FieldA + FieldB
)

// StatxField identifies one sub-field of an fsentry.Statx record.
type StatxField int

const (
	_ StatxField = iota
	StatxFieldType
	StatxFieldMode
	StatxFieldNlink
	StatxFieldUID
	StatxFieldGID
	StatxFieldAtimeSec
	StatxFieldAtimeNsec
	StatxFieldMtimeSec
	StatxFieldMtimeNsec
	StatxFieldCtimeSec
	StatxFieldCtimeNsec
	StatxFieldBtimeSec
	StatxFieldBtimeNsec
	StatxFieldIno
	StatxFieldSize
	StatxFieldBlocks
	StatxFieldBlksize
	StatxFieldAttributes
	StatxFieldRdevMajor
	StatxFieldRdevMinor
	StatxFieldDevMajor
	StatxFieldDevMinor
)

// Field identifies one queryable attribute (spec.md §3.4).
type Field struct {
	Kind FieldKind

	Statx    StatxField // FieldStatx
	XattrKey string     // FieldNSXattr, FieldInodeXattr

	SumA, SumB *Field // FieldSum
}

// resolves reports whether the field names a known attribute.
func (f *Field) resolves() bool {
	switch f.Kind {
	case FieldID, FieldParentID, FieldName, FieldSymlink:
		return true
	case FieldStatx:
		return f.Statx != 0
	case FieldNSXattr, FieldInodeXattr:
		return f.XattrKey != ""
	case FieldSum:
		return f.SumA != nil && f.SumB != nil && f.SumA.resolves() && f.SumB.resolves()
	default:
		return false
	}
}

// Op is a Compare filter's operator.
type Op int

const (
	_ Op = iota
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIn
	OpRegex
	OpExists
	OpBitsAnySet
	OpBitsAllSet
	OpBitsAnyUnset
	OpBitsAllUnset
)

// LogicalOp combines child filters.
type LogicalOp int

const (
	_ LogicalOp = iota
	LogicalAnd
	LogicalOr
	LogicalNot
)

// Kind identifies which of Filter's three shapes is populated.
type Kind int

const (
	_ Kind = iota
	KindCompare
	KindLogical
	KindNull
)

// CompareFilter is a (field, operator, value) predicate.
type CompareFilter struct {
	Field Field
	Op    Op
	Value value.Value
}

// LogicalFilter combines child filters with AND, OR or NOT.
type LogicalFilter struct {
	Op       LogicalOp
	Children []Filter
}

// Filter is one of Compare, Logical or Null (matches everything).
type Filter struct {
	Kind     Kind
	Compare  *CompareFilter
	Logical  *LogicalFilter
}

// Null returns the null filter, which matches every entry.
func Null() Filter { return Filter{Kind: KindNull} }

// Compare returns a Compare filter.
func Compare(field Field, op Op, v value.Value) Filter {
	return Filter{Kind: KindCompare, Compare: &CompareFilter{Field: field, Op: op, Value: v}}
}

// And returns a Logical AND filter over children.
func And(children ...Filter) Filter {
	return Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: LogicalAnd, Children: children}}
}

// Or returns a Logical OR filter over children.
func Or(children ...Filter) Filter {
	return Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: LogicalOr, Children: children}}
}

// Not returns a Logical NOT filter over a single child.
func Not(child Filter) Filter {
	return Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: LogicalNot, Children: []Filter{child}}}
}

// valueKindsForOp lists which value.Kind values a Compare filter's
// operator accepts.
func valueKindsForOp(op Op) (map[value.Kind]bool, error) {
	numeric := map[value.Kind]bool{
		value.KindInt32: true, value.KindUint32: true,
		value.KindInt64: true, value.KindUint64: true,
	}
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return map[value.Kind]bool{
			value.KindInt32: true, value.KindUint32: true, value.KindInt64: true,
			value.KindUint64: true, value.KindString: true, value.KindBinary: true,
		}, nil
	case OpIn:
		return map[value.Kind]bool{value.KindSequence: true}, nil
	case OpRegex:
		return map[value.Kind]bool{value.KindRegex: true}, nil
	case OpExists:
		return nil, nil // EXISTS carries no value
	case OpBitsAnySet, OpBitsAllSet, OpBitsAnyUnset, OpBitsAllUnset:
		return numeric, nil
	default:
		return nil, xerrors.Errorf("filter: unknown operator %d: %w", op, rbh.ErrInvalid)
	}
}

// Validate enforces spec.md §3.4's invariants: per-operator argument-kind
// rules, non-empty logical children (NOT exactly one, AND/OR at least
// one), and field resolution.
func (f *Filter) Validate() error {
	switch f.Kind {
	case KindNull:
		return nil
	case KindCompare:
		c := f.Compare
		if c == nil {
			return xerrors.Errorf("filter: compare filter missing payload: %w", rbh.ErrInvalid)
		}
		if !c.Field.resolves() {
			return xerrors.Errorf("filter: field does not resolve: %w", rbh.ErrInvalid)
		}
		allowed, err := valueKindsForOp(c.Op)
		if err != nil {
			return err
		}
		if allowed == nil {
			return nil // operator carries no value (EXISTS)
		}
		if !allowed[c.Value.Kind] {
			return xerrors.Errorf("filter: operator %d does not accept value kind %v: %w", c.Op, c.Value.Kind, rbh.ErrInvalid)
		}
		return c.Value.Validate()
	case KindLogical:
		l := f.Logical
		if l == nil {
			return xerrors.Errorf("filter: logical filter missing payload: %w", rbh.ErrInvalid)
		}
		switch l.Op {
		case LogicalNot:
			if len(l.Children) != 1 {
				return xerrors.Errorf("filter: NOT must have exactly one child, got %d: %w", len(l.Children), rbh.ErrInvalid)
			}
		case LogicalAnd, LogicalOr:
			if len(l.Children) < 1 {
				return xerrors.Errorf("filter: AND/OR must have at least one child: %w", rbh.ErrInvalid)
			}
		default:
			return xerrors.Errorf("filter: unknown logical operator %d: %w", l.Op, rbh.ErrInvalid)
		}
		for i := range l.Children {
			if err := l.Children[i].Validate(); err != nil {
				return xerrors.Errorf("filter: child %d: %w", i, err)
			}
		}
		return nil
	default:
		return xerrors.Errorf("filter: unknown kind %d: %w", f.Kind, rbh.ErrInvalid)
	}
}

// Clone deep-copies f: the logical children and every comparison value
// (including binary, sequence and map payloads) are copied, so the result
// can be modified without touching f. The operand fields a FieldSum
// points to (SumA, SumB) are shared with f.
func (f *Filter) Clone() Filter {
	switch f.Kind {
	case KindNull:
		return Filter{Kind: KindNull}
	case KindCompare:
		c := *f.Compare
		if v, err := c.Value.Clone(); err == nil {
			c.Value = *v
		}
		return Filter{Kind: KindCompare, Compare: &c}
	case KindLogical:
		children := make([]Filter, len(f.Logical.Children))
		for i := range f.Logical.Children {
			children[i] = f.Logical.Children[i].Clone()
		}
		return Filter{Kind: KindLogical, Logical: &LogicalFilter{Op: f.Logical.Op, Children: children}}
	default:
		return Filter{}
	}
}

// StatxMask returns the fsentry statx mask bit this field corresponds to,
// so a projection can compute which statx fields a filter or sort key
// actually touches without repeating this table.
func (f StatxField) StatxMask() (uint32, bool) {
	bit, ok := statxMaskBits[f]
	return bit, ok
}

var statxMaskBits = map[StatxField]uint32{
	StatxFieldType:       fsentry.StatxType,
	StatxFieldMode:       fsentry.StatxMode,
	StatxFieldNlink:      fsentry.StatxNlink,
	StatxFieldUID:        fsentry.StatxUID,
	StatxFieldGID:        fsentry.StatxGID,
	StatxFieldAtimeSec:   fsentry.StatxAtime,
	StatxFieldAtimeNsec:  fsentry.StatxAtimeNsec,
	StatxFieldMtimeSec:   fsentry.StatxMtime,
	StatxFieldMtimeNsec:  fsentry.StatxMtimeNsec,
	StatxFieldCtimeSec:   fsentry.StatxCtime,
	StatxFieldCtimeNsec:  fsentry.StatxCtimeNsec,
	StatxFieldBtimeSec:   fsentry.StatxBtime,
	StatxFieldBtimeNsec:  fsentry.StatxBtimeNsec,
	StatxFieldIno:        fsentry.StatxIno,
	StatxFieldSize:       fsentry.StatxSize,
	StatxFieldBlocks:     fsentry.StatxBlocks,
	StatxFieldBlksize:    fsentry.StatxBlksize,
	StatxFieldAttributes: fsentry.StatxAttributes,
	StatxFieldRdevMajor:  fsentry.StatxRdevMajor,
	StatxFieldRdevMinor:  fsentry.StatxRdevMinor,
	StatxFieldDevMajor:   fsentry.StatxDevMajor,
	StatxFieldDevMinor:   fsentry.StatxDevMinor,
}
