package filter

import (
	"regexp"

	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/value"
)

// Eval tests whether e matches f entirely in process, without any
// persisted-schema translation. Source backends that have no native
// query engine of their own (posix, archive) use this to implement
// Filter over a plain tree walk, the same role a generic filtering
// iterator decorator plays over rbh_iterator composition in the
// original architecture (spec.md's REDESIGN FLAGS §capability-set note).
func Eval(f *Filter, e *fsentry.Entry) (bool, error) {
	switch f.Kind {
	case KindNull:
		return true, nil
	case KindCompare:
		return evalCompare(f.Compare, e)
	case KindLogical:
		return evalLogical(f.Logical, e)
	default:
		return false, xerrors.Errorf("filter: unknown kind %d: %w", f.Kind, rbh.ErrInvalid)
	}
}

func evalLogical(l *LogicalFilter, e *fsentry.Entry) (bool, error) {
	switch l.Op {
	case LogicalNot:
		v, err := Eval(&l.Children[0], e)
		if err != nil {
			return false, err
		}
		return !v, nil
	case LogicalAnd:
		return evalAnd(l.Children, e)
	case LogicalOr:
		for i := range l.Children {
			v, err := Eval(&l.Children[i], e)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, xerrors.Errorf("filter: unknown logical op %d: %w", l.Op, rbh.ErrInvalid)
	}
}

func evalCompare(c *CompareFilter, e *fsentry.Entry) (bool, error) {
	if isNSField(c.Field.Kind) {
		return evalNSElemMatch([]*CompareFilter{c}, e)
	}
	fv, present, err := fieldValue(c.Field, e)
	if err != nil {
		return false, err
	}
	return matchOp(c, fv, present)
}

// isNSField reports whether k addresses a field that lives inside one
// spec.md §6 ns array element rather than the entry as a whole — a
// hardlinked id has one such element per name it answers to, so these
// fields must be matched against a single element at a time rather than
// e as a whole.
func isNSField(k FieldKind) bool {
	switch k {
	case FieldParentID, FieldName, FieldNSXattr:
		return true
	default:
		return false
	}
}

// evalAnd evaluates an AND's children, folding any sibling comparisons
// on ns-array fields (parent_id, name, ns xattrs) into a single
// per-element match instead of evaluating each independently against
// e as a whole — the in-memory analogue of MongoDB's $elemMatch, needed
// so AND(parent_id == X, name == Y) only matches an id that holds both
// in the *same* ns occurrence, not two different hardlink names.
func evalAnd(children []Filter, e *fsentry.Entry) (bool, error) {
	var nsConds []*CompareFilter
	for i := range children {
		c := &children[i]
		if c.Kind == KindCompare && isNSField(c.Compare.Field.Kind) {
			nsConds = append(nsConds, c.Compare)
			continue
		}
		v, err := Eval(c, e)
		if err != nil {
			return false, err
		}
		if !v {
			return false, nil
		}
	}
	if len(nsConds) == 0 {
		return true, nil
	}
	return evalNSElemMatch(nsConds, e)
}

// evalNSElemMatch reports whether some single ns occurrence of e
// satisfies every condition in conds.
func evalNSElemMatch(conds []*CompareFilter, e *fsentry.Entry) (bool, error) {
	for _, ns := range e.NS {
		matched := true
		for _, c := range conds {
			fv, present, err := nsFieldValue(c.Field, ns)
			if err != nil {
				return false, err
			}
			ok, err := matchOp(c, fv, present)
			if err != nil {
				return false, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// nsFieldValue extracts field's value from a single ns occurrence.
func nsFieldValue(field Field, ns fsentry.NSEntry) (value.Value, bool, error) {
	switch field.Kind {
	case FieldParentID:
		return value.BinaryNew(ns.ParentID), true, nil
	case FieldName:
		return value.StringNew(ns.Name), true, nil
	case FieldNSXattr:
		return lookupXattr(ns.Xattrs, field.XattrKey)
	default:
		return value.Value{}, false, xerrors.Errorf("filter: %d is not a namespace field: %w", field.Kind, rbh.ErrInvalid)
	}
}

func matchOp(c *CompareFilter, fv value.Value, present bool) (bool, error) {
	if c.Op == OpExists {
		return present, nil
	}
	if !present {
		return false, nil
	}

	switch c.Op {
	case OpEq:
		return compareValues(fv, c.Value) == 0, nil
	case OpNe:
		return compareValues(fv, c.Value) != 0, nil
	case OpLt:
		return compareValues(fv, c.Value) < 0, nil
	case OpLe:
		return compareValues(fv, c.Value) <= 0, nil
	case OpGt:
		return compareValues(fv, c.Value) > 0, nil
	case OpGe:
		return compareValues(fv, c.Value) >= 0, nil
	case OpIn:
		for _, want := range c.Value.Seq {
			if compareValues(fv, want) == 0 {
				return true, nil
			}
		}
		return false, nil
	case OpRegex:
		re, err := regexp.Compile(regexPrefix(c.Value.RegexOptions) + c.Value.RegexPattern)
		if err != nil {
			return false, xerrors.Errorf("filter: compile regex %q: %w", c.Value.RegexPattern, err)
		}
		return re.MatchString(asString(fv)), nil
	case OpBitsAnySet, OpBitsAllSet, OpBitsAnyUnset, OpBitsAllUnset:
		return evalBits(c.Op, asUint64(fv), asUint64(c.Value))
	default:
		return false, xerrors.Errorf("filter: unknown operator %d: %w", c.Op, rbh.ErrInvalid)
	}
}

func regexPrefix(opts value.RegexOption) string {
	if opts&value.RegexICase != 0 {
		return "(?i)"
	}
	return ""
}

func evalBits(op Op, field, mask uint64) (bool, error) {
	switch op {
	case OpBitsAnySet:
		return field&mask != 0, nil
	case OpBitsAllSet:
		return field&mask == mask, nil
	case OpBitsAnyUnset:
		return field&mask != mask, nil
	case OpBitsAllUnset:
		return field&mask == 0, nil
	default:
		return false, xerrors.Errorf("filter: %d is not a bits operator: %w", op, rbh.ErrInvalid)
	}
}

// fieldValue extracts field's current value from e. present is false
// when the field (typically an xattr key) isn't set on e at all.
func fieldValue(field Field, e *fsentry.Entry) (value.Value, bool, error) {
	switch field.Kind {
	case FieldID:
		return value.BinaryNew(e.ID), true, nil
	case FieldParentID:
		return value.BinaryNew(e.ParentID()), true, nil
	case FieldName:
		return value.StringNew(e.Name()), true, nil
	case FieldSymlink:
		if e.Symlink == nil {
			return value.Value{}, false, nil
		}
		return value.StringNew(*e.Symlink), true, nil
	case FieldStatx:
		return statxFieldValue(field.Statx, e)
	case FieldNSXattr:
		return lookupXattr(e.NSXattrs(), field.XattrKey)
	case FieldInodeXattr:
		return lookupXattr(e.InodeXattrs, field.XattrKey)
	case FieldSum:
		a, aok, err := fieldValue(*field.SumA, e)
		if err != nil {
			return value.Value{}, false, err
		}
		b, bok, err := fieldValue(*field.SumB, e)
		if err != nil {
			return value.Value{}, false, err
		}
		if !aok || !bok {
			return value.Value{}, false, nil
		}
		return value.Int64New(asInt64(a) + asInt64(b)), true, nil
	default:
		return value.Value{}, false, xerrors.Errorf("filter: unknown field kind %d: %w", field.Kind, rbh.ErrInvalid)
	}
}

func lookupXattr(pairs []value.Pair, key string) (value.Value, bool, error) {
	for _, p := range pairs {
		if p.Key == key {
			if p.Value == nil {
				return value.Value{}, false, nil
			}
			return *p.Value, true, nil
		}
	}
	return value.Value{}, false, nil
}

func statxFieldValue(sf StatxField, e *fsentry.Entry) (value.Value, bool, error) {
	if e.Stat == nil {
		return value.Value{}, false, nil
	}
	s := e.Stat
	switch sf {
	case StatxFieldType:
		return value.Uint32New(uint32(s.Type)), true, nil
	case StatxFieldMode:
		return value.Uint32New(uint32(s.Mode)), true, nil
	case StatxFieldNlink:
		return value.Uint32New(s.Nlink), true, nil
	case StatxFieldUID:
		return value.Uint32New(s.UID), true, nil
	case StatxFieldGID:
		return value.Uint32New(s.GID), true, nil
	case StatxFieldIno:
		return value.Uint64New(s.Ino), true, nil
	case StatxFieldSize:
		return value.Uint64New(s.Size), true, nil
	case StatxFieldBlocks:
		return value.Uint64New(s.Blocks), true, nil
	case StatxFieldBlksize:
		return value.Uint32New(s.Blksize), true, nil
	case StatxFieldAttributes:
		return value.Uint64New(s.Attributes), true, nil
	case StatxFieldAtimeSec:
		return value.Int64New(s.Atime.Sec), true, nil
	case StatxFieldAtimeNsec:
		return value.Uint32New(s.Atime.Nsec), true, nil
	case StatxFieldMtimeSec:
		return value.Int64New(s.Mtime.Sec), true, nil
	case StatxFieldMtimeNsec:
		return value.Uint32New(s.Mtime.Nsec), true, nil
	case StatxFieldCtimeSec:
		return value.Int64New(s.Ctime.Sec), true, nil
	case StatxFieldCtimeNsec:
		return value.Uint32New(s.Ctime.Nsec), true, nil
	case StatxFieldBtimeSec:
		return value.Int64New(s.Btime.Sec), true, nil
	case StatxFieldBtimeNsec:
		return value.Uint32New(s.Btime.Nsec), true, nil
	case StatxFieldRdevMajor:
		return value.Uint32New(s.Rdev.Major), true, nil
	case StatxFieldRdevMinor:
		return value.Uint32New(s.Rdev.Minor), true, nil
	case StatxFieldDevMajor:
		return value.Uint32New(s.Dev.Major), true, nil
	case StatxFieldDevMinor:
		return value.Uint32New(s.Dev.Minor), true, nil
	default:
		return value.Value{}, false, xerrors.Errorf("filter: unknown statx field %d: %w", sf, rbh.ErrInvalid)
	}
}

func asInt64(v value.Value) int64 {
	switch v.Kind {
	case value.KindInt32:
		return int64(v.Int32)
	case value.KindUint32:
		return int64(v.Uint32)
	case value.KindInt64:
		return v.Int64
	case value.KindUint64:
		return int64(v.Uint64)
	default:
		return 0
	}
}

func asUint64(v value.Value) uint64 {
	switch v.Kind {
	case value.KindInt32:
		return uint64(v.Int32)
	case value.KindUint32:
		return uint64(v.Uint32)
	case value.KindInt64:
		return uint64(v.Int64)
	case value.KindUint64:
		return v.Uint64
	default:
		return 0
	}
}

func asString(v value.Value) string {
	switch v.Kind {
	case value.KindString:
		return v.Str
	case value.KindBinary:
		return string(v.Bin)
	default:
		return ""
	}
}

// compareValues orders two values of (assumed) compatible kinds, the way
// OpLt/OpLe/OpGt/OpGe need. Numeric kinds compare numerically; string and
// binary kinds compare byte-wise.
func compareValues(a, b value.Value) int {
	if isNumericKind(a.Kind) && isNumericKind(b.Kind) {
		av, bv := asInt64(a), asInt64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}

	as, bs := asString(a), asString(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func isNumericKind(k value.Kind) bool {
	switch k {
	case value.KindInt32, value.KindUint32, value.KindInt64, value.KindUint64:
		return true
	default:
		return false
	}
}
