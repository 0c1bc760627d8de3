// Package mongo implements the MongoDB sink backend of spec.md §6: a
// persisted store whose documents mirror fsentry.Entry, queried and
// mutated through go.mongodb.org/mongo-driver, grounded on
// src/backends/mongo/{mongo,bson,fields}.c.
package mongo

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/value"
)

// ToBSON translates a filter.Filter into a query document, the Go
// analogue of mongo.c's BSON_APPEND_RBH_FILTER macro. Field paths come
// from filter.Field.Path(), the one place (per fields.c's field2str)
// that names the persisted schema.
func ToBSON(f *filter.Filter) (bson.M, error) {
	switch f.Kind {
	case filter.KindNull:
		return bson.M{}, nil
	case filter.KindCompare:
		return compareToBSON(f.Compare)
	case filter.KindLogical:
		return logicalToBSON(f.Logical)
	default:
		return nil, xerrors.Errorf("mongo: unknown filter kind %d: %w", f.Kind, rbh.ErrInvalid)
	}
}

func logicalToBSON(l *filter.LogicalFilter) (bson.M, error) {
	switch l.Op {
	case filter.LogicalNot:
		child, err := ToBSON(&l.Children[0])
		if err != nil {
			return nil, err
		}
		return bson.M{"$nor": bson.A{child}}, nil
	case filter.LogicalAnd:
		return andToBSON(l.Children)
	case filter.LogicalOr:
		children := make(bson.A, len(l.Children))
		for i := range l.Children {
			c, err := ToBSON(&l.Children[i])
			if err != nil {
				return nil, err
			}
			children[i] = c
		}
		return bson.M{"$or": children}, nil
	default:
		return nil, xerrors.Errorf("mongo: unknown logical operator %d: %w", l.Op, rbh.ErrInvalid)
	}
}

// andToBSON builds an $and query, merging any sibling comparisons on ns
// array fields (parent_id, name, ns xattrs) into a single $elemMatch
// instead of one $elemMatch per comparison. Two independent
// {"ns": {"$elemMatch": ...}} clauses would each be free to match a
// different array element, so a query for
// AND(parent_id == X, name == Y) would wrongly match a hardlinked id
// that holds X under one name and Y under another; folding them into
// one $elemMatch pins every ns condition to the same element, mirroring
// filter.Eval's evalAnd.
func andToBSON(children []filter.Filter) (bson.M, error) {
	var rest bson.A
	nsElem := bson.M{}
	hasNS := false

	for i := range children {
		c := &children[i]
		if c.Kind == filter.KindCompare {
			if sub, ok := nsSubpath(c.Compare.Field); ok {
				cond, err := compareCondition(c.Compare, sub)
				if err != nil {
					return nil, err
				}
				mergeCondition(nsElem, cond)
				hasNS = true
				continue
			}
		}
		doc, err := ToBSON(c)
		if err != nil {
			return nil, err
		}
		rest = append(rest, doc)
	}

	if hasNS {
		rest = append(rest, bson.M{"ns": bson.M{"$elemMatch": nsElem}})
	}
	return bson.M{"$and": rest}, nil
}

// mergeCondition folds cond's keys into dst, merging nested operator
// documents (e.g. two range conditions on the same path) instead of
// letting the second overwrite the first.
func mergeCondition(dst, cond bson.M) {
	for k, v := range cond {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		em, eok := existing.(bson.M)
		nm, nok := v.(bson.M)
		if eok && nok {
			for kk, vv := range nm {
				em[kk] = vv
			}
			continue
		}
		dst[k] = v
	}
}

// nsSubpath returns the sub-document key c.Field names inside one ns
// array element — the elemMatch-scoped counterpart of filter.Field.Path,
// which returns the "ns."-prefixed whole-document path instead.
func nsSubpath(f filter.Field) (string, bool) {
	switch f.Kind {
	case filter.FieldParentID:
		return "parent_id", true
	case filter.FieldName:
		return "name", true
	case filter.FieldNSXattr:
		if f.XattrKey == "" {
			return "", false
		}
		return "xattrs." + f.XattrKey, true
	default:
		return "", false
	}
}

func compareToBSON(c *filter.CompareFilter) (bson.M, error) {
	if sub, ok := nsSubpath(c.Field); ok {
		cond, err := compareCondition(c, sub)
		if err != nil {
			return nil, err
		}
		return bson.M{"ns": bson.M{"$elemMatch": cond}}, nil
	}

	path, err := c.Field.Path()
	if err != nil {
		return nil, xerrors.Errorf("mongo: %w", err)
	}
	return compareCondition(c, path)
}

// compareCondition builds the condition document for one (path, op,
// value) triple. path is either a whole-document dotted path or a bare
// sub-document key meant to be wrapped in $elemMatch by the caller.
func compareCondition(c *filter.CompareFilter, path string) (bson.M, error) {
	if c.Op == filter.OpExists {
		return bson.M{path: bson.M{"$exists": true}}, nil
	}

	v, err := valueToBSON(c.Value)
	if err != nil {
		return nil, err
	}

	switch c.Op {
	case filter.OpEq:
		return bson.M{path: v}, nil
	case filter.OpNe:
		return bson.M{path: bson.M{"$ne": v}}, nil
	case filter.OpLt:
		return bson.M{path: bson.M{"$lt": v}}, nil
	case filter.OpLe:
		return bson.M{path: bson.M{"$lte": v}}, nil
	case filter.OpGt:
		return bson.M{path: bson.M{"$gt": v}}, nil
	case filter.OpGe:
		return bson.M{path: bson.M{"$gte": v}}, nil
	case filter.OpIn:
		return bson.M{path: bson.M{"$in": v}}, nil
	case filter.OpRegex:
		opts := ""
		if c.Value.RegexOptions&value.RegexICase != 0 {
			opts = "i"
		}
		return bson.M{path: primitive.Regex{Pattern: c.Value.RegexPattern, Options: opts}}, nil
	case filter.OpBitsAnySet:
		return bson.M{path: bson.M{"$bitsAnySet": v}}, nil
	case filter.OpBitsAllSet:
		return bson.M{path: bson.M{"$bitsAllSet": v}}, nil
	case filter.OpBitsAnyUnset:
		return bson.M{path: bson.M{"$bitsAnyClear": v}}, nil
	case filter.OpBitsAllUnset:
		return bson.M{path: bson.M{"$bitsAllClear": v}}, nil
	default:
		return nil, xerrors.Errorf("mongo: unknown operator %d: %w", c.Op, rbh.ErrInvalid)
	}
}

// valueToBSON converts a value.Value into a plain Go value the driver
// can marshal, the Go analogue of bson.c's rbh_value-to-bson_t
// conversion.
func valueToBSON(v value.Value) (interface{}, error) {
	switch v.Kind {
	case value.KindInt32:
		return v.Int32, nil
	case value.KindUint32:
		return v.Uint32, nil
	case value.KindInt64:
		return v.Int64, nil
	case value.KindUint64:
		return v.Uint64, nil
	case value.KindString:
		return v.Str, nil
	case value.KindBinary:
		return primitive.Binary{Data: v.Bin}, nil
	case value.KindRegex:
		opts := ""
		if v.RegexOptions&value.RegexICase != 0 {
			opts = "i"
		}
		return primitive.Regex{Pattern: v.RegexPattern, Options: opts}, nil
	case value.KindSequence:
		seq := make(bson.A, len(v.Seq))
		for i, e := range v.Seq {
			ev, err := valueToBSON(e)
			if err != nil {
				return nil, err
			}
			seq[i] = ev
		}
		return seq, nil
	case value.KindMap:
		m := bson.M{}
		for _, p := range v.Pairs {
			if p.Value == nil {
				continue
			}
			pv, err := valueToBSON(*p.Value)
			if err != nil {
				return nil, err
			}
			m[p.Key] = pv
		}
		return m, nil
	default:
		return nil, xerrors.Errorf("mongo: unknown value kind %v: %w", v.Kind, rbh.ErrInvalid)
	}
}
