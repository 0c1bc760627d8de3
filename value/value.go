// Package value implements the tagged value model of spec.md §3.1/§4.D,
// grounded on src/value.c's rbh_value family of constructors.
//
// A Value is a single Go struct carrying a Kind tag plus only the fields
// that kind uses — the direct translation of the C tagged union — rather
// than one interface implementation per kind, because filter evaluation
// and the mongo backend both need exhaustive kind switches rather than
// polymorphic dispatch.
package value

import (
	"fmt"

	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

// Kind identifies which field of a Value is populated. The zero Kind is
// intentionally invalid so that a zero-value Value fails Validate instead
// of silently behaving like an Int32.
type Kind int

const (
	_ Kind = iota
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindString
	KindBinary
	KindRegex
	KindSequence
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindRegex:
		return "regex"
	case KindSequence:
		return "sequence"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RegexOption is a bitmask of regex flags, restricted to AllRegexOptions
// (spec.md §3.1: "regex options are a subset of the allowed mask").
type RegexOption uint32

const (
	// RegexICase requests case-insensitive matching.
	RegexICase RegexOption = 1 << iota

	// AllRegexOptions is the full set of options a Value's regex may use.
	AllRegexOptions = RegexICase
)

// Pair is a (key, value) xattr entry. A nil Value denotes "unset this
// key" in xattr update semantics (spec.md §3.1).
type Pair struct {
	Key   string
	Value *Value
}

// Value is a tagged union over the kinds spec.md §3.1 names.
type Value struct {
	Kind Kind

	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64

	Str string // KindString

	Bin []byte // KindBinary; may be nil iff len == 0

	RegexPattern string      // KindRegex
	RegexOptions RegexOption // KindRegex

	Seq []Value // KindSequence

	Pairs []Pair // KindMap
}

// Int32New constructs an int32 Value.
func Int32New(v int32) Value { return Value{Kind: KindInt32, Int32: v} }

// Uint32New constructs a uint32 Value.
func Uint32New(v uint32) Value { return Value{Kind: KindUint32, Uint32: v} }

// Int64New constructs an int64 Value.
func Int64New(v int64) Value { return Value{Kind: KindInt64, Int64: v} }

// Uint64New constructs a uint64 Value.
func Uint64New(v uint64) Value { return Value{Kind: KindUint64, Uint64: v} }

// StringNew constructs a string Value.
func StringNew(s string) Value { return Value{Kind: KindString, Str: s} }

// BinaryNew constructs a binary Value. data may be nil iff len(data) == 0.
func BinaryNew(data []byte) Value { return Value{Kind: KindBinary, Bin: data} }

// RegexNew constructs a regex Value, failing with rbh.ErrInvalid if
// options isn't a subset of AllRegexOptions.
func RegexNew(pattern string, options RegexOption) (Value, error) {
	if options & ^AllRegexOptions != 0 {
		return Value{}, xerrors.Errorf("value: regex options %#x: %w", options, rbh.ErrInvalid)
	}
	return Value{Kind: KindRegex, RegexPattern: pattern, RegexOptions: options}, nil
}

// SequenceNew constructs a sequence Value.
func SequenceNew(values []Value) Value { return Value{Kind: KindSequence, Seq: values} }

// MapNew constructs a map Value.
func MapNew(pairs []Pair) Value { return Value{Kind: KindMap, Pairs: pairs} }

// Validate recursively enforces spec.md §3.1's invariants, grounded on
// src/value.c's rbh_value_validate.
func (v *Value) Validate() error {
	switch v.Kind {
	case KindInt32, KindUint32, KindInt64, KindUint64:
		return nil
	case KindString:
		return nil // Go strings are never null
	case KindBinary:
		// A Go slice's length and backing pointer can never disagree the
		// way a C (pointer, size) pair can, so the "data is null iff size
		// is zero" invariant holds by construction here.
		return nil
	case KindRegex:
		if v.RegexOptions & ^AllRegexOptions != 0 {
			return xerrors.Errorf("value: regex options %#x: %w", v.RegexOptions, rbh.ErrInvalid)
		}
		return nil
	case KindSequence:
		for i := range v.Seq {
			if err := v.Seq[i].Validate(); err != nil {
				return xerrors.Errorf("value: sequence[%d]: %w", i, err)
			}
		}
		return nil
	case KindMap:
		for i := range v.Pairs {
			if v.Pairs[i].Key == "" {
				return xerrors.Errorf("value: map pair %d: empty key: %w", i, rbh.ErrInvalid)
			}
			if v.Pairs[i].Value != nil {
				if err := v.Pairs[i].Value.Validate(); err != nil {
					return xerrors.Errorf("value: map[%q]: %w", v.Pairs[i].Key, err)
				}
			}
		}
		return nil
	default:
		return xerrors.Errorf("value: kind %v: %w", v.Kind, rbh.ErrInvalid)
	}
}

// DataSize returns the number of raw payload bytes (string/binary/regex
// pattern contents; see CopyInto) a caller-supplied buffer must provide to
// deep-copy v. It is the Go analogue of value_data_size: where the C
// source sizes an entire co-located allocation (struct header included),
// Go's allocator already handles struct and slice headers, so DataSize
// only accounts for the variable-length leaf bytes that CopyInto copies
// into the caller's buffer.
func (v *Value) DataSize() int {
	switch v.Kind {
	case KindInt32, KindUint32, KindInt64, KindUint64:
		return 0
	case KindString:
		return len(v.Str)
	case KindBinary:
		return len(v.Bin)
	case KindRegex:
		return len(v.RegexPattern)
	case KindSequence:
		size := 0
		for i := range v.Seq {
			size += v.Seq[i].DataSize()
		}
		return size
	case KindMap:
		size := 0
		for i := range v.Pairs {
			size += len(v.Pairs[i].Key)
			if v.Pairs[i].Value != nil {
				size += v.Pairs[i].Value.DataSize()
			}
		}
		return size
	default:
		return 0
	}
}

// CopyInto deep-copies v, carving its variable-length leaf payloads
// (string bytes, binary bytes, regex pattern bytes) out of buf instead of
// allocating them fresh, and returns the clone along with the unused
// remainder of buf. It fails with rbh.ErrNoBufs if buf is exhausted
// before the copy completes — the same failure mode value_copy reports
// for buffer exhaustion.
func (v *Value) CopyInto(buf []byte) (*Value, []byte, error) {
	clone := &Value{Kind: v.Kind, Int32: v.Int32, Uint32: v.Uint32, Int64: v.Int64, Uint64: v.Uint64}

	switch v.Kind {
	case KindInt32, KindUint32, KindInt64, KindUint64:
		return clone, buf, nil
	case KindString:
		data, rest, err := take(buf, len(v.Str))
		if err != nil {
			return nil, nil, err
		}
		copy(data, v.Str)
		clone.Str = string(data)
		return clone, rest, nil
	case KindBinary:
		if len(v.Bin) == 0 {
			return clone, buf, nil
		}
		data, rest, err := take(buf, len(v.Bin))
		if err != nil {
			return nil, nil, err
		}
		copy(data, v.Bin)
		clone.Bin = data
		return clone, rest, nil
	case KindRegex:
		data, rest, err := take(buf, len(v.RegexPattern))
		if err != nil {
			return nil, nil, err
		}
		copy(data, v.RegexPattern)
		clone.RegexPattern = string(data)
		clone.RegexOptions = v.RegexOptions
		return clone, rest, nil
	case KindSequence:
		seq := make([]Value, len(v.Seq))
		rest := buf
		for i := range v.Seq {
			var (
				item *Value
				err  error
			)
			item, rest, err = v.Seq[i].CopyInto(rest)
			if err != nil {
				return nil, nil, xerrors.Errorf("value: sequence[%d]: %w", i, err)
			}
			seq[i] = *item
		}
		clone.Seq = seq
		return clone, rest, nil
	case KindMap:
		pairs := make([]Pair, len(v.Pairs))
		rest := buf
		for i := range v.Pairs {
			keyData, r, err := take(rest, len(v.Pairs[i].Key))
			if err != nil {
				return nil, nil, xerrors.Errorf("value: map pair %d key: %w", i, err)
			}
			copy(keyData, v.Pairs[i].Key)
			rest = r

			pairs[i].Key = string(keyData)
			if v.Pairs[i].Value != nil {
				var item *Value
				item, rest, err = v.Pairs[i].Value.CopyInto(rest)
				if err != nil {
					return nil, nil, xerrors.Errorf("value: map[%q]: %w", pairs[i].Key, err)
				}
				pairs[i].Value = item
			}
		}
		clone.Pairs = pairs
		return clone, rest, nil
	default:
		return nil, nil, xerrors.Errorf("value: kind %v: %w", v.Kind, rbh.ErrInvalid)
	}
}

// take carves n bytes off the front of buf, failing with rbh.ErrNoBufs if
// buf is too short.
func take(buf []byte, n int) (data, rest []byte, err error) {
	if len(buf) < n {
		return nil, nil, xerrors.Errorf("value: need %d bytes, have %d: %w", n, len(buf), rbh.ErrNoBufs)
	}
	return buf[:n:n], buf[n:], nil
}

// Clone deep-copies v using a freshly allocated buffer sized by DataSize,
// mirroring src/value.c's value_clone helper built atop value_data_size
// and value_copy.
func (v *Value) Clone() (*Value, error) {
	buf := make([]byte, v.DataSize())
	clone, _, err := v.CopyInto(buf)
	return clone, err
}
