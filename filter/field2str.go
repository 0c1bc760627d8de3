package filter

import (
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

// statxSubpath names the persisted sub-document path for each StatxField,
// matching the dotted keys src/backends/mongo/fields.c's field2str builds
// for MFF_STATX_* field codes (e.g. "statx.mtime.sec").
var statxSubpath = map[StatxField]string{
	StatxFieldType:       "type",
	StatxFieldMode:       "mode",
	StatxFieldNlink:      "nlink",
	StatxFieldUID:        "uid",
	StatxFieldGID:        "gid",
	StatxFieldAtimeSec:   "atime.sec",
	StatxFieldAtimeNsec:  "atime.nsec",
	StatxFieldMtimeSec:   "mtime.sec",
	StatxFieldMtimeNsec:  "mtime.nsec",
	StatxFieldCtimeSec:   "ctime.sec",
	StatxFieldCtimeNsec:  "ctime.nsec",
	StatxFieldBtimeSec:   "btime.sec",
	StatxFieldBtimeNsec:  "btime.nsec",
	StatxFieldIno:        "ino",
	StatxFieldSize:       "size",
	StatxFieldBlocks:     "blocks",
	StatxFieldBlksize:    "blksize",
	StatxFieldAttributes: "attributes",
	StatxFieldRdevMajor:  "rdev.major",
	StatxFieldRdevMinor:  "rdev.minor",
	StatxFieldDevMajor:   "dev.major",
	StatxFieldDevMinor:   "dev.minor",
}

// Path returns the dotted field path a persistence backend should use to
// address this field, following the same mapping as
// src/backends/mongo/fields.c's field2str: FieldID maps to the document's
// primary key, FieldParentID/FieldName live under the "ns" array, and
// xattrs are addressed by key underneath "xattrs" or "ns.xattrs". The
// "ns"-prefixed paths are dotted shorthand suitable for sorting or any
// other whole-document addressing; a backend querying a specific (parent,
// name) occurrence of a hardlinked id must instead wrap the "ns."-less
// suffix in an element match (mongo's $elemMatch) so sibling conditions
// stay pinned to the same array element — see mongo/query.go's
// nsSubpath. FieldSum has no persisted location of its own — it is a
// computed expression a backend must evaluate in its own query language,
// if at all — so Path reports rbh.ErrNotSupported for it, the same way
// field2str refuses fields it has no FIELD_STR entry for.
func (f Field) Path() (string, error) {
	switch f.Kind {
	case FieldID:
		return "_id", nil
	case FieldParentID:
		return "ns.parent_id", nil
	case FieldName:
		return "ns.name", nil
	case FieldSymlink:
		return "symlink", nil
	case FieldStatx:
		sub, ok := statxSubpath[f.Statx]
		if !ok {
			return "", xerrors.Errorf("filter: unknown statx field %d: %w", f.Statx, rbh.ErrNotSupported)
		}
		return "statx." + sub, nil
	case FieldNSXattr:
		if f.XattrKey == "" {
			return "", xerrors.Errorf("filter: ns xattr field missing key: %w", rbh.ErrInvalid)
		}
		return "ns.xattrs." + f.XattrKey, nil
	case FieldInodeXattr:
		if f.XattrKey == "" {
			return "", xerrors.Errorf("filter: inode xattr field missing key: %w", rbh.ErrInvalid)
		}
		return "xattrs." + f.XattrKey, nil
	case FieldSum:
		return "", xerrors.Errorf("filter: computed sum field has no persisted path: %w", rbh.ErrNotSupported)
	default:
		return "", xerrors.Errorf("filter: unknown field kind %d: %w", f.Kind, rbh.ErrNotSupported)
	}
}
