package mongo

import (
	"go.mongodb.org/mongo-driver/bson"
	drivermongo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/value"
)

// statxFields lists every StatxField Mask can carry, in the fixed order
// mongo.c's fsevent_upsert_convert walks rbh_statx's mask bit by bit.
var statxFields = []filter.StatxField{
	filter.StatxFieldType, filter.StatxFieldMode, filter.StatxFieldNlink,
	filter.StatxFieldUID, filter.StatxFieldGID,
	filter.StatxFieldAtimeSec, filter.StatxFieldAtimeNsec,
	filter.StatxFieldMtimeSec, filter.StatxFieldMtimeNsec,
	filter.StatxFieldCtimeSec, filter.StatxFieldCtimeNsec,
	filter.StatxFieldBtimeSec, filter.StatxFieldBtimeNsec,
	filter.StatxFieldIno, filter.StatxFieldSize, filter.StatxFieldBlocks,
	filter.StatxFieldBlksize, filter.StatxFieldAttributes,
	filter.StatxFieldRdevMajor, filter.StatxFieldRdevMinor,
	filter.StatxFieldDevMajor, filter.StatxFieldDevMinor,
}

func statxValue(f filter.StatxField, stx *fsentry.Statx) interface{} {
	switch f {
	case filter.StatxFieldType:
		return stx.Type
	case filter.StatxFieldMode:
		return stx.Mode
	case filter.StatxFieldNlink:
		return stx.Nlink
	case filter.StatxFieldUID:
		return stx.UID
	case filter.StatxFieldGID:
		return stx.GID
	case filter.StatxFieldAtimeSec:
		return stx.Atime.Sec
	case filter.StatxFieldAtimeNsec:
		return stx.Atime.Nsec
	case filter.StatxFieldMtimeSec:
		return stx.Mtime.Sec
	case filter.StatxFieldMtimeNsec:
		return stx.Mtime.Nsec
	case filter.StatxFieldCtimeSec:
		return stx.Ctime.Sec
	case filter.StatxFieldCtimeNsec:
		return stx.Ctime.Nsec
	case filter.StatxFieldBtimeSec:
		return stx.Btime.Sec
	case filter.StatxFieldBtimeNsec:
		return stx.Btime.Nsec
	case filter.StatxFieldIno:
		return stx.Ino
	case filter.StatxFieldSize:
		return stx.Size
	case filter.StatxFieldBlocks:
		return stx.Blocks
	case filter.StatxFieldBlksize:
		return stx.Blksize
	case filter.StatxFieldAttributes:
		return stx.Attributes
	case filter.StatxFieldRdevMajor:
		return stx.Rdev.Major
	case filter.StatxFieldRdevMinor:
		return stx.Rdev.Minor
	case filter.StatxFieldDevMajor:
		return stx.Dev.Major
	case filter.StatxFieldDevMinor:
		return stx.Dev.Minor
	default:
		return nil
	}
}

// statxSet builds the $set fragment for every statx sub-field stx.Mask
// marks as populated.
func statxSet(stx *fsentry.Statx) (bson.M, error) {
	set := bson.M{}
	for _, f := range statxFields {
		bit, ok := f.StatxMask()
		if !ok || stx.Mask&bit == 0 {
			continue
		}
		path, err := filter.Field{Kind: filter.FieldStatx, Statx: f}.Path()
		if err != nil {
			return nil, err
		}
		set[path] = statxValue(f, stx)
	}
	return set, nil
}

// xattrSetUnset splits a slice of xattr pairs into $set/$unset
// fragments under prefix ("xattrs." for inode xattrs, or
// "ns.$[<elem>].xattrs." for the ns occurrence nsXattrUpdate targets), per spec.md
// §3.1's "nil Value means unset this key" convention.
func xattrSetUnset(prefix string, pairs []value.Pair) (bson.M, bson.M, error) {
	set, unset := bson.M{}, bson.M{}
	for _, p := range pairs {
		path := prefix + p.Key
		if p.Value == nil {
			unset[path] = ""
			continue
		}
		v, err := valueToBSON(*p.Value)
		if err != nil {
			return nil, nil, err
		}
		set[path] = v
	}
	return set, unset, nil
}

func mergeSetUnset(dst bson.M, set, unset bson.M) {
	if len(set) > 0 {
		existing, _ := dst["$set"].(bson.M)
		if existing == nil {
			existing = bson.M{}
		}
		for k, v := range set {
			existing[k] = v
		}
		dst["$set"] = existing
	}
	if len(unset) > 0 {
		existing, _ := dst["$unset"].(bson.M)
		if existing == nil {
			existing = bson.M{}
		}
		for k, v := range unset {
			existing[k] = v
		}
		dst["$unset"] = existing
	}
}

// nsElemID is the arrayFilters identifier nsXattrUpdate binds to the
// single ns element it targets.
const nsElemID = "elem"

// nsXattrUpdate builds the write model applying a namespace-xattr
// set/unset to the one ns element ns identifies — the (parent_id, name)
// occurrence those xattrs are attached to (spec.md §6). It reports
// rbh.ErrInvalid if pairs is non-empty but ns is nil: with ns modeled as
// an array, there is no element to address the xattrs at without
// knowing which one. Returns a nil model and a nil error when pairs is
// empty.
func nsXattrUpdate(id []byte, ns *fsentry.NSChange, pairs []value.Pair) (drivermongo.WriteModel, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if ns == nil {
		return nil, xerrors.Errorf("mongo: namespace xattr change without a target ns element: %w", rbh.ErrInvalid)
	}

	set, unset, err := xattrSetUnset("ns.$["+nsElemID+"].xattrs.", pairs)
	if err != nil {
		return nil, err
	}
	update := bson.M{}
	mergeSetUnset(update, set, unset)

	arrayFilter := bson.M{nsElemID + ".parent_id": ns.ParentID, nsElemID + ".name": ns.Name}
	return drivermongo.NewUpdateOneModel().
		SetFilter(bson.M{"_id": id}).
		SetUpdate(update).
		SetArrayFilters(options.ArrayFilters{Filters: []interface{}{arrayFilter}}), nil
}

// WriteModelsForEvent translates one fsentry.Event into the bulk write
// operations mongo.c's mongo_bulk_append_fsevent issues for it.
func WriteModelsForEvent(ev *fsentry.Event) ([]drivermongo.WriteModel, error) {
	switch ev.Type {
	case fsentry.Delete:
		return []drivermongo.WriteModel{
			drivermongo.NewDeleteOneModel().SetFilter(bson.M{"_id": ev.ID}),
		}, nil

	case fsentry.Upsert:
		var models []drivermongo.WriteModel

		update := bson.M{}
		if ev.Stat != nil {
			set, err := statxSet(ev.Stat)
			if err != nil {
				return nil, err
			}
			mergeSetUnset(update, set, nil)
		}
		inodeSet, inodeUnset, err := xattrSetUnset("xattrs.", ev.InodeXattrs)
		if err != nil {
			return nil, err
		}
		mergeSetUnset(update, inodeSet, inodeUnset)
		if len(update) == 0 {
			update["$setOnInsert"] = bson.M{"_id": ev.ID}
		}
		models = append(models, drivermongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": ev.ID}).
			SetUpdate(update).
			SetUpsert(true))

		nsModel, err := nsXattrUpdate(ev.ID, ev.NS, ev.NSXattrs)
		if err != nil {
			return nil, err
		}
		if nsModel != nil {
			models = append(models, nsModel)
		}
		return models, nil

	case fsentry.Link:
		if ev.NS == nil {
			return nil, xerrors.Errorf("mongo: link event missing ns change: %w", rbh.ErrInvalid)
		}
		// spec.md §6: Link adds a new element to the ns array, first
		// removing any element carrying the same (parent_id, name) from
		// this or any other entry — the same (parent, name) path can't
		// simultaneously resolve to two different ids.
		detach := drivermongo.NewUpdateManyModel().
			SetFilter(bson.M{"ns": bson.M{"$elemMatch": bson.M{
				"parent_id": ev.NS.ParentID, "name": ev.NS.Name,
			}}}).
			SetUpdate(bson.M{"$pull": bson.M{"ns": bson.M{
				"parent_id": ev.NS.ParentID, "name": ev.NS.Name,
			}}})
		attach := drivermongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": ev.ID}).
			SetUpdate(bson.M{"$push": bson.M{"ns": bson.M{
				"parent_id": ev.NS.ParentID, "name": ev.NS.Name, "xattrs": bson.M{},
			}}}).
			SetUpsert(true)
		return []drivermongo.WriteModel{detach, attach}, nil

	case fsentry.Unlink:
		if ev.NS == nil {
			return nil, xerrors.Errorf("mongo: unlink event missing ns change: %w", rbh.ErrInvalid)
		}
		// Removes the matching ns element. mongo.Backend.Update sweeps for
		// documents whose ns array is left empty and deletes them
		// (spec.md §6), since a $pull can't conditionally delete the
		// document in the same write model.
		return []drivermongo.WriteModel{
			drivermongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": ev.ID}).
				SetUpdate(bson.M{"$pull": bson.M{"ns": bson.M{
					"parent_id": ev.NS.ParentID, "name": ev.NS.Name,
				}}}),
		}, nil

	case fsentry.Xattr:
		var models []drivermongo.WriteModel

		inodeSet, inodeUnset, err := xattrSetUnset("xattrs.", ev.InodeXattrs)
		if err != nil {
			return nil, err
		}
		if len(inodeSet) > 0 || len(inodeUnset) > 0 {
			update := bson.M{}
			mergeSetUnset(update, inodeSet, inodeUnset)
			models = append(models, drivermongo.NewUpdateOneModel().
				SetFilter(bson.M{"_id": ev.ID}).
				SetUpdate(update))
		}

		nsModel, err := nsXattrUpdate(ev.ID, ev.NS, ev.NSXattrs)
		if err != nil {
			return nil, err
		}
		if nsModel != nil {
			models = append(models, nsModel)
		}
		return models, nil

	default:
		return nil, xerrors.Errorf("mongo: unknown event type %v: %w", ev.Type, rbh.ErrInvalid)
	}
}
