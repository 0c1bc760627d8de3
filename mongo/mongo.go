package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	drivermongo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
	"github.com/cea-hpc/librobinhood/backend"
	"github.com/cea-hpc/librobinhood/filter"
	"github.com/cea-hpc/librobinhood/fsentry"
	"github.com/cea-hpc/librobinhood/iterator"
	"github.com/cea-hpc/librobinhood/value"
)

// Backend persists fsentry.Entry documents in a MongoDB collection, one
// document per entry keyed by _id, addressed with the field paths
// filter.Field.Path names: statx.<field> for stat attributes, xattrs
// for inode xattrs. Namespace membership (spec.md §6) is the one part of
// the schema that is not a scalar path: "ns" is an array of
// {parent_id, name, xattrs} sub-documents, one per name the id currently
// answers to, so a hardlinked id is represented as a single document
// with more than one ns element. Queries touching parent_id/name/ns
// xattrs go through mongo/query.go's $elemMatch wrapping rather than
// Field.Path's dotted shorthand, so that conditions on the same ns
// occurrence (e.g. parent_id == X AND name == Y) can't be satisfied by
// two different array elements. Grounded on src/backends/mongo/mongo.c,
// which reaches the same array structure through a $unwind aggregation
// pipeline; Filter here stays a direct Find because $elemMatch answers
// the same query without unwinding.
type Backend struct {
	backend.State

	client *drivermongo.Client
	coll   *drivermongo.Collection
}

// New connects to uri and binds to database.collection.
func New(ctx context.Context, uri, database, collection string) (*Backend, error) {
	client, err := drivermongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &rbh.BackendError{Backend: "mongo", Msg: "connect", Cause: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, &rbh.BackendError{Backend: "mongo", Msg: "ping", Cause: err}
	}
	return &Backend{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

func (b *Backend) Root(ctx context.Context, projection backend.Projection) (*fsentry.Entry, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	if projection != (backend.Projection{}) {
		return nil, xerrors.Errorf("mongo: projection: %w", rbh.ErrNotSupported)
	}
	var doc bson.M
	rootQuery := bson.M{"$or": bson.A{
		bson.M{"ns": bson.M{"$exists": false}},
		bson.M{"ns": bson.M{"$size": 0}},
	}}
	err := b.coll.FindOne(ctx, rootQuery).Decode(&doc)
	if err == drivermongo.ErrNoDocuments {
		return nil, xerrors.Errorf("mongo: root: %w", rbh.ErrNotFound)
	}
	if err != nil {
		return nil, &rbh.BackendError{Backend: "mongo", Msg: "root", Cause: err}
	}
	return docToEntry(doc)
}

func (b *Backend) Branch(ctx context.Context, id []byte) (backend.Backend, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	return nil, xerrors.Errorf("mongo: branch is not supported standalone: %w", rbh.ErrNotSupported)
}

func (b *Backend) Filter(ctx context.Context, f *filter.Filter, opts backend.Options) (iterator.MutIterator, error) {
	if err := b.CheckOpen(); err != nil {
		return nil, err
	}
	if opts.Projection != (backend.Projection{}) {
		return nil, xerrors.Errorf("mongo: projection option: %w", rbh.ErrNotSupported)
	}
	if f == nil {
		null := filter.Null()
		f = &null
	}
	query, err := ToBSON(f)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()
	if opts.Skip != 0 {
		findOpts.SetSkip(int64(opts.Skip))
	}
	if opts.Limit != 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, k := range opts.Sort {
			path, err := k.Field.Path()
			if err != nil {
				return nil, err
			}
			dir := 1
			if k.Descending {
				dir = -1
			}
			sort = append(sort, bson.E{Key: path, Value: dir})
		}
		findOpts.SetSort(sort)
	}

	cur, err := b.coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, &rbh.BackendError{Backend: "mongo", Msg: "find", Cause: err}
	}
	return &cursorIterator{ctx: ctx, cur: cur}, nil
}

// Update applies events as a single unordered bulk write, mirroring
// mongo_bulk_init_from_fsevents/mongoc_bulk_operation_execute: every
// event's write models are collected before the round trip.
func (b *Backend) Update(ctx context.Context, events iterator.MutIterator) (int, error) {
	if err := b.CheckOpen(); err != nil {
		return 0, err
	}

	var models []drivermongo.WriteModel
	count := 0
	for {
		v, err := events.Next()
		if errors.Is(err, rbh.ErrNoData) {
			break
		}
		if err != nil {
			return count, err
		}
		ev := v.(*fsentry.Event)

		wm, err := WriteModelsForEvent(ev)
		if err != nil {
			return count, err
		}
		models = append(models, wm...)
		count++
	}
	if len(models) == 0 {
		return count, nil
	}

	bulkOpts := options.BulkWrite().SetOrdered(false)
	if _, err := b.coll.BulkWrite(ctx, models, bulkOpts); err != nil {
		return 0, &rbh.BackendError{Backend: "mongo", Msg: "bulk write", Cause: err}
	}

	// spec.md §6: "Unlink removes the matching ns element and, if ns
	// becomes empty, deletes the document." $pull can't conditionally
	// delete in the same write model, so a batch-wide sweep for
	// now-empty ns arrays follows every bulk write instead of tracking
	// which individual Unlink emptied its document.
	if _, err := b.coll.DeleteMany(ctx, bson.M{"ns": bson.M{"$size": 0}}); err != nil {
		return count, &rbh.BackendError{Backend: "mongo", Msg: "purge unlinked entries", Cause: err}
	}
	return count, nil
}

func (b *Backend) Close() error {
	b.MarkClosed()
	if err := b.client.Disconnect(context.Background()); err != nil {
		return &rbh.BackendError{Backend: "mongo", Msg: "disconnect", Cause: err}
	}
	return nil
}

type cursorIterator struct {
	ctx context.Context
	cur *drivermongo.Cursor
}

func (c *cursorIterator) Next() (any, error) {
	if !c.cur.Next(c.ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, &rbh.BackendError{Backend: "mongo", Msg: "cursor", Cause: err}
		}
		return nil, rbh.ErrNoData
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		return nil, &rbh.BackendError{Backend: "mongo", Msg: "decode", Cause: err}
	}
	return docToEntry(doc)
}

func (c *cursorIterator) Close() error {
	return c.cur.Close(c.ctx)
}

// docToEntry decodes a persisted document back into an fsentry.Entry,
// the inverse of WriteModelsForEvent's $set paths.
func docToEntry(doc bson.M) (*fsentry.Entry, error) {
	id, ok := asBytes(doc["_id"])
	if !ok {
		return nil, xerrors.Errorf("mongo: document missing _id: %w", rbh.ErrInvalid)
	}

	ns, err := nsEntriesFromDoc(doc["ns"])
	if err != nil {
		return nil, err
	}

	var symlink *string
	if s, ok := doc["symlink"].(string); ok {
		symlink = &s
	}

	var stat *fsentry.Statx
	if sx, ok := doc["statx"].(bson.M); ok {
		stat = statxFromDoc(sx)
	}

	var inodeXattrs []value.Pair
	if xs, ok := doc["xattrs"].(bson.M); ok {
		var err error
		inodeXattrs, err = xattrsFromDoc(xs)
		if err != nil {
			return nil, err
		}
	}

	return fsentry.NewWithNS(id, ns, stat, inodeXattrs, symlink)
}

// nsEntriesFromDoc decodes the persisted "ns" array — a possibly absent
// or empty array of {parent_id, name, xattrs} sub-documents, one per
// name the id is currently linked under — into fsentry.NSEntry values.
func nsEntriesFromDoc(raw interface{}) ([]fsentry.NSEntry, error) {
	arr, ok := raw.(primitive.A)
	if !ok {
		return nil, nil
	}

	out := make([]fsentry.NSEntry, 0, len(arr))
	for i, elem := range arr {
		sub, ok := elem.(bson.M)
		if !ok {
			return nil, xerrors.Errorf("mongo: ns[%d] is not a document: %w", i, rbh.ErrInvalid)
		}
		parentID, _ := asBytes(sub["parent_id"])
		name, _ := sub["name"].(string)

		var xattrs []value.Pair
		if xs, ok := sub["xattrs"].(bson.M); ok {
			var err error
			xattrs, err = xattrsFromDoc(xs)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, fsentry.NSEntry{ParentID: parentID, Name: name, Xattrs: xattrs})
	}
	return out, nil
}

func asBytes(v interface{}) ([]byte, bool) {
	switch x := v.(type) {
	case primitive.Binary:
		return x.Data, true
	case []byte:
		return x, true
	default:
		return nil, false
	}
}

func asUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case int32:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case float64:
		return uint64(x), true
	default:
		return 0, false
	}
}

func statxFromDoc(sx bson.M) *fsentry.Statx {
	stat := &fsentry.Statx{}
	get := func(key string) (uint64, bool) {
		v, ok := sx[key]
		if !ok {
			return 0, false
		}
		return asUint64(v)
	}
	getSub := func(doc, key string) (uint64, bool) {
		sub, ok := sx[doc].(bson.M)
		if !ok {
			return 0, false
		}
		v, ok := sub[key]
		if !ok {
			return 0, false
		}
		return asUint64(v)
	}

	mark := func(f filter.StatxField) {
		bit, _ := f.StatxMask()
		stat.Mask |= bit
	}

	if v, ok := get("type"); ok {
		stat.Type = uint16(v)
		mark(filter.StatxFieldType)
	}
	if v, ok := get("mode"); ok {
		stat.Mode = uint16(v)
		mark(filter.StatxFieldMode)
	}
	if v, ok := get("nlink"); ok {
		stat.Nlink = uint32(v)
		mark(filter.StatxFieldNlink)
	}
	if v, ok := get("uid"); ok {
		stat.UID = uint32(v)
		mark(filter.StatxFieldUID)
	}
	if v, ok := get("gid"); ok {
		stat.GID = uint32(v)
		mark(filter.StatxFieldGID)
	}
	if v, ok := get("ino"); ok {
		stat.Ino = v
		mark(filter.StatxFieldIno)
	}
	if v, ok := get("size"); ok {
		stat.Size = v
		mark(filter.StatxFieldSize)
	}
	if v, ok := get("blocks"); ok {
		stat.Blocks = v
		mark(filter.StatxFieldBlocks)
	}
	if v, ok := get("blksize"); ok {
		stat.Blksize = uint32(v)
		mark(filter.StatxFieldBlksize)
	}
	if v, ok := get("attributes"); ok {
		stat.Attributes = v
		mark(filter.StatxFieldAttributes)
	}
	if v, ok := getSub("atime", "sec"); ok {
		stat.Atime.Sec = int64(v)
		mark(filter.StatxFieldAtimeSec)
	}
	if v, ok := getSub("atime", "nsec"); ok {
		stat.Atime.Nsec = uint32(v)
		mark(filter.StatxFieldAtimeNsec)
	}
	if v, ok := getSub("mtime", "sec"); ok {
		stat.Mtime.Sec = int64(v)
		mark(filter.StatxFieldMtimeSec)
	}
	if v, ok := getSub("mtime", "nsec"); ok {
		stat.Mtime.Nsec = uint32(v)
		mark(filter.StatxFieldMtimeNsec)
	}
	if v, ok := getSub("ctime", "sec"); ok {
		stat.Ctime.Sec = int64(v)
		mark(filter.StatxFieldCtimeSec)
	}
	if v, ok := getSub("ctime", "nsec"); ok {
		stat.Ctime.Nsec = uint32(v)
		mark(filter.StatxFieldCtimeNsec)
	}
	if v, ok := getSub("btime", "sec"); ok {
		stat.Btime.Sec = int64(v)
		mark(filter.StatxFieldBtimeSec)
	}
	if v, ok := getSub("btime", "nsec"); ok {
		stat.Btime.Nsec = uint32(v)
		mark(filter.StatxFieldBtimeNsec)
	}
	if v, ok := getSub("rdev", "major"); ok {
		stat.Rdev.Major = uint32(v)
		mark(filter.StatxFieldRdevMajor)
	}
	if v, ok := getSub("rdev", "minor"); ok {
		stat.Rdev.Minor = uint32(v)
		mark(filter.StatxFieldRdevMinor)
	}
	if v, ok := getSub("dev", "major"); ok {
		stat.Dev.Major = uint32(v)
		mark(filter.StatxFieldDevMajor)
	}
	if v, ok := getSub("dev", "minor"); ok {
		stat.Dev.Minor = uint32(v)
		mark(filter.StatxFieldDevMinor)
	}
	return stat
}

func xattrsFromDoc(doc bson.M) ([]value.Pair, error) {
	pairs := make([]value.Pair, 0, len(doc))
	for k, v := range doc {
		val, err := valueFromInterface(v)
		if err != nil {
			return nil, xerrors.Errorf("mongo: xattr %s: %w", k, err)
		}
		pairs = append(pairs, value.Pair{Key: k, Value: &val})
	}
	return pairs, nil
}

func valueFromInterface(v interface{}) (value.Value, error) {
	switch x := v.(type) {
	case int32:
		return value.Int32New(x), nil
	case int64:
		return value.Int64New(x), nil
	case float64:
		return value.Int64New(int64(x)), nil
	case string:
		return value.StringNew(x), nil
	case primitive.Binary:
		return value.BinaryNew(x.Data), nil
	case []byte:
		return value.BinaryNew(x), nil
	case primitive.A:
		seq := make([]value.Value, len(x))
		for i, e := range x {
			ev, err := valueFromInterface(e)
			if err != nil {
				return value.Value{}, err
			}
			seq[i] = ev
		}
		return value.SequenceNew(seq), nil
	case bson.M:
		pairs := make([]value.Pair, 0, len(x))
		for k, e := range x {
			ev, err := valueFromInterface(e)
			if err != nil {
				return value.Value{}, err
			}
			pairs = append(pairs, value.Pair{Key: k, Value: &ev})
		}
		return value.MapNew(pairs), nil
	default:
		return value.Value{}, xerrors.Errorf("mongo: unsupported bson value %T: %w", v, rbh.ErrNotSupported)
	}
}
