package memdb

import (
	"encoding/binary"
	"fmt"

	"github.com/ccoveille/go-safecast/v2"
	"github.com/hashicorp/go-memdb"
	"github.com/rs/zerolog"

	"github.com/authzed/objectdb/pkg/datastore"
)

const (
	tableObject = "object"
	indexID     = "id"
	indexClass  = "class"

	tableFieldIndex = "fieldindex"
	indexEntry      = "id"
	indexOwner      = "owner"
)

type object struct {
	id    datastore.ID
	class string
	slot  []byte
}

func (o object) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("id", int64(o.id)).Str("class", o.class).Int("size", len(o.slot))
}

// fieldEntry is one value of an indexed field. Entries are keyed by the
// object's own class, so a scan over a hierarchy visits one key range per
// concrete class.
type fieldEntry struct {
	class string
	field string
	key   []byte
	id    datastore.ID
}

var dbSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableObject: {
			Name: tableObject,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: objectIDIndex{},
				},
				indexClass: {
					Name:    indexClass,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "class"},
				},
			},
		},
		tableFieldIndex: {
			Name: tableFieldIndex,
			Indexes: map[string]*memdb.IndexSchema{
				indexEntry: {
					Name:    indexEntry,
					Unique:  true,
					Indexer: fieldEntryIndex{},
				},
				indexOwner: {
					Name:    indexOwner,
					Unique:  false,
					Indexer: objectIDIndex{},
				},
			},
		},
	},
}

// idKey encodes an id so that byte order matches numeric order.
func idKey(id datastore.ID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id)^(1<<63))
}

func idFromArg(arg any) (datastore.ID, error) {
	switch id := arg.(type) {
	case datastore.ID:
		return id, nil
	case int64:
		return datastore.ID(id), nil
	case uint64:
		converted, err := safecast.Convert[int64](id)
		return datastore.ID(converted), err
	default:
		return 0, fmt.Errorf("argument must be an id: %#v", arg)
	}
}

// objectIDIndex indexes objects and field entries by the id of the object
// they belong to. go-memdb's UintFieldIndex uses varints, which do not sort
// numerically, so ids get a fixed width encoding instead.
type objectIDIndex struct{}

func (objectIDIndex) FromObject(raw any) (bool, []byte, error) {
	switch v := raw.(type) {
	case *object:
		return true, idKey(v.id), nil
	case *fieldEntry:
		return true, idKey(v.id), nil
	default:
		return false, nil, fmt.Errorf("unexpected %T in id index", raw)
	}
}

func (objectIDIndex) FromArgs(args ...any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	id, err := idFromArg(args[0])
	if err != nil {
		return nil, err
	}
	return idKey(id), nil
}

// fieldEntryIndex orders field entries by class, field, value key and id.
// Arguments may name a prefix: (class, field) or (class, field, valueKey).
type fieldEntryIndex struct{}

func (fieldEntryIndex) FromObject(raw any) (bool, []byte, error) {
	entry, ok := raw.(*fieldEntry)
	if !ok {
		return false, nil, fmt.Errorf("unexpected %T in field index", raw)
	}
	key := entryPrefix(entry.class, entry.field)
	key = append(key, entry.key...)
	return true, append(key, idKey(entry.id)...), nil
}

func (fieldEntryIndex) FromArgs(args ...any) ([]byte, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("must provide a class, a field and an optional value key")
	}
	class, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("class argument must be a string: %#v", args[0])
	}
	field, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("field argument must be a string: %#v", args[1])
	}

	key := entryPrefix(class, field)
	if len(args) == 3 {
		valueKey, ok := args[2].([]byte)
		if !ok {
			return nil, fmt.Errorf("value key argument must be bytes: %#v", args[2])
		}
		key = append(key, valueKey...)
	}
	return key, nil
}

func (idx fieldEntryIndex) PrefixFromArgs(args ...any) ([]byte, error) {
	return idx.FromArgs(args...)
}

func entryPrefix(class, field string) []byte {
	key := make([]byte, 0, len(class)+len(field)+2)
	key = append(key, class...)
	key = append(key, 0)
	key = append(key, field...)
	return append(key, 0)
}
