// Package memdb implements an in-memory object store on top of go-memdb. It
// keeps one slot per object, a class index serving extents and ordered
// indexes over the fields the catalog marks as indexed.
package memdb

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/structpb"

	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
	"github.com/authzed/objectdb/pkg/schema"
)

const (
	errUnableToInstantiate = "unable to instantiate datastore: %w"
	errUnableToWrite       = "unable to write object: %w"
	errUnableToRead        = "unable to read objects: %w"
	errUnableToIndex       = "unable to index field `%s`: %w"
)

var tracer = otel.Tracer("objectdb/internal/datastore/memdb")

// Store is an object store backed by go-memdb. Reads run against immutable
// snapshots, so a Store is safe for concurrent use.
type Store struct {
	db      *memdb.MemDB
	catalog *schema.Catalog
	lastID  atomic.Int64
}

var _ datastore.Reader = (*Store)(nil)

// NewStore creates an empty store for the classes of the catalog.
func NewStore(catalog *schema.Catalog) (*Store, error) {
	db, err := memdb.NewMemDB(dbSchema)
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}
	return &Store{db: db, catalog: catalog}, nil
}

// Catalog returns the catalog the store was created with.
func (s *Store) Catalog() *schema.Catalog { return s.catalog }

// Insert stores a new object of the class and returns its id. Fields not
// present in the map are stored as absent.
func (s *Store) Insert(ctx context.Context, class string, fields map[string]any) (datastore.ID, error) {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	encoded, err := s.encodeFields(class, fields)
	if err != nil {
		return 0, fmt.Errorf(errUnableToWrite, err)
	}

	id := datastore.ID(s.lastID.Add(1))
	span.SetAttributes(attribute.String("class", class), attribute.Int64("id", int64(id)))

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := s.writeObject(txn, id, class, encoded); err != nil {
		return 0, fmt.Errorf(errUnableToWrite, err)
	}
	txn.Commit()

	log.Ctx(ctx).Trace().Int64("id", int64(id)).Str("class", class).Msg("inserted object")
	return id, nil
}

// Update replaces the stored fields of an existing object. Fields not present
// in the map keep their stored value; fields mapped to nil become absent.
func (s *Store) Update(ctx context.Context, id datastore.ID, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := findObject(txn, id)
	if err != nil {
		return err
	}

	stored, err := slot.Open(existing.slot).Fields()
	if err != nil {
		return fmt.Errorf(errUnableToWrite, err)
	}

	updated, err := s.encodeFields(existing.class, fields)
	if err != nil {
		return fmt.Errorf(errUnableToWrite, err)
	}

	merged := maps.Clone(stored)
	for name, value := range updated {
		if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
			delete(merged, name)
			continue
		}
		merged[name] = value
	}

	if err := deleteObject(txn, id); err != nil {
		return fmt.Errorf(errUnableToWrite, err)
	}
	if err := s.writeObject(txn, id, existing.class, merged); err != nil {
		return fmt.Errorf(errUnableToWrite, err)
	}
	txn.Commit()

	log.Ctx(ctx).Trace().Int64("id", int64(id)).Msg("updated object")
	return nil
}

// Delete removes an object and its index entries.
func (s *Store) Delete(ctx context.Context, id datastore.ID) error {
	_, span := tracer.Start(ctx, "Delete")
	defer span.End()

	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := findObject(txn, id); err != nil {
		return err
	}
	if err := deleteObject(txn, id); err != nil {
		return fmt.Errorf(errUnableToWrite, err)
	}
	txn.Commit()
	return nil
}

// InsertSlot stores an already encoded slot for an object of the class. The
// slot is not decoded, so none of its fields are indexed.
func (s *Store) InsertSlot(ctx context.Context, class string, raw []byte) (datastore.ID, error) {
	_, span := tracer.Start(ctx, "InsertSlot")
	defer span.End()

	if _, err := s.catalog.MustClass(class); err != nil {
		return 0, err
	}

	id := datastore.ID(s.lastID.Add(1))
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableObject, &object{id: id, class: class, slot: slices.Clone(raw)}); err != nil {
		return 0, fmt.Errorf(errUnableToWrite, err)
	}
	txn.Commit()
	return id, nil
}

func (s *Store) encodeFields(class string, fields map[string]any) (map[string]*structpb.Value, error) {
	if _, err := s.catalog.MustClass(class); err != nil {
		return nil, err
	}

	encoded := make(map[string]*structpb.Value, len(fields))
	for name, value := range fields {
		f, ok := s.catalog.LookupField(class, name)
		if !ok {
			return nil, fmt.Errorf("class `%s` has no field `%s`", class, name)
		}

		coerced, ok := schema.CoerceField(f.Field, value)
		if !ok {
			return nil, fmt.Errorf("value %#v cannot be stored in %s field `%s.%s`", value, f.Kind, class, name)
		}

		storedValue, err := schema.EncodeValue(f.Field, coerced)
		if err != nil {
			return nil, err
		}
		encoded[name] = storedValue
	}
	return encoded, nil
}

func (s *Store) writeObject(txn *memdb.Txn, id datastore.ID, class string, fields map[string]*structpb.Value) error {
	raw, err := slot.Encode(class, fields)
	if err != nil {
		return err
	}
	if err := txn.Insert(tableObject, &object{id: id, class: class, slot: raw}); err != nil {
		return err
	}

	for _, f := range s.catalog.AllFields(class) {
		if !f.Indexed {
			continue
		}

		value, err := schema.DecodeValue(f.Field, fields[f.Name])
		if err != nil {
			return fmt.Errorf(errUnableToIndex, f.Name, err)
		}
		key, err := valueKey(value)
		if err != nil {
			return fmt.Errorf(errUnableToIndex, f.Name, err)
		}

		if err := txn.Insert(tableFieldIndex, &fieldEntry{class: class, field: f.Name, key: key, id: id}); err != nil {
			return fmt.Errorf(errUnableToIndex, f.Name, err)
		}
	}
	return nil
}

func findObject(txn *memdb.Txn, id datastore.ID) (*object, error) {
	found, err := txn.First(tableObject, indexID, id)
	if err != nil {
		return nil, fmt.Errorf(errUnableToRead, err)
	}
	if found == nil {
		return nil, datastore.NewObjectNotFoundErr(id)
	}
	return found.(*object), nil
}

func deleteObject(txn *memdb.Txn, id datastore.ID) error {
	if _, err := txn.DeleteAll(tableFieldIndex, indexOwner, id); err != nil {
		return err
	}
	_, err := txn.DeleteAll(tableObject, indexID, id)
	return err
}
