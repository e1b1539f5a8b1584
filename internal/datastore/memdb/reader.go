package memdb

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-memdb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
	"github.com/authzed/objectdb/pkg/schema"
)

// Extent returns the ids of every instance of the class and its subclasses
// in ascending order. The ids are read from a single snapshot.
func (s *Store) Extent(ctx context.Context, class string) (datastore.IDIterator, error) {
	_, span := tracer.Start(ctx, "Extent", trace.WithAttributes(attribute.String("class", class)))
	defer span.End()

	classes := s.catalog.Subclasses(class)
	if len(classes) == 0 {
		return nil, datastore.NewClassNotFoundErr(class)
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	var ids []datastore.ID
	for _, name := range classes {
		it, err := txn.Get(tableObject, indexClass, name)
		if err != nil {
			return nil, fmt.Errorf(errUnableToRead, err)
		}
		for found := it.Next(); found != nil; found = it.Next() {
			ids = append(ids, found.(*object).id)
		}
	}

	if len(classes) > 1 {
		slices.Sort(ids)
	}
	span.SetAttributes(attribute.Int("count", len(ids)))
	return datastore.NewSliceIDIterator(ids), nil
}

// HasIndex returns true if the field resolves on the class and is indexed.
func (s *Store) HasIndex(class, field string) bool {
	f, ok := s.catalog.LookupField(class, field)
	return ok && f.Indexed
}

// IndexRange returns the ids of instances of the class and its subclasses
// whose field value falls into the selected partitions relative to value.
// A nil value classifies every present value as greater.
func (s *Store) IndexRange(ctx context.Context, class, field string, partitions datastore.Partition, value any) (datastore.IDIterator, error) {
	_, span := tracer.Start(ctx, "IndexRange", trace.WithAttributes(
		attribute.String("class", class),
		attribute.String("field", field),
		attribute.Stringer("partitions", partitions),
	))
	defer span.End()

	if _, err := s.catalog.MustClass(class); err != nil {
		return nil, err
	}
	indexed, ok := s.catalog.LookupField(class, field)
	if !ok || !indexed.Indexed {
		return nil, datastore.NewFieldNotIndexedErr(class, field)
	}

	probe, err := valueKey(value)
	if err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	var ids []datastore.ID
	for _, name := range s.catalog.Subclasses(class) {
		found, err := scanFieldIndex(txn, name, field, partitions, probe)
		if err != nil {
			return nil, fmt.Errorf(errUnableToRead, err)
		}
		ids = append(ids, found...)
	}

	slices.Sort(ids)
	span.SetAttributes(attribute.Int("count", len(ids)))
	return datastore.NewSliceIDIterator(ids), nil
}

func scanFieldIndex(txn *memdb.Txn, class, field string, partitions datastore.Partition, probe []byte) ([]datastore.ID, error) {
	var ids []datastore.ID

	if partitions.Has(datastore.PartitionNulls) {
		it, err := txn.Get(tableFieldIndex, indexEntry, class, field, []byte{nullMarker})
		if err != nil {
			return nil, err
		}
		for found := it.Next(); found != nil; found = it.Next() {
			ids = append(ids, found.(*fieldEntry).id)
		}
	}

	values := partitions &^ datastore.PartitionNulls
	if values == datastore.PartitionNone {
		return ids, nil
	}

	start := []byte{valueMarker}
	if !values.Has(datastore.PartitionSmaller) && probe[0] == valueMarker {
		start = probe
	}

	it, err := txn.LowerBound(tableFieldIndex, indexEntry, class, field, start)
	if err != nil {
		return nil, err
	}
	for found := it.Next(); found != nil; found = it.Next() {
		entry := found.(*fieldEntry)
		if entry.class != class || entry.field != field {
			break
		}

		var partition datastore.Partition
		switch c := bytes.Compare(entry.key, probe); {
		case probe[0] == nullMarker:
			partition = datastore.PartitionGreater
		case c < 0:
			partition = datastore.PartitionSmaller
		case c == 0:
			partition = datastore.PartitionEqual
		default:
			partition = datastore.PartitionGreater
		}

		if partition == datastore.PartitionGreater && !values.Has(datastore.PartitionGreater) {
			break
		}
		if values.Has(partition) {
			ids = append(ids, entry.id)
		}
	}
	return ids, nil
}

// ReadSlot returns the stored record of the object.
func (s *Store) ReadSlot(ctx context.Context, id datastore.ID) (*slot.Slot, error) {
	_, span := tracer.Start(ctx, "ReadSlot")
	defer span.End()

	txn := s.db.Txn(false)
	defer txn.Abort()

	found, err := findObject(txn, id)
	if err != nil {
		return nil, err
	}
	return slot.Open(found.slot), nil
}

// Activate decodes every stored field of the object.
func (s *Store) Activate(ctx context.Context, id datastore.ID) (*datastore.Object, error) {
	ctx, span := tracer.Start(ctx, "Activate")
	defer span.End()

	stored, err := s.ReadSlot(ctx, id)
	if err != nil {
		return nil, err
	}

	class, err := stored.Class()
	if err != nil {
		return nil, err
	}
	encoded, err := stored.Fields()
	if err != nil {
		return nil, err
	}

	obj := &datastore.Object{ID: id, Class: class, Fields: make(map[string]any, len(encoded))}
	for name, value := range encoded {
		f, ok := s.catalog.LookupField(class, name)
		if !ok {
			return nil, fmt.Errorf("%w: class `%s` has no field `%s`", slot.ErrMalformed, class, name)
		}
		decoded, err := schema.DecodeValue(f.Field, value)
		if err != nil {
			return nil, err
		}
		obj.Fields[name] = decoded
	}
	return obj, nil
}
