// Package datastore defines the storage collaborators consumed by the query
// engine: id sequences over class extents and field indexes, positionable
// record slots and full object activation.
package datastore

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/authzed/objectdb/pkg/datastore/slot"
)

// ID identifies a persisted object. Persisted ids are positive; the query
// engine uses negative ids for values it meets mid-query that have no
// persisted identity.
type ID int64

// IsPersisted returns true if the id was assigned by a store.
func (id ID) IsPersisted() bool { return id > 0 }

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// IDIterator is a sequence of ids, in ascending order unless stated otherwise.
type IDIterator = iter.Seq2[ID, error]

// Partition selects regions of an ordered field index relative to a probe
// value.
type Partition uint8

const (
	// PartitionSmaller selects entries ordered before the probe value.
	PartitionSmaller Partition = 1 << iota

	// PartitionEqual selects entries equal to the probe value.
	PartitionEqual

	// PartitionGreater selects entries ordered after the probe value.
	PartitionGreater

	// PartitionNulls selects entries whose value is absent.
	PartitionNulls

	// PartitionNone selects nothing.
	PartitionNone Partition = 0

	// PartitionAll selects every entry.
	PartitionAll = PartitionSmaller | PartitionEqual | PartitionGreater | PartitionNulls
)

// Has returns true if every partition in other is selected.
func (p Partition) Has(other Partition) bool { return p&other == other }

// Complement returns every partition not selected by p.
func (p Partition) Complement() Partition { return PartitionAll &^ p }

func (p Partition) String() string {
	if p == PartitionNone {
		return "none"
	}
	var parts []string
	for _, named := range []struct {
		p    Partition
		name string
	}{
		{PartitionSmaller, "smaller"},
		{PartitionEqual, "equal"},
		{PartitionGreater, "greater"},
		{PartitionNulls, "nulls"},
	} {
		if p.Has(named.p) {
			parts = append(parts, named.name)
		}
	}
	return strings.Join(parts, "|")
}

// Object is a fully materialized record.
type Object struct {
	ID     ID
	Class  string
	Fields map[string]any
}

// Field returns the value of the named field, or nil when unset.
func (o *Object) Field(name string) any {
	if o == nil || o.Fields == nil {
		return nil
	}
	return o.Fields[name]
}

// Reader is the read surface the query engine consumes. Implementations must
// be safe for concurrent use by multiple executions.
type Reader interface {
	// Extent returns the ids of every instance of the class, including
	// instances of its subclasses.
	Extent(ctx context.Context, class string) (IDIterator, error)

	// HasIndex returns true if IndexRange can serve the class' field.
	HasIndex(class, field string) bool

	// IndexRange returns the ids of instances of the class whose field value
	// falls into the selected partitions relative to value.
	IndexRange(ctx context.Context, class, field string, partitions Partition, value any) (IDIterator, error)

	// ReadSlot returns the stored record for the id. It returns
	// ErrObjectNotFound if the id is unknown.
	ReadSlot(ctx context.Context, id ID) (*slot.Slot, error)

	// Activate fully materializes the object with the id.
	Activate(ctx context.Context, id ID) (*Object, error)
}

// NewSliceIDIterator creates an IDIterator over a materialized slice.
func NewSliceIDIterator(ids []ID) IDIterator {
	return func(yield func(ID, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// CollectIDs drains the iterator into a slice.
func CollectIDs(it IDIterator) ([]ID, error) {
	var ids []ID
	for id, err := range it {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MergeIDIterators merges ascending iterators into one ascending iterator,
// dropping repeated ids.
func MergeIDIterators(its ...IDIterator) IDIterator {
	if len(its) == 1 {
		return its[0]
	}
	return func(yield func(ID, error) bool) {
		var all []ID
		for _, it := range its {
			ids, err := CollectIDs(it)
			if err != nil {
				yield(0, err)
				return
			}
			all = append(all, ids...)
		}
		slices.Sort(all)
		for _, id := range slices.Compact(all) {
			if !yield(id, nil) {
				return
			}
		}
	}
}
