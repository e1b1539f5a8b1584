package memdb

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
	"github.com/authzed/objectdb/pkg/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	catalog, err := schema.NewCatalog(
		schema.Class{Name: "Item", Fields: []schema.Field{
			{Name: "size", Kind: schema.KindInt, Indexed: true},
			{Name: "label", Kind: schema.KindString, Indexed: true},
			{Name: "tags", Kind: schema.KindArray, Elem: schema.KindString},
		}},
		schema.Class{Name: "Box", Parent: "Item", Fields: []schema.Field{
			{Name: "content", Kind: schema.KindRef, Class: "Item"},
		}},
		schema.Class{Name: "Other"},
	)
	require.NoError(t, err)

	store, err := NewStore(catalog)
	require.NoError(t, err)
	return store
}

func collector(t *testing.T) func(datastore.IDIterator, error) []datastore.ID {
	return func(it datastore.IDIterator, err error) []datastore.ID {
		t.Helper()
		require.NoError(t, err)
		ids, err := datastore.CollectIDs(it)
		require.NoError(t, err)
		return ids
	}
}

func TestInsertAndActivate(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	item, err := store.Insert(ctx, "Item", map[string]any{"size": 3, "label": "small", "tags": []string{"a", "b"}})
	require.NoError(err)

	box, err := store.Insert(ctx, "Box", map[string]any{"size": 10, "content": item})
	require.NoError(err)
	require.Greater(int64(box), int64(item))

	obj, err := store.Activate(ctx, box)
	require.NoError(err)
	require.Equal("Box", obj.Class)
	require.Equal(int64(10), obj.Field("size"))
	require.Equal(item, obj.Field("content"))
	require.Nil(obj.Field("label"))

	obj, err = store.Activate(ctx, item)
	require.NoError(err)
	require.Equal([]any{"a", "b"}, obj.Field("tags"))

	stored, err := store.ReadSlot(ctx, item)
	require.NoError(err)
	class, err := stored.Class()
	require.NoError(err)
	require.Equal("Item", class)

	_, err = store.ReadSlot(ctx, 999)
	var notFound datastore.ErrObjectNotFound
	require.ErrorAs(err, &notFound)
}

func TestInsertRejectsInvalidFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Insert(ctx, "Item", map[string]any{"unknown": 1})
	require.Error(t, err)

	_, err = store.Insert(ctx, "Item", map[string]any{"size": "big"})
	require.Error(t, err)

	_, err = store.Insert(ctx, "Missing", nil)
	var notFound datastore.ErrClassNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestExtentIncludesSubclasses(t *testing.T) {
	t.Parallel()
	collect := collector(t)
	ctx := context.Background()
	store := newTestStore(t)

	box1, err := store.Insert(ctx, "Box", nil)
	require.NoError(t, err)
	item, err := store.Insert(ctx, "Item", nil)
	require.NoError(t, err)
	box2, err := store.Insert(ctx, "Box", nil)
	require.NoError(t, err)
	_, err = store.Insert(ctx, "Other", nil)
	require.NoError(t, err)

	require.Equal(t, []datastore.ID{box1, item, box2}, collect(store.Extent(ctx, "Item")))
	require.Equal(t, []datastore.ID{box1, box2}, collect(store.Extent(ctx, "Box")))

	_, err = store.Extent(ctx, "Missing")
	require.Error(t, err)
}

func TestIndexRangePartitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	for _, size := range []any{5, 1, nil, 3, 5, -2} {
		_, err := store.Insert(ctx, "Item", map[string]any{"size": size})
		require.NoError(t, err)
	}
	boxed, err := store.Insert(ctx, "Box", map[string]any{"size": 3})
	require.NoError(t, err)

	require.True(t, store.HasIndex("Box", "size"))
	require.False(t, store.HasIndex("Item", "tags"))

	for _, tc := range []struct {
		name       string
		partitions datastore.Partition
		value      any
		expected   []datastore.ID
	}{
		{"equal", datastore.PartitionEqual, int64(3), []datastore.ID{4, boxed}},
		{"smaller", datastore.PartitionSmaller, int64(3), []datastore.ID{2, 6}},
		{"greater", datastore.PartitionGreater, int64(3), []datastore.ID{1, 5}},
		{"smaller or equal", datastore.PartitionSmaller | datastore.PartitionEqual, int64(3), []datastore.ID{2, 4, 6, boxed}},
		{"not equal", datastore.PartitionEqual.Complement(), int64(3), []datastore.ID{1, 2, 3, 5, 6}},
		{"nulls", datastore.PartitionEqual, nil, nil},
		{"nil probe greater", datastore.PartitionGreater, nil, []datastore.ID{1, 2, 4, 5, 6, boxed}},
		{"null partition", datastore.PartitionNulls, nil, []datastore.ID{3}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			collect := collector(t)
			require.Equal(t, tc.expected, collect(store.IndexRange(ctx, "Item", "size", tc.partitions, tc.value)))
		})
	}

	_, err = store.IndexRange(ctx, "Item", "tags", datastore.PartitionEqual, "a")
	var notIndexed datastore.ErrFieldNotIndexed
	require.ErrorAs(t, err, &notIndexed)
}

func TestUpdateAndDeleteMaintainIndexes(t *testing.T) {
	t.Parallel()
	collect := collector(t)
	require := require.New(t)
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Insert(ctx, "Item", map[string]any{"size": 1, "label": "x"})
	require.NoError(err)

	require.NoError(store.Update(ctx, id, map[string]any{"size": 2, "label": nil}))
	require.Empty(collect(store.IndexRange(ctx, "Item", "size", datastore.PartitionEqual, int64(1))))
	require.Equal([]datastore.ID{id}, collect(store.IndexRange(ctx, "Item", "size", datastore.PartitionEqual, int64(2))))
	require.Equal([]datastore.ID{id}, collect(store.IndexRange(ctx, "Item", "label", datastore.PartitionNulls, nil)))

	obj, err := store.Activate(ctx, id)
	require.NoError(err)
	require.Equal(map[string]any{"size": int64(2)}, obj.Fields)

	require.NoError(store.Delete(ctx, id))
	require.Empty(collect(store.Extent(ctx, "Item")))
	require.Empty(collect(store.IndexRange(ctx, "Item", "size", datastore.PartitionAll, int64(0))))

	var notFound datastore.ErrObjectNotFound
	require.ErrorAs(store.Delete(ctx, id), &notFound)
}

func TestInsertSlotIsNotDecoded(t *testing.T) {
	t.Parallel()
	collect := collector(t)
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.InsertSlot(ctx, "Item", []byte{1, 4, 'I', 't', 'e', 'm', 0xff})
	require.NoError(t, err)
	require.Equal(t, []datastore.ID{id}, collect(store.Extent(ctx, "Item")))

	_, err = store.Activate(ctx, id)
	require.ErrorIs(t, err, slot.ErrMalformed)
}

func TestValueKeysPreserveOrder(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		gen := rapid.OneOf(
			rapid.Map(rapid.Int64(), func(i int64) any { return i }),
			rapid.Map(rapid.Float64(), func(f float64) any { return f }),
			rapid.Map(rapid.String(), func(s string) any { return s }),
			rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		)
		a := gen.Draw(t, "a")
		b := rapid.Custom(func(t *rapid.T) any {
			switch a.(type) {
			case int64:
				return rapid.Int64().Draw(t, "i")
			case float64:
				return rapid.Float64().Draw(t, "f")
			case string:
				return rapid.String().Draw(t, "s")
			default:
				return rapid.Bool().Draw(t, "b")
			}
		}).Draw(t, "b")

		if f, ok := a.(float64); ok && math.IsNaN(f) {
			t.Skip("NaN is not storable")
		}

		expected, ok := schema.Compare(a, b)
		require.True(t, ok)

		ka, err := valueKey(a)
		require.NoError(t, err)
		kb, err := valueKey(b)
		require.NoError(t, err)
		require.Equal(t, expected, bytes.Compare(ka, kb), "%v vs %v", a, b)

		null, err := valueKey(nil)
		require.NoError(t, err)
		require.Equal(t, -1, bytes.Compare(null, ka))
	})
}
