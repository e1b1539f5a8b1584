package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authzed/objectdb/internal/datastore/memdb"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/schema"
)

func testCatalog(t testing.TB) *schema.Catalog {
	catalog, err := schema.NewCatalog(
		schema.Class{Name: "Item", Fields: []schema.Field{
			{Name: "size", Kind: schema.KindInt, Indexed: true},
			{Name: "label", Kind: schema.KindString, Indexed: true},
			{Name: "weight", Kind: schema.KindFloat},
			{Name: "tags", Kind: schema.KindArray, Elem: schema.KindString},
		}},
		schema.Class{Name: "Box", Parent: "Item", Fields: []schema.Field{
			{Name: "content", Kind: schema.KindRef, Class: "Item"},
			{Name: "contents", Kind: schema.KindArray, Elem: schema.KindRef, Class: "Item"},
		}},
		schema.Class{Name: "Crate", Parent: "Item"},
		schema.Class{Name: "Label", Fields: []schema.Field{
			{Name: "label", Kind: schema.KindString},
			{Name: "target", Kind: schema.KindRef, Class: "Item"},
		}},
	)
	require.NoError(t, err)
	return catalog
}

// fixture is a store with named objects.
type fixture struct {
	t     testing.TB
	store *memdb.Store
	names map[datastore.ID]string
	ids   map[string]datastore.ID
}

func newFixture(t testing.TB) *fixture {
	store, err := memdb.NewStore(testCatalog(t))
	require.NoError(t, err)
	return &fixture{
		t:     t,
		store: store,
		names: make(map[datastore.ID]string),
		ids:   make(map[string]datastore.ID),
	}
}

func (f *fixture) insert(name, class string, fields map[string]any) datastore.ID {
	id, err := f.store.Insert(context.Background(), class, fields)
	require.NoError(f.t, err)
	f.names[id] = name
	f.ids[name] = id
	return id
}

func (f *fixture) query(opts ...ConfigOption) *Query {
	return New(f.store, f.store.Catalog(), opts...)
}

func (f *fixture) named(ids []datastore.ID) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		name, ok := f.names[id]
		require.True(f.t, ok, "unknown id %d", id)
		names = append(names, name)
	}
	return names
}

// run executes the query in every mode, requires the modes to agree and
// returns the names of the results in eager order.
func (f *fixture) run(q *Query) []string {
	f.t.Helper()
	ctx := context.Background()

	eager, err := q.Execute(ctx)
	require.NoError(f.t, err)

	snapshot, err := q.ExecuteSnapshot(ctx)
	require.NoError(f.t, err)
	require.Equal(f.t, eager, snapshot, "snapshot execution disagrees with eager execution")

	var lazy []datastore.ID
	for id, err := range q.ExecuteLazy(ctx) {
		require.NoError(f.t, err)
		lazy = append(lazy, id)
	}
	require.ElementsMatch(f.t, eager, lazy, "lazy execution disagrees with eager execution")

	return f.named(eager)
}

func must(t testing.TB) func(*Constraint, error) *Constraint {
	return func(c *Constraint, err error) *Constraint {
		t.Helper()
		require.NoError(t, err)
		return c
	}
}
