package query

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/authzed/objectdb/internal/datastore/proxy"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
	"github.com/authzed/objectdb/pkg/queryerrors"
	"github.com/authzed/objectdb/pkg/testutil"
)

// newInventory stores:
//
//	a  Item  size 1  "apple"   tags red, green
//	b  Item  size 2  "Banana"  tags yellow
//	c  Item  size 3  "cherry"  tags red
//	d  Crate size 2  "date"
//	x  Box   size 10 "box-x"   content a, contents a, c
//	y  Box   size 20 "box-y"   content b, contents b
//	z  Box   size 30 "box-z"
//	l  Label "apple" target a
func newInventory(t *testing.T) *fixture {
	f := newFixture(t)
	a := f.insert("a", "Item", map[string]any{"size": 1, "label": "apple", "tags": []string{"red", "green"}})
	b := f.insert("b", "Item", map[string]any{"size": 2, "label": "Banana", "tags": []string{"yellow"}})
	c := f.insert("c", "Item", map[string]any{"size": 3, "label": "cherry", "tags": []string{"red"}})
	f.insert("d", "Crate", map[string]any{"size": 2, "label": "date"})
	f.insert("x", "Box", map[string]any{"size": 10, "label": "box-x", "content": a, "contents": []datastore.ID{a, c}})
	f.insert("y", "Box", map[string]any{"size": 20, "label": "box-y", "content": b, "contents": []datastore.ID{b}})
	f.insert("z", "Box", map[string]any{"size": 30, "label": "box-z"})
	f.insert("l", "Label", map[string]any{"label": "apple", "target": a})
	return f
}

func TestClassQueries(t *testing.T) {
	t.Parallel()

	for _, shortcut := range []bool{true, false} {
		t.Run(fmt.Sprintf("shortcut=%v", shortcut), func(t *testing.T) {
			t.Parallel()
			f := newInventory(t)
			opt := WithClassOnlyShortcut(shortcut)

			q := f.query(opt)
			must(t)(q.ConstrainClass("Item"))
			require.Equal(t, []string{"a", "b", "c", "d", "x", "y", "z"}, f.run(q))

			q = f.query(opt)
			must(t)(q.ConstrainClassExact("Item"))
			require.Equal(t, []string{"a", "b", "c"}, f.run(q))

			q = f.query(opt)
			must(t)(q.ConstrainClass("Box"))
			require.Equal(t, []string{"x", "y", "z"}, f.run(q))

			q = f.query(opt)
			must(t)(must(t)(q.ConstrainClassExact("Item")).Not())
			require.Equal(t, []string{"d", "x", "y", "z"}, f.run(q))

			q = f.query(opt)
			require.Equal(t, []string{"a", "b", "c", "d", "x", "y", "z", "l"}, f.run(q))
		})
	}
}

func TestClassConstraintsCombine(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.ConstrainClass("Crate"))
	require.Empty(t, f.run(q))

	q = f.query()
	box := must(t)(q.ConstrainClass("Box"))
	crate := must(t)(q.ConstrainClass("Crate"))
	must(t)(box.Or(crate))
	require.Equal(t, []string{"d", "x", "y", "z"}, f.run(q))

	q = f.query()
	box = must(t)(q.ConstrainClass("Box"))
	label := must(t)(q.ConstrainClass("Label"))
	must(t)(label.Or(box))
	require.Equal(t, []string{"x", "y", "z", "l"}, f.run(q))
}

func TestValueOperators(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		field    string
		value    any
		refine   func(*Constraint) error
		expected []string
	}{
		{"equal", "size", 2, nil, []string{"b", "d"}},
		{"smaller", "size", 2, func(c *Constraint) error { _, err := c.Smaller(); return err }, []string{"a"}},
		{"smaller or equal", "size", 2, func(c *Constraint) error {
			if _, err := c.Smaller(); err != nil {
				return err
			}
			_, err := c.Equal()
			return err
		}, []string{"a", "b", "d"}},
		{"greater", "size", 3, func(c *Constraint) error { _, err := c.Greater(); return err }, []string{"x", "y", "z"}},
		{"not equal", "size", 2, func(c *Constraint) error { _, err := c.Not(); return err }, []string{"a", "c", "x", "y", "z"}},
		{"not greater", "size", 3, func(c *Constraint) error {
			if _, err := c.Greater(); err != nil {
				return err
			}
			_, err := c.Not()
			return err
		}, []string{"a", "b", "c", "d"}},
		{"coerced int width", "size", int32(3), nil, []string{"c"}},
		{"integral float", "size", 3.0, nil, []string{"c"}},
		{"uncoercible", "size", "three", nil, []string{}},
		{"contains", "label", "an", func(c *Constraint) error { _, err := c.Contains(); return err }, []string{"b"}},
		{"like", "label", "BAN", func(c *Constraint) error { _, err := c.Like(); return err }, []string{"b"}},
		{"starts with", "label", "box", func(c *Constraint) error { _, err := c.StartsWith(true); return err }, []string{"x", "y", "z"}},
		{"starts with ignoring case", "label", "BOX", func(c *Constraint) error { _, err := c.StartsWith(false); return err }, []string{"x", "y", "z"}},
		{"starts with case sensitive", "label", "BOX", func(c *Constraint) error { _, err := c.StartsWith(true); return err }, []string{}},
		{"ends with", "label", "e", func(c *Constraint) error { _, err := c.EndsWith(true); return err }, []string{"a", "d"}},
		{"null", "label", nil, nil, []string{}},
	}

	for _, tc := range tests {
		for _, seeding := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/index=%v", tc.name, seeding), func(t *testing.T) {
				t.Parallel()
				f := newInventory(t)

				q := f.query(WithIndexSeeding(seeding))
				must(t)(q.ConstrainClass("Item"))
				c := must(t)(q.Descend(tc.field).Constrain(tc.value))
				if tc.refine != nil {
					require.NoError(t, tc.refine(c))
				}
				require.ElementsMatch(t, tc.expected, f.run(q))
			})
		}
	}
}

func TestNullValues(t *testing.T) {
	t.Parallel()
	f := newInventory(t)
	f.insert("n", "Item", map[string]any{"size": 4})

	q := f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(q.Descend("label").Constrain(nil))
	require.Equal(t, []string{"n"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(must(t)(q.Descend("label").Constrain(nil)).Not())
	require.Equal(t, []string{"a", "b", "c", "d", "x", "y", "z"}, f.run(q))
}

func TestJoins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		build    func(t *testing.T, q *Query)
		expected []string
	}{
		{
			name: "implicit and",
			build: func(t *testing.T, q *Query) {
				must(t)(q.Descend("size").Constrain(1))
				must(t)(q.Descend("size").Constrain(2))
			},
			expected: []string{},
		},
		{
			name: "and",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				two := must(t)(q.Descend("size").Constrain(2))
				must(t)(one.And(two))
			},
			expected: []string{},
		},
		{
			name: "or",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				two := must(t)(q.Descend("size").Constrain(2))
				must(t)(one.Or(two))
			},
			expected: []string{"a", "b"},
		},
		{
			name: "or reversed",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				two := must(t)(q.Descend("size").Constrain(2))
				must(t)(two.Or(one))
			},
			expected: []string{"a", "b"},
		},
		{
			name: "not or",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				two := must(t)(q.Descend("size").Constrain(2))
				must(t)(must(t)(one.Or(two)).Not())
			},
			expected: []string{"c"},
		},
		{
			name: "not and",
			build: func(t *testing.T, q *Query) {
				big := must(t)(must(t)(q.Descend("size").Constrain(1)).Greater())
				red := must(t)(q.Descend("label").Constrain("cherry"))
				must(t)(must(t)(big.And(red)).Not())
			},
			expected: []string{"a", "b"},
		},
		{
			name: "nested",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				two := must(t)(q.Descend("size").Constrain(2))
				banana := must(t)(must(t)(q.Descend("label").Constrain("B")).StartsWith(true))
				must(t)(must(t)(one.Or(two)).And(banana))
			},
			expected: []string{"b"},
		},
		{
			name: "or across fields",
			build: func(t *testing.T, q *Query) {
				one := must(t)(q.Descend("size").Constrain(1))
				cherry := must(t)(q.Descend("label").Constrain("cherry"))
				must(t)(cherry.Or(one))
			},
			expected: []string{"a", "c"},
		},
	}

	for _, tc := range tests {
		for _, optimize := range []bool{true, false} {
			t.Run(fmt.Sprintf("%s/optimize=%v", tc.name, optimize), func(t *testing.T) {
				t.Parallel()
				f := newInventory(t)

				q := f.query(WithOptimizeJoins(optimize))
				must(t)(q.ConstrainClassExact("Item"))
				tc.build(t, q)
				require.Equal(t, tc.expected, f.run(q))
			})
		}
	}
}

func TestDescend(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.Descend("content").Descend("size").Constrain(1))
	require.Equal(t, []string{"x"}, f.run(q))

	// Boxes without content hold no value of size 1.
	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(must(t)(q.Descend("content").Descend("size").Constrain(1)).Not())
	require.Equal(t, []string{"y", "z"}, f.run(q))

	q = f.query()
	must(t)(q.Descend("content").Descend("size").Constrain(2))
	require.Equal(t, []string{"y"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Label"))
	must(t)(q.Descend("target").Descend("label").Constrain("apple"))
	require.Equal(t, []string{"l"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(q.Descend("undeclared").Constrain(1))
	require.Empty(t, f.run(q))
}

func TestDescendedQueryResults(t *testing.T) {
	t.Parallel()
	f := newInventory(t)
	ctx := context.Background()
	f.insert("w", "Box", map[string]any{"size": 40, "content": f.ids["a"]})

	q := f.query()
	must(t)(q.ConstrainClass("Box"))
	content := q.Descend("content")
	require.Equal(t, []string{"a", "b"}, f.run(content))

	must(t)(must(t)(q.Descend("size").Constrain(20)).Greater())
	ids, err := content.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, f.named(ids))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	require.Equal(t, []string{"a", "c", "b"}, f.run(q.Descend("contents")))
}

func TestArrays(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(q.Descend("tags").Constrain("red"))
	require.Equal(t, []string{"a", "c"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(must(t)(q.Descend("tags").Constrain("red")).Not())
	require.Equal(t, []string{"b", "d", "x", "y", "z"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(must(t)(q.Descend("tags").Constrain("ye")).StartsWith(true))
	require.Equal(t, []string{"b"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.Descend("contents").Descend("size").Constrain(3))
	require.Equal(t, []string{"x"}, f.run(q))

	// Some element of a box in x and y is not of size 3.
	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(must(t)(q.Descend("contents").Descend("size").Constrain(3)).Not())
	require.Equal(t, []string{"x", "y", "z"}, f.run(q))
}

func TestArrayElementJoins(t *testing.T) {
	t.Parallel()

	for _, optimize := range []bool{true, false} {
		t.Run(fmt.Sprintf("optimize=%v", optimize), func(t *testing.T) {
			t.Parallel()
			f := newInventory(t)

			q := f.query(WithOptimizeJoins(optimize))
			must(t)(q.ConstrainClass("Item"))
			yellow := must(t)(q.Descend("tags").Constrain("yellow"))
			green := must(t)(q.Descend("tags").Constrain("green"))
			must(t)(yellow.Or(green))
			require.Equal(t, []string{"a", "b"}, f.run(q))

			q = f.query(WithOptimizeJoins(optimize))
			must(t)(q.ConstrainClass("Item"))
			red := must(t)(q.Descend("tags").Constrain("red"))
			green = must(t)(q.Descend("tags").Constrain("green"))
			must(t)(red.And(green))
			require.Equal(t, []string{"a"}, f.run(q))
		})
	}
}

func TestExamples(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainExample(&datastore.Object{Class: "Item", Fields: map[string]any{"size": 2}}))
	require.Equal(t, []string{"b", "d"}, f.run(q))

	q = f.query()
	must(t)(q.Constrain(&datastore.Object{Class: "Box", Fields: map[string]any{"label": "box-y"}}))
	require.Equal(t, []string{"y"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainExample(&datastore.Object{Class: "Item", Fields: map[string]any{"tags": []string{"red"}}}))
	require.Equal(t, []string{"a", "c"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainExample(&datastore.Object{ID: f.ids["c"], Class: "Item"}))
	require.Equal(t, []string{"c"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.Descend("content").Constrain(&datastore.Object{ID: f.ids["a"], Class: "Item"}))
	require.Equal(t, []string{"x"}, f.run(q))
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(must(t)(q.Constrain(f.ids["b"])).Identity())
	require.Equal(t, []string{"b"}, f.run(q))

	q = f.query()
	must(t)(must(t)(q.Constrain(datastore.ID(999))).Identity())
	require.Empty(t, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(must(t)(q.Descend("content").Constrain(f.ids["b"])).Identity())
	require.Equal(t, []string{"y"}, f.run(q))
}

func TestCallbacks(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainClassExact("Item"))
	must(t)(q.ConstrainFunc(func(_ context.Context, value any) (bool, error) {
		obj := value.(*datastore.Object)
		switch obj.Field("size") {
		case int64(2):
			return true, errors.New("unavailable")
		case int64(3):
			panic("broken callback")
		}
		return true, nil
	}))
	require.Equal(t, []string{"a"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClassExact("Item"))
	must(t)(q.Descend("size").ConstrainFunc(func(_ context.Context, value any) (bool, error) {
		return value.(int64) > 1, nil
	}))
	require.Equal(t, []string{"b", "c"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainFunc(func(_ context.Context, value any) (bool, error) {
		obj := value.(*datastore.Object)
		return obj.Class == "Label", nil
	}))
	require.Equal(t, []string{"l"}, f.run(q))

	_, err := f.query().ConstrainFunc(nil)
	require.Error(t, err)
}

func TestEvaluationFaultsAreIsolated(t *testing.T) {
	t.Parallel()

	for _, seeding := range []bool{true, false} {
		t.Run(fmt.Sprintf("index=%v", seeding), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newInventory(t)

			broken, err := f.store.InsertSlot(ctx, "Item", []byte("not a slot"))
			require.NoError(t, err)
			f.names[broken] = "broken"

			gone := f.insert("gone", "Item", map[string]any{"size": 5})
			f.insert("w", "Box", map[string]any{"size": 50, "content": gone})
			require.NoError(t, f.store.Delete(ctx, gone))

			q := f.query(WithIndexSeeding(seeding))
			must(t)(q.ConstrainClass("Item"))
			must(t)(must(t)(q.Descend("size").Constrain(25)).Greater())
			require.Equal(t, []string{"z", "w"}, f.run(q))

			q = f.query(WithIndexSeeding(seeding))
			must(t)(q.ConstrainClass("Box"))
			must(t)(q.Descend("content").Descend("size").Constrain(5))
			require.Empty(t, f.run(q))
		})
	}
}

func TestDescendedFaultsLeaveJoinsToDecide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newInventory(t)

	// The class of the item stays readable, its fields do not.
	raw, err := slot.Encode("Item", nil)
	require.NoError(t, err)
	broken, err := f.store.InsertSlot(ctx, "Item", append(raw, 0xff, 0xff))
	require.NoError(t, err)
	f.names[broken] = "broken"
	f.insert("v", "Box", map[string]any{"size": 40, "label": "box-v", "content": broken})

	faultOnApple := func(_ context.Context, value any) (bool, error) {
		obj := value.(*datastore.Object)
		if obj.Field("size") == int64(1) {
			return false, errors.New("unavailable")
		}
		return true, nil
	}

	// Box x holds the faulting item but its own label satisfies the other
	// operand.
	q := f.query()
	must(t)(q.ConstrainClass("Box"))
	cb := must(t)(q.Descend("content").ConstrainFunc(faultOnApple))
	must(t)(cb.Or(must(t)(q.Descend("label").Constrain("box-x"))))
	require.Equal(t, []string{"x", "y"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.Descend("content").ConstrainFunc(faultOnApple))
	require.Equal(t, []string{"y"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	size := must(t)(q.Descend("content").Descend("size").Constrain(1))
	must(t)(size.Or(must(t)(q.Descend("label").Constrain("box-v"))))
	require.Equal(t, []string{"x", "v"}, f.run(q))

	q = f.query()
	must(t)(q.ConstrainClass("Box"))
	must(t)(q.Descend("content").Descend("size").Constrain(1))
	require.Equal(t, []string{"x"}, f.run(q))
}

func TestUnsupportedOperators(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	class := must(t)(q.ConstrainClass("Item"))
	require.Equal(t, KindClassType, class.Kind())
	require.Empty(t, class.FieldName())
	_, err := class.Smaller()
	unsupported, ok := queryerrors.AsUnsupportedOperatorError(err)
	require.True(t, ok)
	require.Equal(t, "smaller", unsupported.Operator)

	_, err = class.Contains()
	_, ok = queryerrors.AsUnsupportedOperatorError(err)
	require.True(t, ok)

	path := q.Descend("content").Constraints()
	require.Equal(t, KindGroup, path.Kind())
	require.Len(t, path.Members(), 1)
	require.Equal(t, KindPathPlaceholder, path.Members()[0].Kind())
	require.Equal(t, "content", path.Members()[0].FieldName())
	_, err = path.Not()
	_, ok = queryerrors.AsUnsupportedOperatorError(err)
	require.True(t, ok)

	value := must(t)(q.Descend("size").Constrain(1))
	require.Equal(t, KindObjectValue, value.Kind())
	require.Equal(t, "size", value.FieldName())
	require.Empty(t, value.Members())
	_, err = value.Like()
	_, ok = queryerrors.AsUnsupportedOperatorError(err)
	require.True(t, ok)

	cb := must(t)(q.ConstrainFunc(func(context.Context, any) (bool, error) { return true, nil }))
	require.Equal(t, KindCallback, cb.Kind())
	_, err = cb.Greater()
	_, ok = queryerrors.AsUnsupportedOperatorError(err)
	require.True(t, ok)

	_, err = must(t)(cb.Not()).Not()
	require.NoError(t, err)
}

func TestDeepNesting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	const depth = 40
	inner := f.insert("inner", "Item", map[string]any{"size": 7})
	current := inner
	for i := range depth {
		current = f.insert(fmt.Sprintf("box%d", i), "Box", map[string]any{"content": current})
	}

	q := f.query()
	must(t)(q.ConstrainClass("Box"))
	sub := q
	for range depth {
		sub = sub.Descend("content")
	}
	must(t)(sub.Descend("size").Constrain(7))
	require.Equal(t, []string{fmt.Sprintf("box%d", depth-1)}, f.run(q))
}

func TestSortBy(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	q := f.query()
	must(t)(q.ConstrainClassExact("Item"))
	q.SortBy(func(a, b *datastore.Object) int {
		return -compareInt(a.Field("size").(int64), b.Field("size").(int64))
	})
	require.Equal(t, []string{"c", "b", "a"}, f.run(q))
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func TestCancellation(t *testing.T) {
	t.Parallel()
	f := newInventory(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := f.query()
	must(t)(q.ConstrainClass("Item"))
	must(t)(must(t)(q.Descend("size").Constrain(0)).Greater())

	_, err := q.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = q.ExecuteSnapshot(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var lazyErr error
	for _, err := range q.ExecuteLazy(ctx) {
		lazyErr = err
	}
	require.ErrorIs(t, lazyErr, context.Canceled)
}

func TestLazyStopsEarly(t *testing.T) {
	defer goleak.VerifyNone(t, testutil.GoLeakIgnores()...)
	f := newInventory(t)

	newQuery := func() (*Query, *proxy.ReaderCounts) {
		reader, counts := proxy.NewCountingReader(f.store)
		q := New(reader, f.store.Catalog())
		must(t)(q.ConstrainClass("Item"))
		must(t)(must(t)(q.Descend("size").Constrain(0)).Greater())
		return q, counts
	}

	q, lazyCounts := newQuery()
	var pulled []datastore.ID
	for id, err := range q.ExecuteLazy(context.Background()) {
		require.NoError(t, err)
		pulled = append(pulled, id)
		if len(pulled) == 2 {
			break
		}
	}
	require.Equal(t, []string{"a", "b"}, f.named(pulled))

	q, eagerCounts := newQuery()
	ids, err := q.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 7)
	require.Less(t, lazyCounts.ReadSlot(), eagerCounts.ReadSlot())
}
