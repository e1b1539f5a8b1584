package tree_test

import (
	"cmp"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/authzed/objectdb/internal/tree"
)

func newIntTree(policy tree.DuplicatePolicy[int]) *tree.Tree[int] {
	return tree.New(cmp.Compare[int], policy)
}

func TestAddKeepsOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newIntTree(tree.RejectDuplicates[int])
	for _, v := range []int{5, 3, 9, 1, 7, 2, 8, 6, 4} {
		res := tr.Add(v)
		require.True(res.Inserted)
	}

	require.Equal([]int{1, 2, 3, 4, 5, 6, 7, 8, 9}, tr.Values())
	require.Equal(9, tr.Size())
	require.NoError(tr.Validate())
}

func TestDuplicatePolicies(t *testing.T) {
	t.Parallel()

	t.Run("reject reports existing", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)

		tr := newIntTree(tree.RejectDuplicates[int])
		first := tr.Add(42)
		second := tr.Add(42)

		require.True(first.Inserted)
		require.True(second.AlreadyPresent())
		require.Equal(first.Handle, second.Handle)
		require.Equal(1, tr.Size())
	})

	t.Run("allow inserts both", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)

		tr := newIntTree(nil)
		require.True(tr.Add(42).Inserted)
		require.True(tr.Add(42).Inserted)
		require.Equal([]int{42, 42}, tr.Values())
		require.NoError(tr.Validate())
	})

	t.Run("conditional", func(t *testing.T) {
		t.Parallel()
		require := require.New(t)

		evenMayRepeat := func(v int) bool { return v%2 == 0 }
		tr := newIntTree(evenMayRepeat)
		tr.Add(2)
		tr.Add(3)
		require.True(tr.Add(2).Inserted)
		require.False(tr.Add(3).Inserted)
		require.Equal([]int{2, 2, 3}, tr.Values())
	})
}

func TestRangeLookups(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newIntTree(tree.RejectDuplicates[int])
	for _, v := range []int{10, 20, 30, 40, 50} {
		tr.Add(v)
	}

	h, ok := tr.FindGreaterOrEqual(25)
	require.True(ok)
	require.Equal(30, tr.Value(h))

	h, ok = tr.FindGreaterOrEqual(30)
	require.True(ok)
	require.Equal(30, tr.Value(h))

	_, ok = tr.FindGreaterOrEqual(51)
	require.False(ok)

	h, ok = tr.FindSmaller(30)
	require.True(ok)
	require.Equal(20, tr.Value(h))

	_, ok = tr.FindSmaller(10)
	require.False(ok)

	h, ok = tr.First()
	require.True(ok)
	require.Equal(10, tr.Value(h))

	h, ok = tr.Last()
	require.True(ok)
	require.Equal(50, tr.Value(h))
}

func TestRemoveHandleRemovesExactNode(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	type entry struct {
		key, tag int
	}
	tr := tree.New(func(a, b entry) int { return cmp.Compare(a.key, b.key) }, nil)

	handles := make(map[int]tree.Handle)
	for tag := range 6 {
		res := tr.Add(entry{key: 7, tag: tag})
		handles[tag] = res.Handle
	}
	tr.Add(entry{key: 1})
	tr.Add(entry{key: 9})

	require.True(tr.RemoveHandle(handles[3]))
	require.False(tr.RemoveHandle(handles[3]))
	require.NoError(tr.Validate())

	var tags []int
	tr.Traverse(func(_ tree.Handle, e entry) bool {
		if e.key == 7 {
			tags = append(tags, e.tag)
		}
		return true
	})
	require.Len(tags, 5)
	require.NotContains(tags, 3)
}

func TestFilter(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newIntTree(tree.RejectDuplicates[int])
	for v := range 100 {
		tr.Add(v)
	}
	tr.Filter(func(v int) bool { return v%3 == 0 })

	require.Equal(34, tr.Size())
	require.NoError(tr.Validate())
	for _, v := range tr.Values() {
		require.Zero(v % 3)
	}
}

func TestTraverseFromLeavesAllowsRemoval(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tr := newIntTree(tree.RejectDuplicates[int])
	for _, v := range []int{8, 4, 12, 2, 6, 10, 14} {
		tr.Add(v)
	}

	var visited []int
	tr.TraverseFromLeaves(func(h tree.Handle, v int) {
		visited = append(visited, v)
		if v%4 == 0 {
			tr.RemoveHandle(h)
		}
	})

	require.Len(visited, 7)
	require.Equal([]int{2, 6, 10, 14}, tr.Values())
	require.NoError(tr.Validate())
}

func TestTraverseStopsEarly(t *testing.T) {
	t.Parallel()

	tr := newIntTree(tree.RejectDuplicates[int])
	for v := range 10 {
		tr.Add(v)
	}

	var seen []int
	for _, v := range tr.All() {
		if v == 4 {
			break
		}
		seen = append(seen, v)
	}
	require.Equal(t, []int{0, 1, 2, 3}, seen)
}

func TestSortedInsertStaysShallow(t *testing.T) {
	t.Parallel()

	tr := newIntTree(tree.RejectDuplicates[int])
	for v := range 4096 {
		tr.Add(v)
	}
	require.NoError(t, tr.Validate())
	require.Equal(t, 4096, tr.Size())

	// A degenerate tree would take 4096 steps to reach the last key.
	steps := 0
	probe := tree.New(func(a, b int) int {
		steps++
		return cmp.Compare(a, b)
	}, tree.RejectDuplicates[int])
	for v := range 4096 {
		probe.Add(v)
	}
	steps = 0
	_, ok := probe.Find(4095)
	require.True(t, ok)
	require.Less(t, steps, 64)
}

func TestTreeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := newIntTree(tree.RejectDuplicates[int])
		present := map[int]bool{}

		ops := rapid.SliceOfN(rapid.IntRange(-50, 50), 1, 200).Draw(t, "ops")
		removes := rapid.SliceOfN(rapid.Bool(), len(ops), len(ops)).Draw(t, "removes")
		for i, v := range ops {
			if removes[i] {
				removed := tr.Remove(v)
				require.Equal(t, present[v], removed)
				delete(present, v)

				_, found := tr.Find(v)
				require.False(t, found)
			} else {
				res := tr.Add(v)
				require.Equal(t, !present[v], res.Inserted)
				present[v] = true
			}
			require.NoError(t, tr.Validate())
		}

		expected := make([]int, 0, len(present))
		for v := range present {
			expected = append(expected, v)
		}
		slices.Sort(expected)

		require.Equal(t, expected, tr.Values())
		require.Equal(t, len(present), tr.Size())
	})
}

func TestTreePropertiesWithDuplicates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := newIntTree(tree.AllowDuplicates[int])
		values := rapid.SliceOfN(rapid.IntRange(0, 10), 1, 150).Draw(t, "values")
		for _, v := range values {
			require.True(t, tr.Add(v).Inserted)
		}
		require.NoError(t, tr.Validate())

		sorted := slices.Clone(values)
		slices.Sort(sorted)
		require.Equal(t, sorted, tr.Values())

		victim := rapid.SampledFrom(values).Draw(t, "victim")
		require.True(t, tr.Remove(victim))
		require.NoError(t, tr.Validate())
		require.Equal(t, len(values)-1, tr.Size())
	})
}
