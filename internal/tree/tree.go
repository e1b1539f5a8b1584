// Package tree implements the size-balanced binary search tree that backs
// every ordered structure of the query engine: candidate sets, pending join
// results, ordering ranks and id de-duplication.
//
// Nodes live in an arena and are addressed by Handle, so a node can be
// replaced or removed without leaving dangling references behind.
package tree

import (
	"fmt"
	"iter"
)

// Handle addresses a node inside a Tree's arena.
type Handle int32

// NoHandle is the zero-value for an absent node.
const NoHandle Handle = -1

// balanceThreshold is the difference in subtree sizes that triggers a
// rotation.
const balanceThreshold = 2

// DuplicatePolicy decides whether a value that compares equal to an existing
// node may be inserted as a separate node. Returning false makes Add report
// the existing node instead.
type DuplicatePolicy[T any] func(value T) bool

// AllowDuplicates inserts every value, even when an equal one is present.
func AllowDuplicates[T any](T) bool { return true }

// RejectDuplicates reports the existing node for every equal value.
func RejectDuplicates[T any](T) bool { return false }

// InsertResult is returned by Add. Inserted is false when the tree rejected
// the value as a duplicate, in which case Handle addresses the existing node.
type InsertResult struct {
	Handle   Handle
	Inserted bool
}

// AlreadyPresent returns true if Add found an existing equal node.
func (r InsertResult) AlreadyPresent() bool { return !r.Inserted }

type node[T any] struct {
	value      T
	preceding  Handle
	subsequent Handle
	size       int
	live       bool
	gen        uint32
}

// Tree is an ordered collection keyed by a comparison function.
//
// Values comparing smaller go to the preceding side, values comparing larger
// go to the subsequent side and accepted duplicates go to the preceding side.
// The zero value is not usable; construct with New.
type Tree[T any] struct {
	nodes   []node[T]
	free    []Handle
	gen     uint32
	root    Handle
	compare func(a, b T) int
	policy  DuplicatePolicy[T]
}

// New creates an empty tree. A nil policy allows duplicates.
func New[T any](compare func(a, b T) int, policy DuplicatePolicy[T]) *Tree[T] {
	if policy == nil {
		policy = AllowDuplicates[T]
	}
	return &Tree[T]{
		root:    NoHandle,
		compare: compare,
		policy:  policy,
	}
}

// Size returns the number of live nodes.
func (t *Tree[T]) Size() int {
	return t.sizeOf(t.root)
}

// IsEmpty returns true if the tree holds no nodes.
func (t *Tree[T]) IsEmpty() bool {
	return t.root == NoHandle
}

// Value returns the value stored at the handle.
func (t *Tree[T]) Value(h Handle) T {
	return t.nodes[h].value
}

// Clear drops every node.
func (t *Tree[T]) Clear() {
	t.nodes = t.nodes[:0]
	t.free = t.free[:0]
	t.root = NoHandle
}

// Add inserts the value, honoring the tree's duplicate policy.
func (t *Tree[T]) Add(value T) InsertResult {
	if t.root == NoHandle {
		h := t.alloc(value)
		t.root = h
		return InsertResult{Handle: h, Inserted: true}
	}

	var res InsertResult
	t.root = t.add(t.root, value, &res)
	return res
}

func (t *Tree[T]) add(h Handle, value T, res *InsertResult) Handle {
	cmp := t.compare(value, t.nodes[h].value)
	switch {
	case cmp > 0:
		next := t.nodes[h].subsequent
		if next == NoHandle {
			nh := t.alloc(value)
			t.nodes[h].subsequent = nh
			t.nodes[h].size++
			*res = InsertResult{Handle: nh, Inserted: true}
			return h
		}
		t.nodes[h].subsequent = t.add(next, value, res)
		if !res.Inserted {
			return h
		}
		if t.nodes[h].preceding == NoHandle {
			return t.rotateLeft(h)
		}
		return t.balance(h)

	case cmp < 0 || t.policy(value):
		next := t.nodes[h].preceding
		if next == NoHandle {
			nh := t.alloc(value)
			t.nodes[h].preceding = nh
			t.nodes[h].size++
			*res = InsertResult{Handle: nh, Inserted: true}
			return h
		}
		t.nodes[h].preceding = t.add(next, value, res)
		if !res.Inserted {
			return h
		}
		if t.nodes[h].subsequent == NoHandle {
			return t.rotateRight(h)
		}
		return t.balance(h)

	default:
		*res = InsertResult{Handle: h, Inserted: false}
		return h
	}
}

// Find returns the handle of a node comparing equal to the key.
func (t *Tree[T]) Find(key T) (Handle, bool) {
	h := t.root
	for h != NoHandle {
		cmp := t.compare(key, t.nodes[h].value)
		switch {
		case cmp < 0:
			h = t.nodes[h].preceding
		case cmp > 0:
			h = t.nodes[h].subsequent
		default:
			return h, true
		}
	}
	return NoHandle, false
}

// FindGreaterOrEqual returns the smallest node that does not compare smaller
// than the key.
func (t *Tree[T]) FindGreaterOrEqual(key T) (Handle, bool) {
	found := NoHandle
	h := t.root
	for h != NoHandle {
		cmp := t.compare(key, t.nodes[h].value)
		if cmp <= 0 {
			found = h
			if cmp == 0 && t.nodes[h].preceding == NoHandle {
				break
			}
			h = t.nodes[h].preceding
			continue
		}
		h = t.nodes[h].subsequent
	}
	return found, found != NoHandle
}

// FindSmaller returns the largest node comparing strictly smaller than the
// key.
func (t *Tree[T]) FindSmaller(key T) (Handle, bool) {
	found := NoHandle
	h := t.root
	for h != NoHandle {
		if t.compare(key, t.nodes[h].value) > 0 {
			found = h
			h = t.nodes[h].subsequent
			continue
		}
		h = t.nodes[h].preceding
	}
	return found, found != NoHandle
}

// First returns the smallest node.
func (t *Tree[T]) First() (Handle, bool) {
	h := t.root
	if h == NoHandle {
		return NoHandle, false
	}
	for t.nodes[h].preceding != NoHandle {
		h = t.nodes[h].preceding
	}
	return h, true
}

// Last returns the largest node.
func (t *Tree[T]) Last() (Handle, bool) {
	h := t.root
	if h == NoHandle {
		return NoHandle, false
	}
	for t.nodes[h].subsequent != NoHandle {
		h = t.nodes[h].subsequent
	}
	return h, true
}

// Remove deletes the first node found comparing equal to the key. It returns
// false if no such node exists.
func (t *Tree[T]) Remove(key T) bool {
	removed := false
	t.root = t.removeLike(t.root, key, &removed)
	return removed
}

func (t *Tree[T]) removeLike(h Handle, key T, removed *bool) Handle {
	if h == NoHandle {
		return NoHandle
	}
	cmp := t.compare(key, t.nodes[h].value)
	switch {
	case cmp == 0:
		*removed = true
		return t.removeAt(h)
	case cmp < 0:
		t.nodes[h].preceding = t.removeLike(t.nodes[h].preceding, key, removed)
	default:
		t.nodes[h].subsequent = t.removeLike(t.nodes[h].subsequent, key, removed)
	}
	t.calculateSize(h)
	return h
}

// RemoveHandle deletes exactly the addressed node, even when other nodes
// compare equal to it.
func (t *Tree[T]) RemoveHandle(target Handle) bool {
	if target == NoHandle || int(target) >= len(t.nodes) || !t.nodes[target].live {
		return false
	}
	removed := false
	t.root = t.removeNode(t.root, target, &removed)
	return removed
}

func (t *Tree[T]) removeNode(h, target Handle, removed *bool) Handle {
	if h == NoHandle {
		return NoHandle
	}
	if h == target {
		*removed = true
		return t.removeAt(h)
	}
	cmp := t.compare(t.nodes[target].value, t.nodes[h].value)
	if cmp <= 0 && !*removed {
		t.nodes[h].preceding = t.removeNode(t.nodes[h].preceding, target, removed)
	}
	if cmp >= 0 && !*removed {
		t.nodes[h].subsequent = t.removeNode(t.nodes[h].subsequent, target, removed)
	}
	t.calculateSize(h)
	return h
}

// removeAt unlinks h and returns the handle replacing it. The in-order
// successor is promoted when both children exist.
func (t *Tree[T]) removeAt(h Handle) Handle {
	preceding, subsequent := t.nodes[h].preceding, t.nodes[h].subsequent
	t.release(h)

	switch {
	case preceding != NoHandle && subsequent != NoHandle:
		successor := t.rotateSmallestUp(subsequent)
		t.nodes[successor].preceding = preceding
		t.calculateSize(successor)
		return successor
	case subsequent != NoHandle:
		return subsequent
	default:
		return preceding
	}
}

func (t *Tree[T]) rotateSmallestUp(h Handle) Handle {
	if p := t.nodes[h].preceding; p != NoHandle {
		t.nodes[h].preceding = t.rotateSmallestUp(p)
		return t.rotateRight(h)
	}
	return h
}

// Filter removes every node whose value does not satisfy the predicate.
func (t *Tree[T]) Filter(keep func(T) bool) {
	t.root = t.filter(t.root, keep)
}

func (t *Tree[T]) filter(h Handle, keep func(T) bool) Handle {
	if h == NoHandle {
		return NoHandle
	}
	t.nodes[h].preceding = t.filter(t.nodes[h].preceding, keep)
	t.nodes[h].subsequent = t.filter(t.nodes[h].subsequent, keep)
	if !keep(t.nodes[h].value) {
		return t.removeAt(h)
	}
	t.calculateSize(h)
	return h
}

// Traverse visits every node in ascending order until the visitor returns
// false. The tree must not be modified during the walk.
func (t *Tree[T]) Traverse(visit func(Handle, T) bool) {
	var stack []Handle
	h := t.root
	for h != NoHandle || len(stack) > 0 {
		for h != NoHandle {
			stack = append(stack, h)
			h = t.nodes[h].preceding
		}
		h = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(h, t.nodes[h].value) {
			return
		}
		h = t.nodes[h].subsequent
	}
}

// All returns an ascending iterator over the tree.
func (t *Tree[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		t.Traverse(yield)
	}
}

// Values returns the values in ascending order.
func (t *Tree[T]) Values() []T {
	out := make([]T, 0, t.Size())
	t.Traverse(func(_ Handle, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// TraverseFromLeaves visits every node children-first. The visitor may add or
// remove nodes; nodes removed before their turn are skipped and nodes added
// during the walk are not visited.
func (t *Tree[T]) TraverseFromLeaves(visit func(Handle, T)) {
	order := make([]Handle, 0, t.Size())
	var walk func(Handle)
	walk = func(h Handle) {
		if h == NoHandle {
			return
		}
		walk(t.nodes[h].preceding)
		walk(t.nodes[h].subsequent)
		order = append(order, h)
	}
	walk(t.root)

	gens := make([]uint32, len(order))
	for i, h := range order {
		gens[i] = t.nodes[h].gen
	}
	for i, h := range order {
		if !t.nodes[h].live || t.nodes[h].gen != gens[i] {
			continue
		}
		visit(h, t.nodes[h].value)
	}
}

// Validate checks the size invariant and the ordering of every node.
func (t *Tree[T]) Validate() error {
	if _, err := t.validate(t.root); err != nil {
		return err
	}

	var prev *T
	var err error
	t.Traverse(func(h Handle, v T) bool {
		if prev != nil && t.compare(*prev, v) > 0 {
			err = fmt.Errorf("node %d is out of order", h)
			return false
		}
		prev = &v
		return true
	})
	return err
}

func (t *Tree[T]) validate(h Handle) (int, error) {
	if h == NoHandle {
		return 0, nil
	}
	if !t.nodes[h].live {
		return 0, fmt.Errorf("node %d is reachable but released", h)
	}
	p, err := t.validate(t.nodes[h].preceding)
	if err != nil {
		return 0, err
	}
	s, err := t.validate(t.nodes[h].subsequent)
	if err != nil {
		return 0, err
	}
	if size := 1 + p + s; size != t.nodes[h].size {
		return 0, fmt.Errorf("node %d has size %d, expected %d", h, t.nodes[h].size, size)
	}
	return t.nodes[h].size, nil
}

func (t *Tree[T]) balance(h Handle) Handle {
	diff := t.sizeOf(t.nodes[h].subsequent) - t.sizeOf(t.nodes[h].preceding)
	switch {
	case diff < -balanceThreshold:
		return t.rotateRight(h)
	case diff > balanceThreshold:
		return t.rotateLeft(h)
	default:
		t.calculateSize(h)
		return h
	}
}

func (t *Tree[T]) rotateLeft(h Handle) Handle {
	pivot := t.nodes[h].subsequent
	t.nodes[h].subsequent = t.nodes[pivot].preceding
	t.calculateSize(h)
	t.nodes[pivot].preceding = h
	t.calculateSize(pivot)
	return pivot
}

func (t *Tree[T]) rotateRight(h Handle) Handle {
	pivot := t.nodes[h].preceding
	t.nodes[h].preceding = t.nodes[pivot].subsequent
	t.calculateSize(h)
	t.nodes[pivot].subsequent = h
	t.calculateSize(pivot)
	return pivot
}

func (t *Tree[T]) calculateSize(h Handle) {
	t.nodes[h].size = 1 + t.sizeOf(t.nodes[h].preceding) + t.sizeOf(t.nodes[h].subsequent)
}

func (t *Tree[T]) sizeOf(h Handle) int {
	if h == NoHandle {
		return 0
	}
	return t.nodes[h].size
}

func (t *Tree[T]) alloc(value T) Handle {
	t.gen++
	n := node[T]{
		gen:        t.gen,
		value:      value,
		preceding:  NoHandle,
		subsequent: NoHandle,
		size:       1,
		live:       true,
	}
	if l := len(t.free); l > 0 {
		h := t.free[l-1]
		t.free = t.free[:l-1]
		t.nodes[h] = n
		return h
	}
	t.nodes = append(t.nodes, n)
	return Handle(len(t.nodes) - 1)
}

func (t *Tree[T]) release(h Handle) {
	var zero T
	t.nodes[h] = node[T]{value: zero, preceding: NoHandle, subsequent: NoHandle}
	t.free = append(t.free, h)
}
