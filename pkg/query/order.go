package query

import (
	"cmp"

	"github.com/authzed/objectdb/internal/tree"
	"github.com/authzed/objectdb/pkg/schema"
)

// orderEntry is a candidate's value for an ordered constraint. Entries that
// compare equal share a group so they receive the same rank.
type orderEntry struct {
	constraint *Constraint
	candidate  *candidate
	value      any
	group      int
}

func (e *execution) compareOrderEntries(a, b *orderEntry) int {
	c, ok := schema.Compare(a.value, b.value)
	if !ok {
		c = cmp.Compare(schema.KindOf(a.value), schema.KindOf(b.value))
	}
	if a.constraint.ordering < 0 {
		c = -c
	}
	if c == 0 {
		e.shareGroup(a, b)
	}
	return c
}

func (e *execution) shareGroup(a, b *orderEntry) {
	switch {
	case a.group == 0 && b.group == 0:
		e.lastGroup++
		a.group, b.group = e.lastGroup, e.lastGroup
	case a.group == 0:
		a.group = b.group
	case b.group == 0:
		b.group = a.group
	}
}

func sameGroup(a, b *orderEntry) bool {
	return a != nil && a.group != 0 && a.group == b.group
}

// addOrder records the candidate's value for the ordered constraint.
func (s *candidateSet) addOrder(c *Constraint, cand *candidate, value any) {
	if s.ordered == nil {
		s.ordered = tree.New(s.exec.compareOrderEntries, tree.AllowDuplicates[*orderEntry])
	}
	s.ordered.Add(&orderEntry{constraint: c, candidate: cand, value: value})
}

// applyOrdering hands the order entries the constraint collected in its
// current set to the set of its root constraint.
func (e *execution) applyOrdering(c *Constraint) {
	if c.ordering == 0 {
		return
	}
	st := e.state(c)
	if st.detached || st.set == nil || st.set.ordered == nil {
		return
	}
	ordered := st.set.ordered
	st.set.ordered = nil

	target := e.state(c.root()).set
	if target == nil {
		return
	}
	target.applyOrdering(ordered, c.ordering)
}

// applyOrdering ranks the root candidates of the set by the order entries.
// The most significant ordering applied so far provides the major rank;
// less significant ones append minor ranks.
func (s *candidateSet) applyOrdering(ordered *tree.Tree[*orderEntry], ordering int) {
	if ordered.IsEmpty() || s.tree.IsEmpty() {
		return
	}

	significance := ordering
	if significance < 0 {
		significance = -significance
	}
	major := s.majorOrdering == 0 || significance <= s.majorOrdering

	if major && s.majorOrdering != 0 && significance < s.majorOrdering {
		for _, cand := range s.tree.Values() {
			if cand.rank != nil {
				cand.rank.swapMajorToMinor()
			}
		}
	}

	position := 0
	var last *orderEntry
	ordered.Traverse(func(_ tree.Handle, entry *orderEntry) bool {
		if !sameGroup(last, entry) {
			position++
		}
		root := entry.candidate.rootCandidate()
		if root.rank == nil {
			root.rank = &rank{}
		}
		root.rank.hint(position, significance, major)
		last = entry
		return true
	})

	if major {
		s.majorOrdering = significance
	}
	s.recreate()
}
