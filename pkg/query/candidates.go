package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/authzed/objectdb/internal/tree"
	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/datastore"
)

// candidateSet holds the candidates of one class, or of one field of the
// parent set's candidates, together with the constraints evaluated on them.
type candidateSet struct {
	exec *execution

	// class is the common class of the candidates, empty if unknown.
	class     string
	fieldName string

	constraints []*Constraint
	tree        *tree.Tree[*candidate]

	ordered       *tree.Tree[*orderEntry]
	majorOrdering int
}

func newCandidateSet(e *execution, class, fieldName string) *candidateSet {
	s := &candidateSet{exec: e, class: class, fieldName: fieldName}
	s.reset()
	return s
}

func (s *candidateSet) reset() {
	s.tree = tree.New(compareCandidates, rootedMayRepeat)
	s.ordered = nil
	s.majorOrdering = 0
}

func (s *candidateSet) addConstraint(c *Constraint) {
	if !slices.Contains(s.constraints, c) {
		s.constraints = append(s.constraints, c)
	}
}

// add inserts the candidate and returns the candidate held by the set, which
// is an earlier one for a rejected duplicate.
func (s *candidateSet) add(c *candidate) *candidate {
	res := s.tree.Add(c)
	return s.tree.Value(res.Handle)
}

func (s *candidateSet) isEmpty() bool { return s.tree.IsEmpty() }

// recreate rebuilds the tree after candidate ranks changed.
func (s *candidateSet) recreate() {
	values := s.tree.Values()
	s.tree = tree.New(compareCandidates, rootedMayRepeat)
	for _, c := range values {
		s.tree.Add(c)
	}
}

func (s *candidateSet) useField(name string) {
	s.tree.Traverse(func(_ tree.Handle, c *candidate) bool {
		c.useField(name)
		return true
	})
}

// filter visits every candidate and drops the ones excluded meanwhile.
func (s *candidateSet) filter(visit func(*candidate)) {
	for _, c := range s.tree.Values() {
		if c.include {
			visit(c)
		}
	}
	s.tree.Filter(func(c *candidate) bool { return c.include })
}

// fitsRoot adds a root constraint's class to the set if both share a common
// ancestor. A set of unknown class takes every root.
func (s *candidateSet) fitsRoot(c *Constraint) bool {
	if s.class == "" {
		return true
	}
	if c.class == "" {
		return false
	}
	common, ok := s.exec.catalog.CommonAncestor(s.class, c.class)
	if !ok {
		return false
	}
	s.class = common
	return true
}

// tryAdd adds a constraint on the same field as the set, widening the set's
// class to the common ancestor when needed.
func (s *candidateSet) tryAdd(c *Constraint) bool {
	if s.fieldName != c.fieldName {
		return false
	}
	if s.class == "" || c.isNullConstraint() {
		s.addConstraint(c)
		return true
	}
	class := c.childClass()
	if class == "" {
		return false
	}
	common, ok := s.exec.catalog.CommonAncestor(s.class, class)
	if !ok {
		return false
	}
	s.class = common
	s.addConstraint(c)
	return true
}

// evaluate runs the evaluation phases over the set's candidates. Every phase
// completes for all constraints of the set before the next one starts.
func (s *candidateSet) evaluate() {
	if s.isEmpty() {
		return
	}
	e := s.exec

	for _, c := range s.constraints {
		e.beginCycle(c, s)
	}

	steps := []struct {
		phase phase
		run   func(*Constraint)
	}{
		{phaseSelfEvaluated, s.evaluateSelf},
		{phaseSimpleChildrenEvaluated, s.evaluateSimpleChildren},
		{phaseCallbacksEvaluated, s.evaluateCallbacks},
		{phaseChildSetsCreated, s.createChildSets},
		{phaseChildrenCollected, s.collectChildren},
		{phaseChildrenEvaluated, s.evaluateChildren},
	}
	for _, step := range steps {
		for _, c := range s.constraints {
			if e.err != nil {
				return
			}
			step.run(c)
			e.advance(c, step.phase)
		}
	}
}

func (s *candidateSet) evaluateSelf(c *Constraint) {
	e := s.exec
	s.useField("")
	s.filter(func(cand *candidate) { e.visit(c, cand) })
	if c.parent == nil {
		e.applyOrdering(c)
	}
}

func (s *candidateSet) evaluateSimpleChildren(c *Constraint) {
	e := s.exec
	for _, child := range c.children {
		if !child.isSimple() {
			continue
		}
		st := e.state(child)
		st.set = s
		s.useField(child.fieldName)
		s.filter(func(cand *candidate) { e.visit(child, cand) })
		e.applyOrdering(child)
		s.ordered = nil
	}
}

func (s *candidateSet) evaluateCallbacks(c *Constraint) {
	e := s.exec
	for _, child := range c.children {
		switch {
		case child.kind == KindCallback:
			e.state(child).set = s
			s.useField("")
			s.filter(func(cand *candidate) { e.visit(child, cand) })

		case child.isSimple():
			for _, grandchild := range child.children {
				if grandchild.kind != KindCallback {
					continue
				}
				e.state(grandchild).set = s
				s.useField(child.fieldName)
				s.filter(func(cand *candidate) { e.visit(grandchild, cand) })
			}
		}
	}
}

func (s *candidateSet) createChildSets(c *Constraint) {
	e := s.exec
	st := e.state(c)
	for _, child := range c.children {
		if !child.needsChildSet() {
			continue
		}
		placed := false
		for _, cs := range st.childSets {
			if cs.tryAdd(child) {
				placed = true
				break
			}
		}
		if !placed {
			cs := newCandidateSet(e, child.childClass(), child.fieldName)
			cs.addConstraint(child)
			st.childSets = append(st.childSets, cs)
		}
	}
}

func (s *candidateSet) collectChildren(c *Constraint) {
	for _, cs := range s.exec.state(c).childSets {
		cs.collect(s)
	}
}

func (s *candidateSet) evaluateChildren(c *Constraint) {
	for _, cs := range s.exec.state(c).childSets {
		cs.evaluate()
	}
}

// collect fills the set with the objects the parent's candidates reference
// through the set's field.
func (s *candidateSet) collect(parent *candidateSet) {
	parent.useField(s.fieldName)
	parent.filter(s.visitParent)
}

func (s *candidateSet) visitParent(parent *candidate) {
	if parent.createChild(s) {
		return
	}
	root := parent.rootCandidate()
	for _, k := range s.constraints {
		s.exec.visitOnNull(k, root)
	}
}

// finalize resolves the joins still pending on the set's candidates.
func (s *candidateSet) finalize() {
	for _, c := range s.tree.Values() {
		s.exec.finalize(c.rootCandidate())
	}
	s.tree.Filter(func(c *candidate) bool { return c.include })
}

// included returns the candidates still part of the result, in order.
func (s *candidateSet) included() []*candidate {
	var out []*candidate
	s.tree.Traverse(func(_ tree.Handle, c *candidate) bool {
		if c.include {
			out = append(out, c)
		}
		return true
	})
	return out
}

// seed returns the ids the set starts from: a single identity, the smallest
// matching range of a field index, or the extent of the set's class. With
// firstIndex set the first usable index is taken without comparing sizes.
func (s *candidateSet) seed(firstIndex bool) (datastore.IDIterator, error) {
	e := s.exec

	if id, ok := s.identitySeed(); ok {
		seedsTotal.WithLabelValues(seedIdentity).Inc()
		if _, err := e.reader.ReadSlot(e.ctx, id); err != nil {
			var notFound datastore.ErrObjectNotFound
			if errors.As(err, &notFound) {
				return datastore.NewSliceIDIterator(nil), nil
			}
			return nil, err
		}
		return datastore.NewSliceIDIterator([]datastore.ID{id}), nil
	}

	if e.config.IndexSeeding && s.class != "" {
		it, found, err := s.indexSeed(firstIndex)
		if err != nil {
			return nil, err
		}
		if found {
			seedsTotal.WithLabelValues(seedIndex).Inc()
			return it, nil
		}
	}

	seedsTotal.WithLabelValues(seedExtent).Inc()
	if s.class != "" {
		return e.reader.Extent(e.ctx, s.class)
	}
	return allObjects(e)
}

func (s *candidateSet) identitySeed() (datastore.ID, bool) {
	for _, c := range s.constraints {
		if c.parent != nil || c.kind != KindObjectValue || c.fieldName != "" {
			continue
		}
		if c.eval.operator != OperatorIdentity || c.eval.negated || s.exec.hasJoins(c) {
			continue
		}
		if id, ok := c.literal.(datastore.ID); ok && id.IsPersisted() {
			return id, true
		}
	}
	return 0, false
}

func (s *candidateSet) indexSeed(firstIndex bool) (datastore.IDIterator, bool, error) {
	e := s.exec

	var best []datastore.ID
	found := false
	for _, c := range s.constraints {
		if c.parent != nil || e.hasJoins(c) {
			continue
		}
		for _, child := range c.children {
			if child.kind != KindObjectValue || child.example || child.field == nil || !child.field.IsSimple() {
				continue
			}
			if e.hasJoins(child) || !e.reader.HasIndex(s.class, child.fieldName) {
				continue
			}
			partitions, ok := child.eval.partitions(child.literal)
			if !ok {
				continue
			}

			it, err := e.reader.IndexRange(e.ctx, s.class, child.fieldName, partitions, child.literal)
			if err != nil {
				return nil, false, err
			}
			log.Ctx(e.ctx).Trace().
				Str("class", s.class).
				Str("field", child.fieldName).
				Stringer("partitions", partitions).
				Msg("seeding candidates from field index")
			if firstIndex {
				return it, true, nil
			}

			ids, err := datastore.CollectIDs(it)
			if err != nil {
				return nil, false, err
			}
			if !found || len(ids) < len(best) {
				best, found = ids, true
			}
		}
	}
	if !found {
		return nil, false, nil
	}
	return datastore.NewSliceIDIterator(best), true, nil
}

// allObjects returns the ids of every object of every top level class.
func allObjects(e *execution) (datastore.IDIterator, error) {
	var its []datastore.IDIterator
	for _, class := range e.catalog.TopLevel() {
		it, err := e.reader.Extent(e.ctx, class)
		if err != nil {
			return nil, err
		}
		its = append(its, it)
	}
	return datastore.MergeIDIterators(its...), nil
}

func (s *candidateSet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "set(class=%q field=%q size=%d)", s.class, s.fieldName, s.tree.Size())
	for _, c := range s.constraints {
		fmt.Fprintf(&sb, " #%d", c.seq)
	}
	return sb.String()
}
