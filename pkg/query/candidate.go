package query

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/authzed/objectdb/internal/tree"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/datastore/slot"
	"github.com/authzed/objectdb/pkg/schema"
)

// candidate is one object, or one in-memory value, under evaluation.
//
// A candidate reached by descending into a field points at the top level
// candidate it was reached from through root. Results of constraints
// evaluated on it are reported to that root.
type candidate struct {
	exec *execution

	id      datastore.ID
	include bool
	root    *candidate

	dependants []*candidate
	pending    *tree.Tree[*pendingEntry]
	rank       *rank

	// member holds the value of a synthetic candidate.
	member any

	slot       *slot.Slot
	slotErr    error
	slotLoaded bool

	class       string
	classErr    error
	classLoaded bool

	object *datastore.Object

	// fieldName is the field the candidate is positioned on; empty for the
	// candidate itself.
	fieldName    string
	fieldMissing bool
	value        any
	valueErr     error
	valueLoaded  bool
}

func (c *candidate) synthetic() bool { return !c.id.IsPersisted() }

// rootCandidate returns the top level candidate results are reported to.
func (c *candidate) rootCandidate() *candidate {
	if c.root == nil {
		return c
	}
	return c.root
}

func (c *candidate) addDependant(d *candidate) {
	if d != c {
		c.dependants = append(c.dependants, d)
	}
}

// exclude removes the candidate and, transitively, everything that depends
// on it from the result.
func (c *candidate) exclude() {
	stack := []*candidate{c}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !current.include && current.dependants == nil {
			continue
		}
		current.include = false
		stack = append(stack, current.dependants...)
		current.dependants = nil
	}
}

func (c *candidate) readSlot() (*slot.Slot, error) {
	if !c.slotLoaded {
		c.slotLoaded = true
		c.slot, c.slotErr = c.exec.reader.ReadSlot(c.exec.ctx, c.id)
	}
	return c.slot, c.slotErr
}

// loadClass returns the runtime class of a persisted candidate.
func (c *candidate) loadClass() (string, error) {
	if c.synthetic() {
		return "", nil
	}
	if !c.classLoaded {
		c.classLoaded = true
		s, err := c.readSlot()
		if err != nil {
			c.classErr = err
		} else {
			c.class, c.classErr = s.Class()
		}
		if c.classErr == nil {
			if _, ok := c.exec.catalog.Class(c.class); !ok {
				c.classErr = fmt.Errorf("%w: unknown class `%s`", slot.ErrMalformed, c.class)
			}
		}
	}
	return c.class, c.classErr
}

// useField positions the candidate on a field of its object. The value is
// decoded on first use.
func (c *candidate) useField(name string) {
	if c.fieldName == name && c.valueLoaded {
		return
	}
	c.fieldName = name
	c.fieldMissing = false
	c.value, c.valueErr, c.valueLoaded = nil, nil, false
}

// currentValue returns the value the candidate is positioned on. Without a
// field it is the persisted id, or the member of a synthetic candidate.
func (c *candidate) currentValue() (any, error) {
	if c.fieldName == "" {
		if c.synthetic() {
			return c.member, nil
		}
		return c.id, nil
	}
	if c.synthetic() {
		return nil, nil
	}
	if !c.valueLoaded {
		c.valueLoaded = true
		c.value, c.valueErr = c.decodeField(c.fieldName)
	}
	return c.value, c.valueErr
}

func (c *candidate) decodeField(name string) (any, error) {
	class, err := c.loadClass()
	if err != nil {
		return nil, err
	}
	field, ok := c.exec.catalog.LookupField(class, name)
	if !ok {
		c.fieldMissing = true
		return nil, nil
	}

	s, err := c.readSlot()
	if err != nil {
		return nil, err
	}
	raw, present, err := s.Field(name)
	if err != nil || !present {
		return nil, err
	}
	return schema.DecodeValue(field.Field, raw)
}

// activate materializes the object, or returns the member of a synthetic
// candidate.
func (c *candidate) activate() (any, error) {
	if c.synthetic() {
		return c.member, nil
	}
	if c.object == nil {
		obj, err := c.exec.reader.Activate(c.exec.ctx, c.id)
		if err != nil {
			return nil, err
		}
		c.object = obj
	}
	return c.object, nil
}

// callbackValue is the value handed to evaluation callbacks.
func (c *candidate) callbackValue() (any, error) {
	if c.fieldName == "" {
		return c.activate()
	}
	return c.currentValue()
}

// createChild populates the set with the objects the candidate's current
// field refers to. It returns false if the field holds nothing the set can
// evaluate, in which case the set's constraints are evaluated on null.
func (c *candidate) createChild(s *candidateSet) bool {
	if !c.include {
		return false
	}

	value, err := c.currentValue()
	if err != nil {
		c.exec.decodeFault(c, s.constraints, err)
		return true
	}

	switch v := value.(type) {
	case nil:
		return false

	case []any:
		return c.createArrayChildren(s, v)

	case datastore.ID:
		child, ok := c.exec.referencedCandidate(v, s.class)
		if !ok {
			return false
		}
		child.root = c.rootCandidate()
		c.addDependant(s.add(child))
		return true

	default:
		// A plain value where the field was not statically known.
		for _, k := range s.constraints {
			c.exec.visit(k, c)
		}
		return true
	}
}

// createArrayChildren evaluates every constraint of the set against the
// elements of an array in an isolated set of element candidates. A
// constraint holds for the array if it holds for at least one element.
func (c *candidate) createArrayChildren(s *candidateSet, elements []any) bool {
	if len(elements) == 0 {
		return false
	}

	e := c.exec
	root := c.rootCandidate()
	for _, k := range s.constraints {
		if !c.include {
			break
		}
		if k.fieldName != "" && k.fieldName != s.fieldName {
			continue
		}

		matched, forwarded := e.evaluateElements(k, s.class, elements)
		for _, p := range forwarded {
			e.report(root, p.join, p.reporter, p.result)
		}

		res := matched
		if k.eval.negated {
			res = !matched
		}
		e.visit1(k, root, res)
	}
	return true
}

// rank is the position of a root candidate in an ordered result. Minor
// positions are kept sorted by the significance of their ordering.
type rank struct {
	major             int
	majorSignificance int
	minors            []minorRank
}

type minorRank struct {
	significance int
	position     int
}

func (r *rank) hint(position, significance int, major bool) {
	if major {
		r.major, r.majorSignificance = position, significance
		return
	}
	r.addMinor(minorRank{significance: significance, position: position})
}

func (r *rank) addMinor(m minorRank) {
	i, found := slices.BinarySearchFunc(r.minors, m.significance, func(existing minorRank, significance int) int {
		return cmp.Compare(existing.significance, significance)
	})
	if found {
		r.minors[i] = m
		return
	}
	r.minors = slices.Insert(r.minors, i, m)
}

// swapMajorToMinor demotes the major position when a more significant
// ordering takes over.
func (r *rank) swapMajorToMinor() {
	if r.major == 0 {
		return
	}
	r.addMinor(minorRank{significance: r.majorSignificance, position: r.major})
	r.major, r.majorSignificance = 0, 0
}

func rankPosition(v int) int {
	if v == 0 {
		return math.MaxInt
	}
	return v
}

// compareRanks orders ranked candidates before unranked ones, then by major
// position and then by minor positions in order of significance.
func compareRanks(a, b *rank) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}

	if c := cmp.Compare(rankPosition(a.major), rankPosition(b.major)); c != 0 {
		return c
	}
	// A position for an ordering the other rank lacks sorts first.
	i, j := 0, 0
	for i < len(a.minors) || j < len(b.minors) {
		switch {
		case j >= len(b.minors) || (i < len(a.minors) && a.minors[i].significance < b.minors[j].significance):
			return -1
		case i >= len(a.minors) || b.minors[j].significance < a.minors[i].significance:
			return 1
		}
		if c := cmp.Compare(a.minors[i].position, b.minors[j].position); c != 0 {
			return c
		}
		i++
		j++
	}
	return 0
}

// compareCandidates orders candidates by rank with a final tie-break on id.
func compareCandidates(a, b *candidate) int {
	if c := compareRanks(a.rank, b.rank); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// rootedMayRepeat lets one object appear once per root it was reached from,
// while top level candidates stay unique.
func rootedMayRepeat(c *candidate) bool {
	return c.root != nil
}
