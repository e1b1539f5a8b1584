package query

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/authzed/objectdb/internal/tree"
	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/datastore"
)

var tracer = otel.Tracer("objectdb/pkg/query")

const (
	modeEager    = "eager"
	modeSnapshot = "snapshot"
	modeLazy     = "lazy"
)

const errUnableToExecute = "unable to execute query: %w"

// plan is the partition of a query's root constraints into candidate sets.
type plan struct {
	sets []*candidateSet

	// topLevel is false for descended queries, whose results are the objects
	// reached through path from the top level candidates.
	topLevel        bool
	checkDuplicates bool
	path            []string
}

func (e *execution) plan(q *Query) *plan {
	p := &plan{topLevel: true}

	var roots []*Constraint
	for _, c := range q.constraints {
		root := c.root()
		if root != c {
			p.checkDuplicates = true
			p.topLevel = false
		}
		if !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}

	for _, root := range roots {
		fitted := false
		for _, s := range p.sets {
			if s.fitsRoot(root) {
				fitted = true
				break
			}
		}
		if !fitted {
			p.sets = append(p.sets, newCandidateSet(e, root.class, ""))
		}
	}

	// Unjoined roots constrain every set.
	for _, s := range p.sets {
		for _, root := range roots {
			s.addConstraint(root)
		}
	}
	if len(p.sets) > 1 {
		p.checkDuplicates = true
	}
	if !p.topLevel {
		p.path = q.fieldPath()
	}

	if e.config.OptimizeJoins {
		seen := make(map[*Constraint]struct{})
		e.dropJoins = true
		for _, root := range roots {
			if root.hasOr(seen) {
				e.dropJoins = false
				break
			}
		}
	}
	return p
}

// classOnly returns the class of a query consisting of a single unrefined
// class constraint.
func (q *Query) classOnly() (string, bool) {
	if !q.shared.config.ClassOnlyShortcut || len(q.constraints) != 1 || q.shared.sortBy != nil {
		return "", false
	}
	c := q.constraints[0]
	if c.kind != KindClassType || c.parent != nil || c.exact || c.eval.negated || c.ordering != 0 {
		return "", false
	}
	if len(c.children) > 0 || len(c.joins) > 0 {
		return "", false
	}
	return c.class, true
}

func (q *Query) hasOrdering() bool {
	for _, s := range q.shared.queries {
		for _, c := range s.constraints {
			if c.ordering != 0 {
				return true
			}
		}
	}
	return false
}

// shortcut returns the ids of queries answered without evaluation.
func (e *execution) shortcut(q *Query) (datastore.IDIterator, bool, error) {
	if len(q.constraints) == 0 {
		it, err := allObjects(e)
		return it, true, err
	}
	if class, ok := q.classOnly(); ok {
		log.Ctx(e.ctx).Trace().Str("class", class).Msg("answering class query from extent")
		it, err := e.reader.Extent(e.ctx, class)
		return it, true, err
	}
	return nil, false, nil
}

// Execute evaluates the query over all candidates at once and returns the
// ids of the matching objects. It is the only mode that honors orderings and
// SortBy directly.
func (q *Query) Execute(ctx context.Context) ([]datastore.ID, error) {
	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()

	ids, err := q.executeEager(ctx, modeEager)
	if err != nil {
		return nil, fmt.Errorf(errUnableToExecute, err)
	}
	span.SetAttributes(attribute.Int("results", len(ids)))
	return ids, nil
}

func (q *Query) executeEager(ctx context.Context, mode string) ([]datastore.ID, error) {
	e := newExecution(ctx, q, mode)

	if it, ok, err := e.shortcut(q); ok {
		if err != nil {
			return nil, err
		}
		ids, err := datastore.CollectIDs(it)
		if err != nil {
			return nil, err
		}
		return e.sort(q, ids)
	}

	p := e.plan(q)
	results := newResultCollector(p.checkDuplicates)
	for _, s := range p.sets {
		it, err := s.seed(false)
		if err != nil {
			return nil, err
		}
		for id, err := range it {
			if err != nil {
				return nil, err
			}
			s.add(e.newCandidate(id))
		}
		if err := e.ctx.Err(); err != nil {
			return nil, err
		}
		candidatesEvaluatedTotal.Add(float64(s.tree.Size()))

		s.evaluate()
		s.finalize()
		if e.err != nil {
			return nil, e.err
		}

		for _, c := range s.included() {
			mapped, err := e.mapPath(c.id, p.path)
			if err != nil {
				return nil, err
			}
			results.add(mapped...)
		}
	}
	return e.sort(q, results.ids)
}

// ExecuteSnapshot evaluates the seeded ids one at a time and returns the ids
// of the matching objects. Queries with orderings or a SortBy comparator are
// executed eagerly.
func (q *Query) ExecuteSnapshot(ctx context.Context) ([]datastore.ID, error) {
	ctx, span := tracer.Start(ctx, "ExecuteSnapshot")
	defer span.End()

	if q.shared.sortBy != nil || q.hasOrdering() {
		span.SetAttributes(attribute.Bool("eager_fallback", true))
		ids, err := q.executeEager(ctx, modeSnapshot)
		if err != nil {
			return nil, fmt.Errorf(errUnableToExecute, err)
		}
		return ids, nil
	}

	var ids []datastore.ID
	for id, err := range q.evaluateOneByOne(ctx, modeSnapshot, false) {
		if err != nil {
			return nil, fmt.Errorf(errUnableToExecute, err)
		}
		ids = append(ids, id)
	}
	span.SetAttributes(attribute.Int("results", len(ids)))
	return ids, nil
}

// ExecuteLazy returns an iterator evaluating one seeded id per pull. The
// iterator checks the context between pulls and stops on the first error.
// Queries with orderings or a SortBy comparator are executed eagerly when
// iteration starts.
func (q *Query) ExecuteLazy(ctx context.Context) iter.Seq2[datastore.ID, error] {
	return func(yield func(datastore.ID, error) bool) {
		ctx, span := tracer.Start(ctx, "ExecuteLazy")
		defer span.End()

		if q.shared.sortBy != nil || q.hasOrdering() {
			span.SetAttributes(attribute.Bool("eager_fallback", true))
			ids, err := q.executeEager(ctx, modeLazy)
			if err != nil {
				yield(0, fmt.Errorf(errUnableToExecute, err))
				return
			}
			for _, id := range ids {
				if !yield(id, nil) {
					return
				}
			}
			return
		}

		for id, err := range q.evaluateOneByOne(ctx, modeLazy, true) {
			if err != nil {
				yield(0, fmt.Errorf(errUnableToExecute, err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

// evaluateOneByOne runs a full evaluation per seeded id, yielding the mapped
// ids of the matches as they are found.
func (q *Query) evaluateOneByOne(ctx context.Context, mode string, firstIndex bool) iter.Seq2[datastore.ID, error] {
	return func(yield func(datastore.ID, error) bool) {
		e := newExecution(ctx, q, mode)

		if it, ok, err := e.shortcut(q); ok {
			if err != nil {
				yield(0, err)
				return
			}
			for id, err := range it {
				if err == nil {
					err = e.ctx.Err()
				}
				if !yield(id, err) || err != nil {
					return
				}
			}
			return
		}

		p := e.plan(q)
		results := newResultCollector(p.checkDuplicates)
		for _, s := range p.sets {
			it, err := s.seed(firstIndex)
			if err != nil {
				yield(0, err)
				return
			}
			for id, err := range it {
				if err == nil {
					err = e.ctx.Err()
				}
				if err != nil {
					yield(0, err)
					return
				}

				included, err := s.evaluateSingle(id)
				if err != nil {
					yield(0, err)
					return
				}
				if !included {
					continue
				}

				mapped, err := e.mapPath(id, p.path)
				if err != nil {
					yield(0, err)
					return
				}
				for _, id := range results.add(mapped...) {
					if !yield(id, nil) {
						return
					}
				}
			}
		}
	}
}

// evaluateSingle runs the set's evaluation for a single seeded id.
func (s *candidateSet) evaluateSingle(id datastore.ID) (bool, error) {
	s.reset()
	c := s.add(s.exec.newCandidate(id))
	candidatesEvaluatedTotal.Inc()

	s.evaluate()
	s.finalize()
	if s.exec.err != nil {
		return false, s.exec.err
	}
	return c.include, nil
}

// mapPath follows the field path from a top level id to the objects it
// references. Unreadable objects along the path are skipped.
func (e *execution) mapPath(id datastore.ID, path []string) ([]datastore.ID, error) {
	ids := []datastore.ID{id}
	for _, field := range path {
		var next []datastore.ID
		for _, current := range ids {
			if err := e.ctx.Err(); err != nil {
				return nil, err
			}
			next = append(next, e.references(current, field)...)
		}
		slices.Sort(next)
		ids = slices.Compact(next)
	}
	return ids, nil
}

func (e *execution) references(id datastore.ID, field string) []datastore.ID {
	c := e.newCandidate(id)
	c.useField(field)
	value, err := c.currentValue()
	if err != nil {
		log.Ctx(e.ctx).Debug().Err(err).Int64("object", int64(id)).Str("field", field).Msg("skipping unreadable object on result path")
		return nil
	}

	switch v := value.(type) {
	case datastore.ID:
		if v.IsPersisted() {
			return []datastore.ID{v}
		}
	case []any:
		var out []datastore.ID
		for _, el := range v {
			if ref, ok := el.(datastore.ID); ok && ref.IsPersisted() {
				out = append(out, ref)
			}
		}
		return out
	}
	return nil
}

// sort applies the SortBy comparator to the activated result objects.
func (e *execution) sort(q *Query, ids []datastore.ID) ([]datastore.ID, error) {
	if q.shared.sortBy == nil || len(ids) < 2 {
		return ids, nil
	}

	_, span := tracer.Start(e.ctx, "SortBy", trace.WithAttributes(attribute.Int("count", len(ids))))
	defer span.End()

	objects := make([]*datastore.Object, 0, len(ids))
	for _, id := range ids {
		obj, err := e.reader.Activate(e.ctx, id)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	slices.SortStableFunc(objects, q.shared.sortBy)

	sorted := make([]datastore.ID, 0, len(objects))
	for _, obj := range objects {
		sorted = append(sorted, obj.ID)
	}
	return sorted, nil
}

// resultCollector accumulates result ids in order, dropping ids already
// collected when duplicates are possible.
type resultCollector struct {
	seen *tree.Tree[datastore.ID]
	ids  []datastore.ID
}

func newResultCollector(checkDuplicates bool) *resultCollector {
	r := &resultCollector{}
	if checkDuplicates {
		r.seen = tree.New(cmp.Compare[datastore.ID], tree.RejectDuplicates[datastore.ID])
	}
	return r
}

// add appends the ids and returns the ones that were new.
func (r *resultCollector) add(ids ...datastore.ID) []datastore.ID {
	start := len(r.ids)
	for _, id := range ids {
		if r.seen != nil && r.seen.Add(id).AlreadyPresent() {
			continue
		}
		r.ids = append(r.ids, id)
	}
	return r.ids[start:]
}
