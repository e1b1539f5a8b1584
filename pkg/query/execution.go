package query

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	log "github.com/authzed/objectdb/internal/logging"
	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/queryerrors"
	"github.com/authzed/objectdb/pkg/schema"
)

// phase tracks how far a constraint got in the evaluation of its candidate
// set. Phases only move forward within one evaluation cycle.
type phase uint8

const (
	phaseBuilt phase = iota
	phaseSelfEvaluated
	phaseSimpleChildrenEvaluated
	phaseCallbacksEvaluated
	phaseChildSetsCreated
	phaseChildrenCollected
	phaseChildrenEvaluated
)

var phaseNames = [...]string{
	"built",
	"self evaluated",
	"simple children evaluated",
	"callbacks evaluated",
	"child sets created",
	"children collected",
	"children evaluated",
}

func (p phase) String() string { return phaseNames[p] }

// constraintState is the per-execution state of a constraint. Constraints
// themselves stay immutable while a query executes.
type constraintState struct {
	phase     phase
	set       *candidateSet
	childSets []*candidateSet

	// detached constraints are evaluated on array elements: they have no
	// parent and their joins are not reported.
	detached bool

	// notSuspended defers negation to the array the constraint is evaluated
	// for.
	notSuspended bool
}

// execution holds everything a single run of a query needs.
type execution struct {
	ctx     context.Context
	id      uuid.UUID
	mode    string
	reader  datastore.Reader
	catalog *schema.Catalog
	config  *Config

	dropJoins bool
	states    map[*Constraint]*constraintState

	lastSynthetic datastore.ID
	lastGroup     int

	worklist []pendingReport
	draining bool

	// err is the first invariant violation seen; it aborts the execution.
	err error
}

func newExecution(ctx context.Context, q *Query, mode string) *execution {
	id := uuid.New()
	ctx = log.WithFields(ctx, map[string]string{
		"query_execution": id.String(),
		"mode":            mode,
	})
	executionsTotal.WithLabelValues(mode).Inc()
	return &execution{
		ctx:     ctx,
		id:      id,
		mode:    mode,
		reader:  q.shared.reader,
		catalog: q.shared.catalog,
		config:  q.shared.config,
		states:  make(map[*Constraint]*constraintState),
	}
}

func (e *execution) state(c *Constraint) *constraintState {
	st, ok := e.states[c]
	if !ok {
		st = &constraintState{}
		e.states[c] = st
	}
	return st
}

func (e *execution) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// beginCycle starts a new evaluation cycle of the constraint in the set.
func (e *execution) beginCycle(c *Constraint, s *candidateSet) {
	st := e.state(c)
	st.phase = phaseBuilt
	st.set = s
	st.childSets = nil
}

// advance moves the constraint to the next phase.
func (e *execution) advance(c *Constraint, p phase) {
	st := e.state(c)
	if p < st.phase {
		e.fail(queryerrors.MustBugf("constraint %d moved back from phase `%s` to `%s`", c.seq, st.phase, p))
		return
	}
	st.phase = p
}

func (e *execution) newCandidate(id datastore.ID) *candidate {
	return &candidate{exec: e, id: id, include: true}
}

// newSyntheticCandidate wraps an in-memory value, such as an array element,
// in a candidate with a negative id.
func (e *execution) newSyntheticCandidate(member any) *candidate {
	if e.lastSynthetic == math.MinInt64 {
		e.fail(queryerrors.MustBugf("synthetic candidate ids exhausted"))
	} else {
		e.lastSynthetic--
	}
	c := e.newCandidate(e.lastSynthetic)
	c.member = member
	return c
}

// referencedCandidate creates a candidate for a referenced object if it
// exists and is an instance of the class. An empty class accepts any object.
func (e *execution) referencedCandidate(id datastore.ID, class string) (*candidate, bool) {
	child := e.newCandidate(id)
	actual, err := child.loadClass()
	if err != nil {
		log.Ctx(e.ctx).Debug().Err(err).Int64("object", int64(id)).Msg("treating unreadable reference as null")
		return nil, false
	}
	if class != "" && !e.catalog.IsAssignable(actual, class) {
		return nil, false
	}
	return child, true
}

// hasJoins returns true if the constraint's results are routed through its
// joins in this execution.
func (e *execution) hasJoins(c *Constraint) bool {
	return len(c.joins) > 0 && !e.dropJoins && !e.state(c).detached
}

func (e *execution) parentOf(c *Constraint) *Constraint {
	if e.state(c).detached {
		return nil
	}
	return c.parent
}

func (e *execution) negate(c *Constraint, res bool) bool {
	if e.state(c).notSuspended {
		return res
	}
	return c.eval.not(res)
}

// visit evaluates the constraint on the candidate and reports the result for
// the candidate's root.
func (e *execution) visit(c *Constraint, cand *candidate) {
	res, err := e.evaluate(c, cand)
	if err != nil {
		e.fault(c, cand, err)
		return
	}

	if st := e.state(c); c.ordering != 0 && res && st.set != nil && !st.detached {
		if value, err := cand.currentValue(); err == nil && value != nil {
			st.set.addOrder(c, cand, value)
		}
	}
	e.visit1(c, cand.rootCandidate(), res)
}

// visit1 routes a result of the constraint for the root through its joins,
// or excludes the root on failure.
func (e *execution) visit1(c *Constraint, root *candidate, res bool) {
	if e.hasJoins(c) {
		for _, j := range c.joins {
			e.report(root, j, c, resultOf(res))
		}
		return
	}
	if !res {
		e.doNotInclude(c, root)
	}
}

// doNotInclude propagates a failing constraint to its parent, excluding the
// root once the top of the constraint tree is reached.
func (e *execution) doNotInclude(c *Constraint, root *candidate) {
	if parent := e.parentOf(c); parent != nil {
		e.visit1(parent, root, false)
		return
	}
	root.exclude()
}

// visitOnNull evaluates the constraint and its descendants for a field that
// holds no object.
func (e *execution) visitOnNull(c *Constraint, root *candidate) {
	for _, child := range c.children {
		e.visitOnNull(child, root)
	}
	if c.kind != KindPathPlaceholder {
		e.visit1(c, root, e.negate(c, c.onNullResult()))
	}
}

// evaluate returns the result of the constraint for the candidate, negation
// included.
func (e *execution) evaluate(c *Constraint, cand *candidate) (bool, error) {
	switch c.kind {
	case KindClassType:
		if cand.fieldName != "" || cand.synthetic() {
			return e.negate(c, false), nil
		}
		class, err := cand.loadClass()
		if err != nil {
			return false, err
		}
		if c.exact {
			return e.negate(c, class == c.class), nil
		}
		return e.negate(c, e.catalog.IsAssignable(class, c.class)), nil

	case KindObjectValue:
		if c.example && c.eval.operator != OperatorIdentity && c.class != "" && cand.fieldName == "" {
			class, err := cand.loadClass()
			if err != nil {
				return false, err
			}
			return e.negate(c, !cand.synthetic() && e.catalog.IsAssignable(class, c.class)), nil
		}
		value, err := cand.currentValue()
		if err != nil {
			return false, err
		}
		return e.negate(c, c.eval.matches(value, c.literal)), nil

	case KindPathPlaceholder:
		return true, nil

	case KindUnconditional:
		return e.negate(c, c.constant), nil

	case KindCallback:
		value, err := cand.callbackValue()
		if err != nil {
			return false, err
		}
		res, err := e.runCallback(c, value)
		if err != nil {
			return false, err
		}
		return e.negate(c, res), nil

	default:
		e.fail(queryerrors.MustBugf("constraint %d of kind `%s` cannot evaluate candidates", c.seq, c.kind))
		return false, nil
	}
}

func (e *execution) runCallback(c *Constraint, value any) (res bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = false, queryerrors.NewCallbackPanicError(r)
		}
	}()

	ok, cbErr := c.callback(e.ctx, value)
	if cbErr != nil {
		return false, queryerrors.NewCallbackFaultError(cbErr)
	}
	return ok, nil
}

// fault excludes a candidate whose evaluation failed and reports the
// constraint as failed for its root. The remaining candidates are unaffected.
func (e *execution) fault(c *Constraint, cand *candidate, err error) {
	kind := faultDecode
	var cbErr *queryerrors.CallbackFaultError
	if errors.As(err, &cbErr) {
		kind = faultCallback
	}
	faultExclusionsTotal.WithLabelValues(kind).Inc()

	log.Ctx(e.ctx).Debug().
		Err(err).
		Int64("candidate", int64(cand.id)).
		Int("constraint", c.seq).
		Str("fault", kind).
		Msg("excluding candidate after evaluation fault")

	e.excludeFaulted(cand, c)
}

// decodeFault excludes a candidate whose field could not be decoded and
// reports the constraints on that field as failed for its root.
func (e *execution) decodeFault(cand *candidate, constraints []*Constraint, err error) {
	faultExclusionsTotal.WithLabelValues(faultDecode).Inc()
	log.Ctx(e.ctx).Debug().
		Err(err).
		Int64("candidate", int64(cand.id)).
		Str("field", cand.fieldName).
		Msg("excluding candidate with undecodable field")

	e.excludeFaulted(cand, constraints...)
}

// excludeFaulted excludes a faulted candidate. A root candidate is excluded
// outright; for a descended candidate the failure is reported as a plain
// false result, so joins on the constraints still decide for the root.
func (e *execution) excludeFaulted(cand *candidate, constraints ...*Constraint) {
	cand.exclude()
	if cand.root == nil {
		return
	}
	for _, c := range constraints {
		e.visit1(c, cand.root, false)
	}
}

// evaluateElements evaluates the constraint once per array element in an
// isolated set. It returns whether any element matched before negation, and
// the join results elements could not resolve on their own.
func (e *execution) evaluateElements(k *Constraint, class string, elements []any) (bool, []forwardedReport) {
	st := e.state(k)
	saved := *st
	defer func() { *st = saved }()

	st.detached = true
	st.notSuspended = k.eval.negated

	temp := newCandidateSet(e, class, "")
	temp.addConstraint(k)

	candidates := make([]*candidate, 0, len(elements))
	for _, el := range elements {
		var cand *candidate
		if id, ok := el.(datastore.ID); ok && id.IsPersisted() {
			var found bool
			cand, found = e.referencedCandidate(id, class)
			if !found {
				continue
			}
		} else {
			cand = e.newSyntheticCandidate(el)
		}
		candidates = append(candidates, temp.add(cand))
	}

	temp.evaluate()

	matched := false
	for _, cand := range candidates {
		if cand.include {
			matched = true
			break
		}
	}
	return matched, collectForwarded(candidates)
}
