package query

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/queryerrors"
	"github.com/authzed/objectdb/pkg/schema"
)

// Kind is the variant of a Constraint.
type Kind uint8

const (
	// KindObjectValue compares a field, or the object itself, with a literal.
	KindObjectValue Kind = iota + 1

	// KindClassType checks the runtime class of an object.
	KindClassType

	// KindPathPlaceholder marks a descended field that has no predicate yet.
	KindPathPlaceholder

	// KindJoin combines two constraints with AND or OR.
	KindJoin

	// KindCallback runs an EvaluationFunc.
	KindCallback

	// KindGroup applies operators to several constraints at once.
	KindGroup

	// KindUnconditional always yields a fixed result.
	KindUnconditional
)

var kindNames = map[Kind]string{
	KindObjectValue:     "value",
	KindClassType:       "class",
	KindPathPlaceholder: "path",
	KindJoin:            "join",
	KindCallback:        "callback",
	KindGroup:           "group",
	KindUnconditional:   "unconditional",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// EvaluationFunc decides whether a candidate matches. The value is the
// activated object, or the field value when the callback is attached below a
// simple field.
type EvaluationFunc func(ctx context.Context, value any) (bool, error)

// Constraint is one node of a query's predicate graph. Constraints are
// created by a Query and refined through their operator methods; their shape
// must not change while the query executes.
type Constraint struct {
	shared *queryShared
	seq    int
	kind   Kind

	parent   *Constraint
	children []*Constraint
	joins    []*Constraint

	// fieldName is empty for constraints on the object itself. field is the
	// statically resolved field; it is nil when the declaring class is not
	// known up front.
	fieldName string
	field     *schema.ResolvedField

	// class is the class tested by ClassType constraints, the class of an
	// example literal, or the class referenced by the field.
	class string

	eval    evaluator
	literal any
	example bool
	exact   bool

	and      bool
	operands [2]*Constraint

	callback EvaluationFunc
	members  []*Constraint
	constant bool

	// ordering is positive for ascending and negative for descending order.
	// Its absolute value ranks orderings, smaller being more significant.
	ordering int
}

// Kind returns the variant of the constraint.
func (c *Constraint) Kind() Kind { return c.kind }

// FieldName returns the name of the constrained field, empty for constraints
// on whole objects.
func (c *Constraint) FieldName() string { return c.fieldName }

// Members returns the constraints of a group.
func (c *Constraint) Members() []*Constraint { return slices.Clone(c.members) }

// Equal selects equality for value constraints and exact class matching for
// class constraints. Combined with Smaller or Greater it widens the match.
func (c *Constraint) Equal() (*Constraint, error) {
	return c.apply("equal", func(t *Constraint) error {
		switch t.kind {
		case KindClassType:
			t.exact = true
			return nil
		case KindObjectValue:
			if t.example || t.eval.operator != OperatorCompare {
				return t.unsupported("equal")
			}
			t.eval = t.eval.withFlag(CompareEqual)
			return nil
		case KindUnconditional:
			return nil
		default:
			return t.unsupported("equal")
		}
	})
}

// Smaller matches values ordered before the literal.
func (c *Constraint) Smaller() (*Constraint, error) {
	return c.compareOperator("smaller", CompareSmaller)
}

// Greater matches values ordered after the literal.
func (c *Constraint) Greater() (*Constraint, error) {
	return c.compareOperator("greater", CompareGreater)
}

func (c *Constraint) compareOperator(name string, flag CompareFlags) (*Constraint, error) {
	return c.apply(name, func(t *Constraint) error {
		switch t.kind {
		case KindObjectValue:
			if t.example || t.eval.operator != OperatorCompare {
				return t.unsupported(name)
			}
			t.eval = t.eval.withFlag(flag)
			return nil
		case KindUnconditional:
			return nil
		default:
			return t.unsupported(name)
		}
	})
}

// Contains matches strings containing the literal.
func (c *Constraint) Contains() (*Constraint, error) {
	return c.stringOperator("contains", OperatorContains, true)
}

// Like matches strings containing the literal, ignoring case.
func (c *Constraint) Like() (*Constraint, error) {
	return c.stringOperator("like", OperatorLike, false)
}

// StartsWith matches strings starting with the literal.
func (c *Constraint) StartsWith(caseSensitive bool) (*Constraint, error) {
	return c.stringOperator("startsWith", OperatorStartsWith, caseSensitive)
}

// EndsWith matches strings ending with the literal.
func (c *Constraint) EndsWith(caseSensitive bool) (*Constraint, error) {
	return c.stringOperator("endsWith", OperatorEndsWith, caseSensitive)
}

func (c *Constraint) stringOperator(name string, op Operator, caseSensitive bool) (*Constraint, error) {
	return c.apply(name, func(t *Constraint) error {
		switch t.kind {
		case KindObjectValue:
			if _, ok := t.literal.(string); !ok || !t.eval.isDefault() {
				return t.unsupported(name)
			}
			t.eval = t.eval.withOperator(op, caseSensitive)
			return nil
		case KindUnconditional:
			return nil
		default:
			return t.unsupported(name)
		}
	})
}

// Identity matches the object whose persisted id is the literal.
func (c *Constraint) Identity() (*Constraint, error) {
	return c.apply("identity", func(t *Constraint) error {
		switch t.kind {
		case KindObjectValue:
			if _, ok := t.literal.(datastore.ID); !ok || !t.eval.isDefault() {
				return t.unsupported("identity")
			}
			t.eval = t.eval.withOperator(OperatorIdentity, true)
			return nil
		case KindUnconditional:
			return nil
		default:
			return t.unsupported("identity")
		}
	})
}

// Not negates the constraint. Negating twice has no further effect.
func (c *Constraint) Not() (*Constraint, error) {
	return c.apply("not", func(t *Constraint) error {
		if t.kind == KindPathPlaceholder {
			return t.unsupported("not")
		}
		t.eval.negated = true
		return nil
	})
}

// And requires both constraints to hold.
func (c *Constraint) And(other *Constraint) (*Constraint, error) {
	return c.join(other, true)
}

// Or requires either constraint to hold.
func (c *Constraint) Or(other *Constraint) (*Constraint, error) {
	return c.join(other, false)
}

func (c *Constraint) apply(name string, op func(*Constraint) error) (*Constraint, error) {
	if c.kind != KindGroup {
		if err := op(c); err != nil {
			return nil, err
		}
		return c, nil
	}

	for _, member := range c.members {
		if _, err := member.apply(name, op); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Constraint) unsupported(operator string) error {
	return queryerrors.NewUnsupportedOperatorError(operator, c.kind.String())
}

func (c *Constraint) join(other *Constraint, and bool) (*Constraint, error) {
	name := "or"
	if and {
		name = "and"
	}
	if other == nil {
		return nil, fmt.Errorf("cannot %s with a nil constraint", name)
	}
	if c.shared != other.shared {
		return nil, fmt.Errorf("cannot %s constraints of different queries", name)
	}

	if c.kind == KindGroup || other.kind == KindGroup {
		var joined []*Constraint
		for _, left := range c.expand() {
			for _, right := range other.expand() {
				j, err := left.join(right, and)
				if err != nil {
					return nil, err
				}
				joined = append(joined, j)
			}
		}
		return c.shared.group(joined), nil
	}

	left, right := c.topLevelJoin(), other.topLevelJoin()
	if left == right {
		return left, nil
	}

	j := c.shared.newConstraint(KindJoin)
	j.and = and
	j.operands = [2]*Constraint{left, right}
	left.joins = append(left.joins, j)
	right.joins = append(right.joins, j)
	return j, nil
}

func (c *Constraint) expand() []*Constraint {
	if c.kind == KindGroup {
		return c.members
	}
	return []*Constraint{c}
}

// topLevelJoin returns the outermost join the constraint participates in, or
// the constraint itself. Several outermost joins are combined with AND.
func (c *Constraint) topLevelJoin() *Constraint {
	if len(c.joins) == 0 {
		return c
	}
	if len(c.joins) == 1 {
		return c.joins[0].topLevelJoin()
	}

	var tops []*Constraint
	for _, j := range c.joins {
		top := j.topLevelJoin()
		if !slices.Contains(tops, top) {
			tops = append(tops, top)
		}
	}

	result := tops[0]
	for _, top := range tops[1:] {
		joined, err := result.join(top, true)
		if err != nil {
			queryerrors.MustPanic("joining top level joins of one query failed: %v", err)
		}
		result = joined
	}
	return result
}

// root returns the top of the constraint's parent chain.
func (c *Constraint) root() *Constraint {
	for c.parent != nil {
		c = c.parent
	}
	return c
}

// other returns the operand of the join that is not the given one.
func (c *Constraint) other(operand *Constraint) *Constraint {
	if c.operands[0] == operand {
		return c.operands[1]
	}
	return c.operands[0]
}

func (c *Constraint) operandIndex(operand *Constraint) int {
	if c.operands[0] == operand {
		return 0
	}
	return 1
}

// isNullConstraint returns true for value constraints matching absent values.
func (c *Constraint) isNullConstraint() bool {
	return c.kind == KindObjectValue && c.literal == nil
}

// isSimple returns true if the constraint is evaluated directly against the
// value of its field on the parent's candidates.
func (c *Constraint) isSimple() bool {
	switch c.kind {
	case KindUnconditional:
		return true
	case KindObjectValue, KindPathPlaceholder:
		if c.isNullConstraint() {
			return true
		}
		return c.field != nil && c.field.IsSimple()
	default:
		return false
	}
}

// needsChildSet returns true if the constraint is evaluated on the objects
// referenced by its field.
func (c *Constraint) needsChildSet() bool {
	switch c.kind {
	case KindObjectValue, KindPathPlaceholder, KindClassType:
		return c.fieldName != "" && !c.isSimple()
	default:
		return false
	}
}

// onNullResult is the result of the constraint, before negation, for a field
// that holds no value.
func (c *Constraint) onNullResult() bool {
	switch c.kind {
	case KindObjectValue:
		return c.isNullConstraint()
	case KindUnconditional:
		return c.constant
	default:
		return false
	}
}

func (c *Constraint) addChild(child *Constraint) {
	child.parent = c
	c.children = append(c.children, child)
}

func (c *Constraint) replaceChild(old, replacement *Constraint) {
	for i, child := range c.children {
		if child == old {
			c.children[i] = replacement
			replacement.parent = c
			return
		}
	}
	c.addChild(replacement)
}

// hasOr returns true if the constraint graph reachable from c contains an OR
// join or a negated join.
func (c *Constraint) hasOr(seen map[*Constraint]struct{}) bool {
	if _, ok := seen[c]; ok {
		return false
	}
	seen[c] = struct{}{}

	if c.kind == KindJoin {
		if !c.and || c.eval.negated {
			return true
		}
		if c.operands[0].hasOr(seen) || c.operands[1].hasOr(seen) {
			return true
		}
	}
	for _, j := range c.joins {
		if j.hasOr(seen) {
			return true
		}
	}
	for _, child := range c.children {
		if child.hasOr(seen) {
			return true
		}
	}
	return false
}

func (c *Constraint) String() string {
	var sb strings.Builder
	c.render(&sb, 0)
	return sb.String()
}

func (c *Constraint) render(sb *strings.Builder, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(sb, "#%d %s", c.seq, c.kind)
	if c.fieldName != "" {
		fmt.Fprintf(sb, " .%s", c.fieldName)
	}

	switch c.kind {
	case KindObjectValue:
		if c.example {
			fmt.Fprintf(sb, " example(%s)", c.class)
		} else {
			fmt.Fprintf(sb, " %s %v", c.eval, c.literal)
		}
	case KindClassType:
		if c.eval.negated {
			sb.WriteString(" not")
		}
		if c.exact {
			sb.WriteString(" exact")
		}
		fmt.Fprintf(sb, " %s", c.class)
	case KindJoin:
		op := "or"
		if c.and {
			op = "and"
		}
		if c.eval.negated {
			op = "not " + op
		}
		fmt.Fprintf(sb, " %s(#%d, #%d)", op, c.operands[0].seq, c.operands[1].seq)
	case KindUnconditional:
		fmt.Fprintf(sb, " %t", c.eval.not(c.constant))
	case KindGroup:
		for _, m := range c.members {
			fmt.Fprintf(sb, " #%d", m.seq)
		}
	}

	if c.ordering != 0 {
		fmt.Fprintf(sb, " order(%d)", c.ordering)
	}
	for _, j := range c.joins {
		fmt.Fprintf(sb, " in #%d", j.seq)
	}
	for _, child := range c.children {
		sb.WriteString("\n")
		child.render(sb, depth+1)
	}
}
