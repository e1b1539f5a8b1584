package query

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/schema"
)

// queryShared is the state common to a query and every query descended from
// it.
type queryShared struct {
	reader  datastore.Reader
	catalog *schema.Catalog
	config  *Config

	lastSeq      int
	lastOrdering int
	sortBy       func(a, b *datastore.Object) int

	queries []*Query
}

func (s *queryShared) newConstraint(kind Kind) *Constraint {
	s.lastSeq++
	return &Constraint{shared: s, seq: s.lastSeq, kind: kind, eval: defaultEvaluator()}
}

func (s *queryShared) group(members []*Constraint) *Constraint {
	if len(members) == 1 {
		return members[0]
	}
	g := s.newConstraint(KindGroup)
	g.members = members
	return g
}

func (s *queryShared) unconditional(result bool) *Constraint {
	c := s.newConstraint(KindUnconditional)
	c.constant = result
	return c
}

// replaceEverywhere swaps a constraint in the constraint lists of every query
// sharing this state.
func (s *queryShared) replaceEverywhere(old, replacement *Constraint) {
	for _, q := range s.queries {
		for i, c := range q.constraints {
			if c == old {
				q.constraints[i] = replacement
			}
		}
	}
}

// Query builds a constraint graph and executes it. A Query returned by
// Descend constrains the objects reached through a field; executing it yields
// the ids of those objects. Queries are not safe for concurrent use while
// they are being built.
type Query struct {
	shared *queryShared
	parent *Query
	field  string

	constraints []*Constraint
}

// New creates an empty query over the objects of the reader.
func New(reader datastore.Reader, catalog *schema.Catalog, opts ...ConfigOption) *Query {
	shared := &queryShared{
		reader:  reader,
		catalog: catalog,
		config:  NewConfigWithOptionsAndDefaults(opts...),
	}
	return shared.newQuery(nil, "")
}

func (s *queryShared) newQuery(parent *Query, field string) *Query {
	q := &Query{shared: s, parent: parent, field: field}
	s.queries = append(s.queries, q)
	return q
}

// Constraints returns every constraint of this query level as a group.
func (q *Query) Constraints() *Constraint {
	g := q.shared.newConstraint(KindGroup)
	g.members = slices.Clone(q.constraints)
	return g
}

// fieldPath returns the field names leading from the top level query to q.
func (q *Query) fieldPath() []string {
	var path []string
	for current := q; current.parent != nil; current = current.parent {
		path = append(path, current.field)
	}
	slices.Reverse(path)
	return path
}

func (q *Query) addConstraint(c *Constraint) {
	q.constraints = append(q.constraints, c)
}

// ConstrainClass restricts the query to instances of the class and its
// subclasses. On a descended query it restricts the referenced objects.
func (q *Query) ConstrainClass(name string) (*Constraint, error) {
	return q.constrainClass(name, false)
}

// ConstrainClassExact restricts the query to instances of exactly the class.
func (q *Query) ConstrainClassExact(name string) (*Constraint, error) {
	return q.constrainClass(name, true)
}

func (q *Query) constrainClass(name string, exact bool) (*Constraint, error) {
	if _, err := q.shared.catalog.MustClass(name); err != nil {
		return nil, err
	}

	newClassConstraint := func() *Constraint {
		c := q.shared.newConstraint(KindClassType)
		c.class = name
		c.exact = exact
		return c
	}

	var created []*Constraint
	for _, existing := range slices.Clone(q.constraints) {
		if existing.parent == nil {
			continue
		}

		var replacement *Constraint
		if existing.field != nil && existing.field.IsSimple() {
			replacement = q.shared.unconditional(false)
		} else {
			replacement = newClassConstraint()
		}
		replacement.fieldName = existing.fieldName
		replacement.field = existing.field

		if existing.kind == KindPathPlaceholder {
			q.morph(existing, replacement, name, replacement.kind == KindClassType)
		} else {
			existing.parent.addChild(replacement)
			q.addConstraint(replacement)
		}
		created = append(created, replacement)
	}

	if len(created) == 0 {
		c := newClassConstraint()
		q.addConstraint(c)
		return c, nil
	}
	return q.shared.group(created), nil
}

// Constrain attaches a value constraint. On a descended query the value is
// compared with the field; a value the field cannot hold yields a constraint
// that never matches. Object examples are handled like ConstrainExample.
func (q *Query) Constrain(value any) (*Constraint, error) {
	if obj, ok := value.(*datastore.Object); ok {
		return q.ConstrainExample(obj)
	}
	return q.constrainValue(value, false)
}

// ConstrainExample matches objects like the example. A persisted example
// matches by identity; otherwise the example's class and every non-zero field
// become constraints.
func (q *Query) ConstrainExample(obj *datastore.Object) (*Constraint, error) {
	if obj == nil {
		return q.constrainValue(nil, false)
	}
	if _, err := q.shared.catalog.MustClass(obj.Class); err != nil {
		return nil, err
	}
	if obj.ID.IsPersisted() {
		c, err := q.constrainValue(obj.ID, true)
		if err != nil {
			return nil, err
		}
		if c.kind == KindObjectValue && c.parent == nil {
			c.class = obj.Class
		}
		return c, nil
	}
	return q.constrainValue(obj, false)
}

func (q *Query) constrainValue(value any, identity bool) (*Constraint, error) {
	var created []*Constraint

	// Placeholders become the new constraint.
	for _, existing := range slices.Clone(q.constraints) {
		if existing.kind != KindPathPlaceholder || existing.parent == nil {
			continue
		}
		replacement, err := q.valueConstraint(existing.fieldName, existing.field, value, identity)
		if err != nil {
			return nil, err
		}
		q.morph(existing, replacement, literalClass(value), morphableLiteral(value))
		created = append(created, replacement)
	}

	// Otherwise the first constraint with a parent gets a sibling.
	if len(created) == 0 {
		for _, existing := range q.constraints {
			if existing.parent == nil || existing.fieldName == "" {
				continue
			}
			sibling, err := q.valueConstraint(existing.fieldName, existing.field, value, identity)
			if err != nil {
				return nil, err
			}
			existing.parent.addChild(sibling)
			q.addConstraint(sibling)
			created = append(created, sibling)
			break
		}
	}

	if len(created) == 0 {
		root, err := q.valueConstraint("", nil, value, identity)
		if err != nil {
			return nil, err
		}
		q.addConstraint(root)
		return root, nil
	}
	return q.shared.group(created), nil
}

// valueConstraint creates an unattached value constraint for the field. The
// children of example literals are attached already.
func (q *Query) valueConstraint(fieldName string, field *schema.ResolvedField, value any, identity bool) (*Constraint, error) {
	obj, isExample := value.(*datastore.Object)

	var literal any
	switch {
	case isExample && obj != nil && field != nil && field.ValueKind() != schema.KindRef:
		return q.withField(q.shared.unconditional(false), fieldName, field), nil
	case isExample && obj != nil:
		literal = obj
	default:
		coerced, ok := coerceLiteral(field, value)
		if !ok {
			return q.withField(q.shared.unconditional(false), fieldName, field), nil
		}
		literal = coerced
	}

	c := q.shared.newConstraint(KindObjectValue)
	c.literal = literal
	q.withField(c, fieldName, field)

	if isExample {
		c.example = true
		c.class = obj.Class
		if err := q.addExampleChildren(c, obj); err != nil {
			return nil, err
		}
	}

	if identity {
		if _, err := c.Identity(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (q *Query) withField(c *Constraint, fieldName string, field *schema.ResolvedField) *Constraint {
	c.fieldName = fieldName
	c.field = field
	if field != nil && c.class == "" {
		if class, ok := field.RefClass(); ok {
			c.class = class
		}
	}
	return c
}

// addExampleChildren attaches one equality constraint per non-zero field of
// the example, and one per element of array fields.
func (q *Query) addExampleChildren(parent *Constraint, obj *datastore.Object) error {
	for _, name := range slices.Sorted(maps.Keys(obj.Fields)) {
		value := obj.Fields[name]
		if isZero(value) {
			continue
		}

		resolved, ok := q.shared.catalog.LookupField(obj.Class, name)
		if !ok {
			return fmt.Errorf("example of class `%s` sets unknown field `%s`", obj.Class, name)
		}

		var literals []any
		if resolved.Kind == schema.KindArray {
			rv := reflect.ValueOf(value)
			if rv.Kind() != reflect.Slice {
				parent.addChild(q.withField(q.shared.unconditional(false), name, &resolved))
				continue
			}
			for i := range rv.Len() {
				literals = append(literals, rv.Index(i).Interface())
			}
		} else {
			literals = []any{value}
		}

		for _, literal := range literals {
			identity := false
			if nested, ok := literal.(*datastore.Object); ok && nested != nil && nested.ID.IsPersisted() {
				literal, identity = nested.ID, true
			}
			child, err := q.valueConstraint(name, &resolved, literal, identity)
			if err != nil {
				return err
			}
			parent.addChild(child)
		}
	}
	return nil
}

// morph replaces a placeholder with a concrete constraint. The placeholder's
// children and joins move over when the literal's class can hold every child
// field; otherwise the new constraint is added next to the placeholder.
func (q *Query) morph(placeholder, replacement *Constraint, literalClass string, mayHaveFields bool) {
	mayMorph := true
	if len(placeholder.children) > 0 {
		switch {
		case !mayHaveFields:
			mayMorph = false
		case literalClass != "":
			for _, child := range placeholder.children {
				if child.fieldName == "" {
					continue
				}
				if _, ok := q.shared.catalog.LookupField(literalClass, child.fieldName); !ok {
					mayMorph = false
					break
				}
			}
		}
	}

	if !mayMorph {
		placeholder.parent.addChild(replacement)
		q.addConstraint(replacement)
		return
	}

	for _, child := range placeholder.children {
		replacement.addChild(child)
	}
	placeholder.children = nil

	for _, j := range placeholder.joins {
		j.operands[j.operandIndex(placeholder)] = replacement
		replacement.joins = append(replacement.joins, j)
	}
	placeholder.joins = nil

	if replacement.ordering == 0 {
		replacement.ordering = placeholder.ordering
	}

	placeholder.parent.replaceChild(placeholder, replacement)
	q.shared.replaceEverywhere(placeholder, replacement)
}

// ConstrainFunc attaches a callback below every constraint of this query
// level. On an empty query it first constrains the query to every top level
// class.
func (q *Query) ConstrainFunc(fn EvaluationFunc) (*Constraint, error) {
	if fn == nil {
		return nil, fmt.Errorf("evaluation callback must not be nil")
	}

	if len(q.constraints) == 0 {
		var combined *Constraint
		for _, class := range q.shared.catalog.TopLevel() {
			c, err := q.ConstrainClass(class)
			if err != nil {
				return nil, err
			}
			combined = orInto(combined, c)
		}
	}

	var created []*Constraint
	for _, existing := range q.constraints {
		cb := q.shared.newConstraint(KindCallback)
		cb.callback = fn
		existing.addChild(cb)
		created = append(created, cb)
	}
	if len(created) == 0 {
		return q.shared.unconditional(false), nil
	}
	return q.shared.group(created), nil
}

// Descend returns a query over the objects or values reached through the
// field from every constraint of this query level.
func (q *Query) Descend(field string) *Query {
	sub := q.shared.newQuery(q, field)

	if q.descend(sub, field, len(q.constraints) == 0) {
		return sub
	}
	if q.descend(sub, field, true) {
		return sub
	}

	sub.addConstraint(q.shared.unconditional(false))
	return sub
}

func (q *Query) descend(sub *Query, field string, constrainDeclaringClasses bool) bool {
	if constrainDeclaringClasses {
		var combined *Constraint
		for _, existing := range q.constraints {
			combined = orInto(combined, existing)
		}
		for _, class := range q.shared.catalog.ClassesWithField(field) {
			c := q.shared.newConstraint(KindClassType)
			c.class = class
			q.addConstraint(c)
			combined = orInto(combined, c)
		}
	}

	found := false
	for _, existing := range q.constraints {
		if q.attach(existing, sub, field) {
			found = true
		}
	}
	return found
}

func orInto(acc, c *Constraint) *Constraint {
	if acc == nil {
		return c
	}
	joined, err := acc.Or(c)
	if err != nil {
		return acc
	}
	return joined
}

// attach adds the constraint's child on the field to the descended query,
// creating a placeholder if there is none.
func (q *Query) attach(c *Constraint, sub *Query, field string) bool {
	found := false
	for _, child := range c.children {
		switch child.kind {
		case KindObjectValue, KindPathPlaceholder, KindClassType:
			if child.fieldName == field {
				sub.addConstraint(child)
				found = true
			}
		}
	}
	if found {
		return true
	}

	catalog := q.shared.catalog
	var resolved *schema.ResolvedField
	if class := c.childClass(); class != "" {
		if f, ok := catalog.LookupField(class, field); ok {
			resolved = &f
		}
	} else {
		declaring := catalog.ClassesWithField(field)
		if len(declaring) == 0 {
			return false
		}
		f, _ := catalog.LookupField(declaring[0], field)
		resolved = &f
		for _, other := range declaring[1:] {
			if candidate, _ := catalog.LookupField(other, field); candidate.Field != f.Field {
				resolved = nil
				break
			}
		}
	}

	p := q.shared.newConstraint(KindPathPlaceholder)
	q.withField(p, field, resolved)
	c.addChild(p)
	sub.addConstraint(p)
	return true
}

// childClass is the class whose fields are reachable below the constraint.
func (c *Constraint) childClass() string {
	switch c.kind {
	case KindClassType, KindObjectValue, KindPathPlaceholder:
		return c.class
	default:
		return ""
	}
}

// OrderAscending orders results by the values of this query level, smallest
// first. Orderings requested earlier take precedence.
func (q *Query) OrderAscending() *Query {
	q.setOrdering(1)
	return q
}

// OrderDescending orders results by the values of this query level, largest
// first.
func (q *Query) OrderDescending() *Query {
	q.setOrdering(-1)
	return q
}

func (q *Query) setOrdering(sign int) {
	if q.shared.lastOrdering == math.MaxInt {
		return
	}
	q.shared.lastOrdering++
	for _, c := range q.constraints {
		c.ordering = sign * q.shared.lastOrdering
	}
}

// SortBy sorts the results of eager execution with the comparator over the
// activated objects. Snapshot and lazy execution fall back to eager
// execution when a comparator is set.
func (q *Query) SortBy(cmp func(a, b *datastore.Object) int) *Query {
	q.shared.sortBy = cmp
	return q
}

func (q *Query) String() string {
	var roots []*Constraint
	for _, c := range q.constraints {
		if root := c.root(); !slices.Contains(roots, root) {
			roots = append(roots, root)
		}
	}
	var out string
	for i, r := range roots {
		if i > 0 {
			out += "\n"
		}
		out += r.String()
	}
	return out
}

// coerceLiteral converts a literal for comparison with the field. Without a
// known field, literals keep their canonical form.
func coerceLiteral(field *schema.ResolvedField, value any) (any, bool) {
	if value == nil {
		return nil, true
	}
	if field != nil {
		return schema.Coerce(field.ValueKind(), value)
	}

	switch v := value.(type) {
	case datastore.ID:
		return v, true
	case string, bool:
		return v, true
	case float32, float64:
		return schema.Coerce(schema.KindFloat, v)
	default:
		return schema.Coerce(schema.KindInt, v)
	}
}

// literalClass returns the class of an example literal.
func literalClass(value any) string {
	if obj, ok := value.(*datastore.Object); ok && obj != nil {
		return obj.Class
	}
	return ""
}

// morphableLiteral returns true if the literal can have fields of its own.
func morphableLiteral(value any) bool {
	switch value.(type) {
	case *datastore.Object, datastore.ID:
		return true
	default:
		return false
	}
}

func isZero(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}
