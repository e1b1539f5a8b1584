package fixture

import (
	"context"
	"fmt"
	"slices"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/query"
	"github.com/authzed/objectdb/pkg/schema"
)

// ExpectationError is returned by Check when a query's results differ from
// its expectation.
type ExpectationError struct {
	Query    string
	Expected []string
	Found    []string
}

func (err *ExpectationError) Error() string {
	return fmt.Sprintf("query `%s` expected %v, found %v", err.Query, err.Expected, err.Found)
}

// Result is the outcome of one fixture query.
type Result struct {
	Query string
	Mode  string
	IDs   []datastore.ID
	Names []string
}

// Check compares the result with the query's expectation. Unordered queries
// compare as sets.
func (r Result) Check(q Query) error {
	if q.Expect == nil {
		return nil
	}

	expected, found := slices.Clone(q.Expect), slices.Clone(r.Names)
	if len(q.Order) == 0 {
		slices.Sort(expected)
		slices.Sort(found)
	}
	if !slices.Equal(expected, found) {
		return &ExpectationError{Query: q.Name, Expected: q.Expect, Found: r.Names}
	}
	return nil
}

// Query returns the fixture query with the name.
func (p *Populated) Query(name string) (Query, bool) {
	for _, q := range p.File.Queries {
		if q.Name == name {
			return q, true
		}
	}
	return Query{}, false
}

// Run builds and executes the fixture query against the reader, which
// defaults to the populated store. A non-empty mode overrides the query's.
func (p *Populated) Run(ctx context.Context, q Query, reader datastore.Reader, mode string) (Result, error) {
	if reader == nil {
		reader = p.Store
	}
	if mode == "" {
		mode = q.Mode
	}

	built, err := p.Build(q, reader)
	if err != nil {
		return Result{}, fmt.Errorf("unable to build query `%s`: %w", q.Name, err)
	}

	var ids []datastore.ID
	switch mode {
	case "", "eager":
		mode = "eager"
		ids, err = built.Execute(ctx)
	case "snapshot":
		ids, err = built.ExecuteSnapshot(ctx)
	case "lazy":
		for id, iterErr := range built.ExecuteLazy(ctx) {
			if iterErr != nil {
				err = iterErr
				break
			}
			ids = append(ids, id)
		}
	default:
		return Result{}, fmt.Errorf("unknown execution mode `%s`", mode)
	}
	if err != nil {
		return Result{}, err
	}

	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, p.NameOf(id))
	}
	return Result{Query: q.Name, Mode: mode, IDs: ids, Names: names}, nil
}

// Build translates the declarative query into a query over the reader.
func (p *Populated) Build(q Query, reader datastore.Reader) (*query.Query, error) {
	var opts []query.ConfigOption
	if v := q.Options.IndexSeeding; v != nil {
		opts = append(opts, query.WithIndexSeeding(*v))
	}
	if v := q.Options.ClassOnlyShortcut; v != nil {
		opts = append(opts, query.WithClassOnlyShortcut(*v))
	}
	if v := q.Options.OptimizeJoins; v != nil {
		opts = append(opts, query.WithOptimizeJoins(*v))
	}

	built := query.New(reader, p.Catalog, opts...)
	if q.Class != "" {
		var err error
		if q.Exact {
			_, err = built.ConstrainClassExact(q.Class)
		} else {
			_, err = built.ConstrainClass(q.Class)
		}
		if err != nil {
			return nil, err
		}
	}

	var combined *query.Constraint
	for _, pred := range q.Predicates {
		c, err := p.constrain(built, pred)
		if err != nil {
			return nil, fmt.Errorf("predicate on `%s`: %w", pred.Path, err)
		}
		switch {
		case combined == nil:
			combined = c
		case q.Match == "" || q.Match == "all":
			combined, err = combined.And(c)
		case q.Match == "any":
			combined, err = combined.Or(c)
		default:
			return nil, fmt.Errorf("unknown match `%s`", q.Match)
		}
		if err != nil {
			return nil, err
		}
	}

	for _, order := range q.Order {
		level := descend(built, order.Path)
		if order.Descending {
			level.OrderDescending()
		} else {
			level.OrderAscending()
		}
	}

	if len(q.Select) > 0 {
		return descend(built, q.Select), nil
	}
	return built, nil
}

func descend(q *query.Query, path Path) *query.Query {
	for _, field := range path {
		q = q.Descend(field)
	}
	return q
}

func (p *Populated) constrain(q *query.Query, pred Predicate) (*query.Constraint, error) {
	value, err := p.literal(pred)
	if err != nil {
		return nil, err
	}

	c, err := descend(q, pred.Path).Constrain(value)
	if err != nil {
		return nil, err
	}
	if pred.Op == "identity" {
		c, err = c.Identity()
	} else {
		c, err = applyOperator(c, pred)
	}
	if err != nil {
		return nil, err
	}

	if pred.Not {
		return c.Not()
	}
	return c, nil
}

func applyOperator(c *query.Constraint, pred Predicate) (*query.Constraint, error) {
	switch pred.Op {
	case "", "equal":
		return c, nil
	case "smaller":
		return c.Smaller()
	case "greater":
		return c.Greater()
	case "smaller-equal":
		smaller, err := c.Smaller()
		if err != nil {
			return nil, err
		}
		return smaller.Equal()
	case "greater-equal":
		greater, err := c.Greater()
		if err != nil {
			return nil, err
		}
		return greater.Equal()
	case "contains":
		return c.Contains()
	case "like":
		return c.Like()
	case "starts-with":
		return c.StartsWith(pred.CaseSensitive)
	case "ends-with":
		return c.EndsWith(pred.CaseSensitive)
	default:
		return nil, fmt.Errorf("unknown operator `%s`", pred.Op)
	}
}

// literal resolves object names for identity predicates and predicates on
// ref fields.
func (p *Populated) literal(pred Predicate) (any, error) {
	name, isName := pred.Value.(string)
	if !isName {
		return pred.Value, nil
	}
	if pred.Op == "identity" || p.pathEndsInRef(pred.Path) {
		id, ok := p.IDs[name]
		if !ok {
			return nil, fmt.Errorf("unknown object `%s`", name)
		}
		return id, nil
	}
	return pred.Value, nil
}

// pathEndsInRef returns true if every class declaring the path's last field
// declares it as a reference.
func (p *Populated) pathEndsInRef(path Path) bool {
	if len(path) == 0 {
		return false
	}
	field := path[len(path)-1]
	declaring := p.Catalog.ClassesWithField(field)
	if len(declaring) == 0 {
		return false
	}
	for _, class := range declaring {
		f, ok := p.Catalog.LookupField(class, field)
		if !ok || f.ValueKind() != schema.KindRef {
			return false
		}
	}
	return true
}
