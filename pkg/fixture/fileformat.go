package fixture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/authzed/objectdb/pkg/schema"
)

// ParseFile attempts to parse the given contents as a YAML fixture file.
// Unknown keys are rejected.
func ParseFile(contents []byte) (File, error) {
	file := File{}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("unable to parse fixture: %w", err)
	}
	return file, nil
}

// File represents the contents of a YAML fixture file: a class catalog, the
// objects stored in it and queries run against them.
type File struct {
	// Classes are the class descriptors of the catalog.
	Classes []schema.Class `yaml:"classes"`

	// Objects are stored in order. Ref fields name other objects of the file.
	Objects []Object `yaml:"objects"`

	// Queries are run by name against the stored objects.
	Queries []Query `yaml:"queries"`
}

// Object is a named object of the fixture.
type Object struct {
	Name   string         `yaml:"name"`
	Class  string         `yaml:"class"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Query is a declarative query.
type Query struct {
	Name string `yaml:"name"`

	// Class constrains the query to instances of the class. With Exact set
	// subclasses are excluded.
	Class string `yaml:"class,omitempty"`
	Exact bool   `yaml:"exact,omitempty"`

	// Match combines the predicates: "all" (the default) or "any".
	Match      string      `yaml:"match,omitempty"`
	Predicates []Predicate `yaml:"where,omitempty"`
	Order      []Order     `yaml:"order,omitempty"`

	// Select descends the results to the objects reached through the path.
	Select Path `yaml:"select,omitempty"`

	// Mode is one of "eager" (the default), "snapshot" or "lazy".
	Mode string `yaml:"mode,omitempty"`

	Options QueryOptions `yaml:"options,omitempty"`

	// Expect lists the names of the expected results. Nil skips the check;
	// ordered queries are checked in order.
	Expect []string `yaml:"expect,omitempty"`
}

// QueryOptions toggles the evaluation optimizations. Unset options keep their
// defaults.
type QueryOptions struct {
	IndexSeeding      *bool `yaml:"index_seeding,omitempty"`
	ClassOnlyShortcut *bool `yaml:"class_only_shortcut,omitempty"`
	OptimizeJoins     *bool `yaml:"optimize_joins,omitempty"`
}

// Predicate constrains the value reached through Path.
type Predicate struct {
	Path Path `yaml:"path"`

	// Op is one of equal, smaller, greater, smaller-equal, greater-equal,
	// contains, like, starts-with, ends-with or identity. Empty means equal.
	Op            string `yaml:"op,omitempty"`
	Value         any    `yaml:"value"`
	Not           bool   `yaml:"not,omitempty"`
	CaseSensitive bool   `yaml:"case_sensitive,omitempty"`
}

// Order sorts the results by the value reached through Path.
type Order struct {
	Path       Path `yaml:"path"`
	Descending bool `yaml:"descending,omitempty"`
}

// Path is a dotted field path such as `content.size`.
type Path []string

// UnmarshalYAML accepts a dotted string or a sequence of field names.
func (p *Path) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var dotted string
		if err := node.Decode(&dotted); err != nil {
			return err
		}
		if dotted == "" {
			*p = nil
			return nil
		}
		*p = strings.Split(dotted, ".")
		return nil
	}

	var fields []string
	if err := node.Decode(&fields); err != nil {
		return err
	}
	*p = fields
	return nil
}

func (p Path) String() string { return strings.Join(p, ".") }
