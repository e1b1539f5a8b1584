// Package schema describes the classes known to a store: their inheritance
// chain and the typed fields they declare.
package schema

import (
	"errors"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/authzed/objectdb/pkg/datastore"
)

// Kind is the storage kind of a field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindRef
	KindArray
)

var kindNames = map[Kind]string{
	KindInvalid: "invalid",
	KindInt:     "int",
	KindFloat:   "float",
	KindString:  "string",
	KindBool:    "bool",
	KindRef:     "ref",
	KindArray:   "array",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsScalar returns true for kinds whose values are stored inline.
func (k Kind) IsScalar() bool {
	switch k {
	case KindInt, KindFloat, KindString, KindBool:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if kind != KindInvalid && name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown field kind `%s`", text)
}

// Field is a typed field declared by a class.
type Field struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`

	// Elem is the element kind of an array field.
	Elem Kind `yaml:"elem,omitempty"`

	// Class is the target class of a ref field or of the elements of a ref
	// array.
	Class string `yaml:"class,omitempty"`

	// Indexed requests an ordered index over the field's values.
	Indexed bool `yaml:"indexed,omitempty"`
}

// ValueKind is the kind of a single value of the field: the element kind for
// arrays and the field kind otherwise.
func (f Field) ValueKind() Kind {
	if f.Kind == KindArray {
		return f.Elem
	}
	return f.Kind
}

// RefClass returns the class referenced by the field, if any.
func (f Field) RefClass() (string, bool) {
	if f.ValueKind() == KindRef {
		return f.Class, true
	}
	return "", false
}

// IsSimple returns true if the field holds a single inline value.
func (f Field) IsSimple() bool { return f.Kind.IsScalar() }

// Class is a named record type. A class inherits every field of its parent.
type Class struct {
	Name   string  `yaml:"name"`
	Parent string  `yaml:"parent,omitempty"`
	Fields []Field `yaml:"fields,omitempty"`
}

// FieldNamed returns the field declared directly by the class.
func (c *Class) FieldNamed(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ResolvedField is a field together with the class that declares it.
type ResolvedField struct {
	Field
	DeclaringClass string
}

type fieldKey struct {
	class string
	field string
}

type fieldResolution struct {
	resolved ResolvedField
	found    bool
}

// ErrInvalidCatalog is returned when a set of classes does not form a
// consistent hierarchy.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is an immutable set of classes. It is safe for concurrent use.
type Catalog struct {
	classes  map[string]*Class
	names    []string
	children map[string][]string

	resolved *xsync.Map[fieldKey, fieldResolution]
}

// NewCatalog validates the classes and builds a catalog over them.
func NewCatalog(classes ...Class) (*Catalog, error) {
	c := &Catalog{
		classes:  make(map[string]*Class, len(classes)),
		children: make(map[string][]string, len(classes)),
		resolved: xsync.NewMap[fieldKey, fieldResolution](),
	}

	for i := range classes {
		class := classes[i]
		if class.Name == "" {
			return nil, fmt.Errorf("%w: class without a name", ErrInvalidCatalog)
		}
		if _, ok := c.classes[class.Name]; ok {
			return nil, fmt.Errorf("%w: class `%s` declared twice", ErrInvalidCatalog, class.Name)
		}
		class.Fields = slices.Clone(class.Fields)
		c.classes[class.Name] = &class
		c.names = append(c.names, class.Name)
	}
	slices.Sort(c.names)

	for _, name := range c.names {
		class := c.classes[name]
		if class.Parent == "" {
			continue
		}
		if _, ok := c.classes[class.Parent]; !ok {
			return nil, fmt.Errorf("%w: parent `%s` of class `%s` is unknown", ErrInvalidCatalog, class.Parent, name)
		}
		c.children[class.Parent] = append(c.children[class.Parent], name)
	}

	for _, name := range c.names {
		if err := c.validateClass(c.classes[name]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) validateClass(class *Class) error {
	seen := map[string]struct{}{class.Name: {}}
	for parent := class.Parent; parent != ""; parent = c.classes[parent].Parent {
		if _, ok := seen[parent]; ok {
			return fmt.Errorf("%w: class `%s` inherits from itself", ErrInvalidCatalog, class.Name)
		}
		seen[parent] = struct{}{}
	}

	declared := make(map[string]struct{}, len(class.Fields))
	for _, f := range class.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: class `%s` declares a field without a name", ErrInvalidCatalog, class.Name)
		}
		if _, ok := declared[f.Name]; ok {
			return fmt.Errorf("%w: field `%s` declared twice in class `%s`", ErrInvalidCatalog, f.Name, class.Name)
		}
		declared[f.Name] = struct{}{}

		if class.Parent != "" {
			if inherited, ok := c.LookupField(class.Parent, f.Name); ok {
				return fmt.Errorf("%w: field `%s` of class `%s` shadows the one declared by `%s`",
					ErrInvalidCatalog, f.Name, class.Name, inherited.DeclaringClass)
			}
		}

		switch f.Kind {
		case KindInt, KindFloat, KindString, KindBool:
		case KindRef:
		case KindArray:
			if f.Elem != KindRef && !f.Elem.IsScalar() {
				return fmt.Errorf("%w: array field `%s.%s` has unsupported element kind %s",
					ErrInvalidCatalog, class.Name, f.Name, f.Elem)
			}
			if f.Indexed {
				return fmt.Errorf("%w: array field `%s.%s` cannot be indexed", ErrInvalidCatalog, class.Name, f.Name)
			}
		default:
			return fmt.Errorf("%w: field `%s.%s` has unsupported kind %s", ErrInvalidCatalog, class.Name, f.Name, f.Kind)
		}

		if target, ok := f.RefClass(); ok {
			if _, known := c.classes[target]; !known {
				return fmt.Errorf("%w: field `%s.%s` references unknown class `%s`",
					ErrInvalidCatalog, class.Name, f.Name, target)
			}
		}
	}
	return nil
}

// Class returns the named class.
func (c *Catalog) Class(name string) (*Class, bool) {
	class, ok := c.classes[name]
	return class, ok
}

// MustClass returns the named class or an ErrClassNotFound.
func (c *Catalog) MustClass(name string) (*Class, error) {
	class, ok := c.classes[name]
	if !ok {
		return nil, datastore.NewClassNotFoundErr(name)
	}
	return class, nil
}

// Classes returns the names of every class, sorted.
func (c *Catalog) Classes() []string {
	return slices.Clone(c.names)
}

// TopLevel returns the names of the classes without a parent, sorted.
func (c *Catalog) TopLevel() []string {
	var top []string
	for _, name := range c.names {
		if c.classes[name].Parent == "" {
			top = append(top, name)
		}
	}
	return top
}

// Subclasses returns the class and all of its transitive subclasses, sorted.
func (c *Catalog) Subclasses(name string) []string {
	if _, ok := c.classes[name]; !ok {
		return nil
	}

	found := []string{name}
	for i := 0; i < len(found); i++ {
		found = append(found, c.children[found[i]]...)
	}
	slices.Sort(found)
	return found
}

// Ancestors returns the class followed by its parents, nearest first.
func (c *Catalog) Ancestors(name string) []string {
	var chain []string
	for current, ok := c.classes[name]; ok; current, ok = c.classes[current.Parent] {
		chain = append(chain, current.Name)
	}
	return chain
}

// IsAssignable returns true if instances of class are instances of target.
func (c *Catalog) IsAssignable(class, target string) bool {
	if class == target {
		_, ok := c.classes[class]
		return ok
	}
	return slices.Contains(c.Ancestors(class), target)
}

// CommonAncestor returns the most derived class both classes inherit from.
func (c *Catalog) CommonAncestor(a, b string) (string, bool) {
	other := c.Ancestors(b)
	for _, candidate := range c.Ancestors(a) {
		if slices.Contains(other, candidate) {
			return candidate, true
		}
	}
	return "", false
}

// LookupField finds the field on the class or the nearest ancestor that
// declares it.
func (c *Catalog) LookupField(class, field string) (ResolvedField, bool) {
	key := fieldKey{class, field}
	if res, ok := c.resolved.Load(key); ok {
		return res.resolved, res.found
	}

	var res fieldResolution
	for _, name := range c.Ancestors(class) {
		if f, ok := c.classes[name].FieldNamed(field); ok {
			res = fieldResolution{resolved: ResolvedField{Field: f, DeclaringClass: name}, found: true}
			break
		}
	}
	c.resolved.Store(key, res)
	return res.resolved, res.found
}

// AllFields returns every field of the class, inherited ones first.
func (c *Catalog) AllFields(class string) []ResolvedField {
	chain := c.Ancestors(class)
	var fields []ResolvedField
	for i := len(chain) - 1; i >= 0; i-- {
		for _, f := range c.classes[chain[i]].Fields {
			fields = append(fields, ResolvedField{Field: f, DeclaringClass: chain[i]})
		}
	}
	return fields
}

// ClassesWithField returns the names of the classes that declare the field
// themselves, sorted.
func (c *Catalog) ClassesWithField(field string) []string {
	var found []string
	for _, name := range c.names {
		if _, ok := c.classes[name].FieldNamed(field); ok {
			found = append(found, name)
		}
	}
	return found
}
