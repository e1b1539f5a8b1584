package query

import (
	"strings"

	"github.com/authzed/objectdb/pkg/datastore"
	"github.com/authzed/objectdb/pkg/schema"
)

// Operator selects how a value is matched against a constraint's literal.
type Operator uint8

const (
	// OperatorCompare orders the value against the literal.
	OperatorCompare Operator = iota

	// OperatorContains matches strings containing the literal.
	OperatorContains

	// OperatorLike matches strings containing the literal, ignoring case.
	OperatorLike

	// OperatorStartsWith matches strings starting with the literal.
	OperatorStartsWith

	// OperatorEndsWith matches strings ending with the literal.
	OperatorEndsWith

	// OperatorIdentity matches the persisted id of the value.
	OperatorIdentity
)

var operatorNames = map[Operator]string{
	OperatorCompare:    "compare",
	OperatorContains:   "contains",
	OperatorLike:       "like",
	OperatorStartsWith: "startsWith",
	OperatorEndsWith:   "endsWith",
	OperatorIdentity:   "identity",
}

func (o Operator) String() string { return operatorNames[o] }

// CompareFlags select the outcomes of a comparison that match. Flags compose,
// so CompareSmaller|CompareEqual matches values smaller than or equal to the
// literal.
type CompareFlags uint8

const (
	CompareEqual CompareFlags = 1 << iota
	CompareSmaller
	CompareGreater
)

// evaluator decides whether a decoded value satisfies a constraint literal.
// The zero value is not valid; start from defaultEvaluator.
type evaluator struct {
	operator      Operator
	flags         CompareFlags
	caseSensitive bool
	negated       bool

	// explicit is set once a comparison flag was requested, so the first
	// request replaces the default equality instead of widening it.
	explicit bool
}

func defaultEvaluator() evaluator {
	return evaluator{operator: OperatorCompare, flags: CompareEqual, caseSensitive: true}
}

func (e evaluator) isDefault() bool {
	return e.operator == OperatorCompare && !e.explicit
}

func (e evaluator) withFlag(flag CompareFlags) evaluator {
	if !e.explicit {
		e.flags = 0
		e.explicit = true
	}
	e.flags |= flag
	return e
}

func (e evaluator) withOperator(op Operator, caseSensitive bool) evaluator {
	e.operator = op
	e.caseSensitive = caseSensitive
	return e
}

// not applies the evaluator's negation to a result.
func (e evaluator) not(res bool) bool {
	return res != e.negated
}

// matches compares the value with the literal, ignoring negation.
func (e evaluator) matches(value, literal any) bool {
	switch e.operator {
	case OperatorIdentity:
		id, ok := value.(datastore.ID)
		target, isID := literal.(datastore.ID)
		return ok && isID && id.IsPersisted() && id == target

	case OperatorCompare:
		if literal == nil || value == nil {
			return literal == nil && value == nil && e.flags&CompareEqual != 0
		}
		c, ok := schema.Compare(value, literal)
		if !ok {
			return false
		}
		switch {
		case c < 0:
			return e.flags&CompareSmaller != 0
		case c > 0:
			return e.flags&CompareGreater != 0
		default:
			return e.flags&CompareEqual != 0
		}

	default:
		s, ok := value.(string)
		pattern, isString := literal.(string)
		if !ok || !isString {
			return false
		}
		if e.operator == OperatorLike || !e.caseSensitive {
			s = strings.ToLower(s)
			pattern = strings.ToLower(pattern)
		}
		switch e.operator {
		case OperatorContains, OperatorLike:
			return strings.Contains(s, pattern)
		case OperatorStartsWith:
			return strings.HasPrefix(s, pattern)
		default:
			return strings.HasSuffix(s, pattern)
		}
	}
}

// partitions returns the regions of an ordered index over the field that can
// hold matching values. It returns false when no index region describes the
// matches.
func (e evaluator) partitions(literal any) (datastore.Partition, bool) {
	if e.operator != OperatorCompare {
		return datastore.PartitionNone, false
	}

	var p datastore.Partition
	switch {
	case literal == nil && e.flags&CompareEqual != 0:
		p = datastore.PartitionNulls
	case literal == nil:
		p = datastore.PartitionNone
	default:
		if e.flags&CompareSmaller != 0 {
			p |= datastore.PartitionSmaller
		}
		if e.flags&CompareEqual != 0 {
			p |= datastore.PartitionEqual
		}
		if e.flags&CompareGreater != 0 {
			p |= datastore.PartitionGreater
		}
	}

	if e.negated {
		p = p.Complement()
	}
	return p, true
}

func (e evaluator) String() string {
	var sb strings.Builder
	if e.negated {
		sb.WriteString("not ")
	}
	if e.operator != OperatorCompare {
		sb.WriteString(e.operator.String())
		if !e.caseSensitive {
			sb.WriteString("(ci)")
		}
		return sb.String()
	}
	if e.flags&CompareSmaller != 0 {
		sb.WriteString("<")
	}
	if e.flags&CompareGreater != 0 {
		sb.WriteString(">")
	}
	if e.flags&CompareEqual != 0 {
		sb.WriteString("=")
	}
	return sb.String()
}
