package queryerrors

import (
	"errors"
	"fmt"
	"maps"

	"github.com/rs/zerolog"
)

// WithMetadata is implemented by errors carrying structured details.
type WithMetadata interface {
	DetailsMetadata() map[string]string
}

// CombineMetadata combines the metadata found on an existing error with that given.
func CombineMetadata(withMetadata WithMetadata, metadata map[string]string) map[string]string {
	clone := maps.Clone(withMetadata.DetailsMetadata())
	maps.Copy(clone, metadata)
	return clone
}

// UnsupportedOperatorError is returned when an operator is applied to a
// constraint that cannot honour it.
type UnsupportedOperatorError struct {
	error

	// Operator is the name of the rejected operator.
	Operator string

	// Constraint describes the kind of constraint it was applied to.
	Constraint string
}

// NewUnsupportedOperatorError constructs a new UnsupportedOperatorError.
func NewUnsupportedOperatorError(operator, constraint string) *UnsupportedOperatorError {
	return &UnsupportedOperatorError{
		error:      fmt.Errorf("operator `%s` is not supported on %s constraints", operator, constraint),
		Operator:   operator,
		Constraint: constraint,
	}
}

// Unwrap returns the inner, wrapped error.
func (err *UnsupportedOperatorError) Unwrap() error {
	return err.error
}

// MarshalZerologObject implements zerolog object marshalling.
func (err *UnsupportedOperatorError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("operator", err.Operator).Str("constraint", err.Constraint)
}

// DetailsMetadata returns the metadata for details for this error.
func (err *UnsupportedOperatorError) DetailsMetadata() map[string]string {
	return map[string]string{
		"operator":   err.Operator,
		"constraint": err.Constraint,
	}
}

// AsUnsupportedOperatorError returns the error as an UnsupportedOperatorError,
// if applicable.
func AsUnsupportedOperatorError(err error) (*UnsupportedOperatorError, bool) {
	var uerr *UnsupportedOperatorError
	if errors.As(err, &uerr) {
		return uerr, true
	}
	return nil, false
}

// CallbackFaultError wraps an error returned or a panic raised by a
// user-supplied evaluation callback.
type CallbackFaultError struct {
	error

	// Recovered holds the panic value when the callback panicked.
	Recovered any
}

// NewCallbackFaultError constructs a fault from a returned error.
func NewCallbackFaultError(err error) *CallbackFaultError {
	return &CallbackFaultError{error: fmt.Errorf("evaluation callback failed: %w", err)}
}

// NewCallbackPanicError constructs a fault from a recovered panic.
func NewCallbackPanicError(recovered any) *CallbackFaultError {
	return &CallbackFaultError{
		error:     fmt.Errorf("evaluation callback panicked: %v", recovered),
		Recovered: recovered,
	}
}

// Unwrap returns the inner, wrapped error.
func (err *CallbackFaultError) Unwrap() error {
	return err.error
}

// MarshalZerologObject implements zerolog object marshalling.
func (err *CallbackFaultError) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Bool("panicked", err.Recovered != nil)
}
