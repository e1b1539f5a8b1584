package datastore

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ErrNotFound is a shared interface for not found errors.
type ErrNotFound interface {
	IsNotFoundError() bool
}

// ErrObjectNotFound occurs when no record is stored for an id.
type ErrObjectNotFound struct {
	error
	id ID
}

var _ ErrNotFound = ErrObjectNotFound{}

func (err ErrObjectNotFound) IsNotFoundError() bool {
	return true
}

// NotFoundID is the id that was not found.
func (err ErrObjectNotFound) NotFoundID() ID {
	return err.id
}

// MarshalZerologObject implements zerolog object marshalling.
func (err ErrObjectNotFound) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Int64("id", int64(err.id))
}

// DetailsMetadata returns the metadata for details for this error.
func (err ErrObjectNotFound) DetailsMetadata() map[string]string {
	return map[string]string{
		"object_id": fmt.Sprintf("%d", err.id),
	}
}

// ErrClassNotFound occurs when a class is not part of the catalog.
type ErrClassNotFound struct {
	error
	className string
}

var _ ErrNotFound = ErrClassNotFound{}

func (err ErrClassNotFound) IsNotFoundError() bool {
	return true
}

// NotFoundClassName is the name of the class not found.
func (err ErrClassNotFound) NotFoundClassName() string {
	return err.className
}

// MarshalZerologObject implements zerolog object marshalling.
func (err ErrClassNotFound) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("class", err.className)
}

// DetailsMetadata returns the metadata for details for this error.
func (err ErrClassNotFound) DetailsMetadata() map[string]string {
	return map[string]string{
		"class_name": err.className,
	}
}

// ErrFieldNotIndexed occurs when an index range is requested for a field
// without an index.
type ErrFieldNotIndexed struct {
	error
	className string
	fieldName string
}

// MarshalZerologObject implements zerolog object marshalling.
func (err ErrFieldNotIndexed) MarshalZerologObject(e *zerolog.Event) {
	e.Err(err.error).Str("class", err.className).Str("field", err.fieldName)
}

// NewObjectNotFoundErr constructs a new object not found error.
func NewObjectNotFoundErr(id ID) error {
	return ErrObjectNotFound{
		error: fmt.Errorf("object `%d` not found", id),
		id:    id,
	}
}

// NewClassNotFoundErr constructs a new class not found error.
func NewClassNotFoundErr(className string) error {
	return ErrClassNotFound{
		error:     fmt.Errorf("class `%s` not found", className),
		className: className,
	}
}

// NewFieldNotIndexedErr constructs a new field not indexed error.
func NewFieldNotIndexedErr(className, fieldName string) error {
	return ErrFieldNotIndexed{
		error:     fmt.Errorf("field `%s` of class `%s` has no index", fieldName, className),
		className: className,
		fieldName: fieldName,
	}
}
