package service

import (
	"fmt"

	"vfscore/internal/ids"
	"vfscore/internal/vfserr"
)

// ValidationError reports an invalid request field. It unwraps to an
// InvalidArgument error so transports classify it like any other
// validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Unwrap exposes the InvalidArgument classification.
func (e *ValidationError) Unwrap() error {
	return vfserr.Invalid("service.validate", vfserr.CodeInvalidArgument, e.Message)
}

// kindOf parses the kind prefix of a resource id.
func kindOf(id string) (ids.ResourceKind, error) {
	if id == "" {
		return "", &ValidationError{Field: "id", Message: "cannot be empty"}
	}
	kind, err := ids.KindOf(id)
	if err != nil {
		return "", &ValidationError{Field: "id", Message: err.Error()}
	}
	if kind == ids.KindFolder {
		return "", &ValidationError{Field: "id", Message: fmt.Sprintf("%s is a folder, not a resource", id)}
	}
	return kind, nil
}
