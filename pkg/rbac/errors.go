package rbac

import "errors"

// Error classes returned by the managers. Callers test with errors.Is.
var (
	// ErrValidation is returned when input or a hierarchy rule is invalid
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when mutating protected fields of a system role or group
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when deleting a role that is still referenced
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a role, group or user does not exist
	ErrNotFound = errors.New("not found")
)
