package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document or index does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrVersionConflict is returned on create duplicates and failed optimistic checks.
	ErrVersionConflict = errors.New("engine: version conflict")
)

// Error is a structured engine failure.
type Error struct {
	Status int    `json:"status,omitempty"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("engine: %s (%d): %s", e.Type, e.Status, e.Reason)
	}
	return fmt.Sprintf("engine: %s: %s", e.Type, e.Reason)
}

// Is maps well known engine error types onto the sentinel errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Type == TypeDocumentMissing || e.Type == TypeIndexNotFound || e.Status == 404
	case ErrVersionConflict:
		return e.Type == TypeVersionConflict || (e.Status == 409 && e.Type != TypeAlreadyExists)
	}
	return false
}

// Engine error types the adapter reacts to.
const (
	TypeVersionConflict = "version_conflict_engine_exception"
	TypeDocumentMissing = "document_missing_exception"
	TypeIndexNotFound   = "index_not_found_exception"
	TypeAlreadyExists   = "resource_already_exists_exception"
	TypeNotFound        = "not_found"
)

// IsAlreadyExists reports whether err is an index "already exists" failure.
func IsAlreadyExists(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == TypeAlreadyExists
}
