package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists matches every *AlreadyExistsError.
	ErrAlreadyExists = errors.New("already exists")

	// ErrMultipleResults is returned by QueryOne when more than one document matches.
	ErrMultipleResults = errors.New("query matched more than one document")
)

// NotFoundError reports a missing, expired or concurrently modified document.
type NotFoundError struct {
	Model string
	ID    string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Model)
	}
	return fmt.Sprintf("%s with id %q not found", e.Model, e.ID)
}

// Is reports whether the target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyExistsError reports a create of an identifier that is taken.
type AlreadyExistsError struct {
	Model string
	ID    string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s with id %q already exists", e.Model, e.ID)
}

// Is reports whether the target is ErrAlreadyExists.
func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}
