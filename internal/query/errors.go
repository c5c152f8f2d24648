package query

import "fmt"

// UnknownFieldError is returned when a clause names a field the model does not declare.
type UnknownFieldError struct {
	Model string
	Path  string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("query: model %q has no field %q", e.Model, e.Path)
}

// OperatorError is returned for unknown operators or malformed operands.
type OperatorError struct {
	Path     string
	Operator string
	Reason   string
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("query: %s on %q: %s", e.Operator, e.Path, e.Reason)
}
