package dsl

import (
	"fmt"
	"strings"
)

// TypeCastError is returned when a record value cannot be coerced to the
// type an operand requires. The offending value is kept verbatim so the
// message surfaced to the user names it.
type TypeCastError struct {
	Field string
	Value string
	Want  string
}

func (e *TypeCastError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cannot convert value %q of field %q to %s", e.Value, e.Field, e.Want)
	}
	return fmt.Sprintf("cannot convert string %q to %s", e.Value, e.Want)
}

// MissingFieldError is returned when a field operand references a field
// that is absent from the record or holds a null value.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q is missing or null", e.Field)
}

// DivisionByZeroError is returned when the right operand of a division
// evaluates to exactly zero, regardless of whether it is a constant or a
// field value.
type DivisionByZeroError struct {
	Field string
}

func (e *DivisionByZeroError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("division by zero: field %q evaluates to 0", e.Field)
	}
	return "division by zero"
}

// Violation is one static validation failure. Path points at the
// offending part of the step sequence, e.g. "steps[2].to.mapping.price!".
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ValidationError aggregates every violation found in a step sequence so
// a single report can show all problems at once.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("workflow config invalid: %s", strings.Join(msgs, "; "))
}
