package task

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers match with errors.Is; wrapped errors carry
// detail in their message.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("task not found")
	ErrInvalidState = errors.New("invalid task state")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrDelivery     = errors.New("notification delivery failed")
)

// Validation returns an ErrValidation wrapped with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidState returns an ErrInvalidState describing the offending status.
func InvalidState(id string, st Status, op string) error {
	return fmt.Errorf("%w: cannot %s task %s with status %s", ErrInvalidState, op, id, st)
}

// NotFound returns an ErrNotFound for id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Conflict returns an ErrConflict for id with the version the caller expected.
func Conflict(id string, expected int64) error {
	return fmt.Errorf("%w: task %s is no longer at version %d", ErrConflict, id, expected)
}

// Delivery wraps a sink failure.
func Delivery(id string, err error) error {
	return fmt.Errorf("%w: task %s: %w", ErrDelivery, id, err)
}
