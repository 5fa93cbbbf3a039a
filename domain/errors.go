package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPosition indicates a target position outside the scope bounds.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrScopeMismatch indicates an id set or destination that does not match the scope.
	ErrScopeMismatch = errors.New("scope mismatch")
	// ErrInvalidRecurrence indicates an inconsistent recurrence descriptor.
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	// ErrNotFound indicates the item does not exist in the declared scope.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// commit because a newer version of a touched entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrInvalidCommand indicates a malformed or unknown command.
	ErrInvalidCommand = errors.New("invalid command")
)

// ValidationError carries one of the sentinel kinds above together with a
// human readable detail.
type ValidationError struct {
	Kind error
	Msg  string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalidPositionf(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidPosition, Msg: fmt.Sprintf(format, args...)}
}

func scopeMismatchf(format string, args ...any) error {
	return &ValidationError{Kind: ErrScopeMismatch, Msg: fmt.Sprintf(format, args...)}
}

func invalidRecurrencef(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidRecurrence, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &ValidationError{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func invalidCommandf(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidCommand, Msg: fmt.Sprintf(format, args...)}
}
