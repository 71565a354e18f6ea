package types

import (
	"errors"
	"fmt"
)

// Error taxonomy of the core. Only persistence failures are retryable.
var (
	ErrInvalidCredential       = errors.New("invalid camera credential")
	ErrValidationRejected      = errors.New("detection rejected by validation")
	ErrDuplicateSuppressed     = errors.New("duplicate detection suppressed")
	ErrConflictingState        = errors.New("transition not allowed from current state")
	ErrPersistenceFailure      = errors.New("persistence failure")
	ErrUnknownCorrelationToken = errors.New("unknown correlation token")
	ErrExpiredApproval         = errors.New("approval expired")
	ErrNotFound                = errors.New("not found")
)

// PersistenceError wraps a failed audit or state write
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPersistenceFailure) hold for every PersistenceError
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

// NewPersistenceError wraps err unless it already carries the persistence marker
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// ConflictError describes a rejected transition
type ConflictError struct {
	From    LifecycleState
	Trigger string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot apply %s to entry in state %s", e.Trigger, e.From)
}

// Is makes errors.Is(err, ErrConflictingState) hold for every ConflictError
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictingState
}

// IsRetryable reports whether the caller's transport may retry the request
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceFailure)
}
