package models

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError reports bad caller input. It is returned before any
// provider or store call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError reports an embedding batch that failed after retries.
// Index is the position, in the caller's input, of the first text of the
// failing batch.
type ProviderError struct {
	Index int
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider failed at input %d: %v", e.Index, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StoreError reports a vector store connectivity or transaction failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TimeoutError reports a blocking call that hit its deadline. The outcome of
// the call is unknown; retrying is safe because upserts are keyed.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Timeout() bool { return true }

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// WrapStoreError classifies err as a StoreError, marking deadline overruns as
// timeouts. A nil err stays nil.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &TimeoutError{Op: "store " + op, Err: err}
	}
	return &StoreError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
