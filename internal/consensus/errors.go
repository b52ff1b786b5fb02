package consensus

import "fmt"

// ErrNotFound signals an operation on a record id that does not exist.
var ErrNotFound = &ledgerError{"anomaly record not found"}

// ErrAlreadyValidated signals a repeat validation by the same observer.
var ErrAlreadyValidated = &ledgerError{"observer has already validated this record"}

type ledgerError struct {
	msg string
}

func (e *ledgerError) Error() string {
	return e.msg
}

// ValidationError rejects malformed input. It is a caller error, never
// retried server-side.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StoreError wraps an underlying storage failure (transient, safe for the
// caller to retry where the operation is idempotent).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
