package ledger

import (
	"errors"
	"fmt"
)

// TransientError wraps timeouts and connection failures. Callers retry
// these with bounded backoff; they are never silently dropped.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient ledger error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a business-rule rejection (for example insufficient
// funds). It is surfaced to the caller and not retried.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected command: %s", e.Reason)
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a business-rule rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
