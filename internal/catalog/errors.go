package catalog

import (
	"context"
	"errors"
	"net"
)

// TransientError is a failure that may succeed on retry: network timeouts,
// upstream rate limits, upstream 5xx, pool exhaustion.
type TransientError struct {
	Message string
	Cause   error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PermanentError will never succeed on retry: malformed payloads, not found,
// validation failures.
type PermanentError struct {
	Message string
	Cause   error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Transient wraps cause as a [TransientError].
func Transient(msg string, cause error) error {
	return &TransientError{Message: msg, Cause: cause}
}

// Permanent wraps cause as a [PermanentError].
func Permanent(msg string, cause error) error {
	return &PermanentError{Message: msg, Cause: cause}
}

// IsTransient reports whether err should be retried. Timeouts and network
// errors are transient even when nobody classified them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
