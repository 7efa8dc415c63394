package queue

import (
	"context"
	"errors"
	"strings"
)

// nonRetryablePatterns mark failures that will not go away by retrying.
var nonRetryablePatterns = []string{
	"not found",
	"permission denied",
	"violates",
	"unique constraint",
	"duplicate key",
	"invalid input",
	"malformed",
	"unauthorized",
	"forbidden",
	"row-level security",
}

var timeoutPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var networkPatterns = []string{
	"network",
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"unavailable",
	"offline",
	"eof",
	"dial",
}

// PermanentError wraps an error that must not be retried regardless of its
// message.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable reports whether a processor failure should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !containsAny(strings.ToLower(err.Error()), nonRetryablePatterns)
}

// Classify maps a processor failure to an ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	if !IsRetryable(err) {
		return ErrorBusiness
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, timeoutPatterns):
		return ErrorTimeout
	case containsAny(msg, networkPatterns):
		return ErrorNetwork
	default:
		return ErrorUnknown
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
