package worker

import (
	"errors"
	"fmt"
	"regexp"
)

// TransientError is a retryable worker-backend failure: network glitch,
// rate limit. The Executor may retry (§4.3/§4.4).
type TransientError struct {
	Reason string
	Err    error
}

func NewTransientError(reason string, err error) *TransientError {
	return &TransientError{Reason: reason, Err: err}
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient worker error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient worker error: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a non-retryable worker-backend failure: invalid prompt,
// auth failure. The Executor must fail the task.
type PermanentError struct {
	Reason string
	Err    error
}

func NewPermanentError(reason string, err error) *PermanentError {
	return &PermanentError{Reason: reason, Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent worker error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent worker error: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CrashedError reports the adapter dying without ever producing a terminal
// message. The Executor does not retry it: the task fails, and the failure
// counts toward the circuit breaker, which fails later tasks fast once it
// trips.
type CrashedError struct {
	Err error
}

func NewCrashedError(err error) *CrashedError {
	return &CrashedError{Err: err}
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("worker adapter crashed: %v", e.Err)
}

func (e *CrashedError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsPermanent(err error) bool {
	var e *PermanentError
	return errors.As(err, &e)
}

func IsCrashed(err error) bool {
	var e *CrashedError
	return errors.As(err, &e)
}

// transientPatterns classifies raw backend error text into the Transient
// bucket by regexp matching on the message (rate limits, connection resets,
// and 5xx responses are all worth retrying; everything else is Permanent).
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)connection reset`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)5\d\d`),
	regexp.MustCompile(`(?i)overloaded`),
}

// Classify wraps a raw backend error as Transient or Permanent based on its
// message, for adapters whose underlying SDK does not already distinguish
// the two (used by the Anthropic client wrapper around network errors).
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, pattern := range transientPatterns {
		if pattern.MatchString(msg) {
			return NewTransientError("backend reported a retryable condition", err)
		}
	}
	return NewPermanentError("backend reported a non-retryable condition", err)
}
