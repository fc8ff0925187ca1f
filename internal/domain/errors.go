package domain

import (
	"context"
	"errors"
	"fmt"
)

// TransportError is a network level failure: timeouts, connection resets,
// truncated bodies and transient status codes. It is always retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError means the server answered in a way that cannot succeed by
// retrying the same request.
type ProtocolError struct {
	StatusCode int

	// RangeUnsupported is set when the server ignored or rejected a range
	// request. The coordinator reacts by falling back to a single segment.
	RangeUnsupported bool

	Err error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("protocol: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports an invalid field of a request or config file.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IOError is a destination failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("io: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("io: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// RetriesExhausted wraps the last retryable failure after the attempt budget
// was spent.
type RetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhausted) Unwrap() error {
	return e.Last
}

// EmptyOrUnreachableError is returned when planning finds a zero length
// resource or cannot reach the source at all.
type EmptyOrUnreachableError struct {
	Source string
	Err    error
}

func (e *EmptyOrUnreachableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s is empty", e.Source)
	}
	return fmt.Sprintf("source %s is unreachable: %v", e.Source, e.Err)
}

func (e *EmptyOrUnreachableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may succeed on another attempt.
// Cancellation is never retryable, even when wrapped in a TransportError. A
// wrapped deadline is a per-request timeout and stays retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

// IsRangeUnsupported reports whether err asks for the single-segment fallback.
func IsRangeUnsupported(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.RangeUnsupported
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsIO reports whether err is an IOError.
func IsIO(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsExhausted reports whether err is a RetriesExhausted.
func IsExhausted(err error) bool {
	var re *RetriesExhausted
	return errors.As(err, &re)
}

// IsEmptyOrUnreachable reports whether err is an EmptyOrUnreachableError.
func IsEmptyOrUnreachable(err error) bool {
	var ee *EmptyOrUnreachableError
	return errors.As(err, &ee)
}
