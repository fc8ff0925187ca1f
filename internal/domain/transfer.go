package domain

import (
	"fmt"
	"time"
)

// Defaults applied by TransferRequest.WithDefaults.
const (
	DefaultConcurrency   = 4
	DefaultRetries       = 5
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// UnknownSize marks a size that the source did not report.
const UnknownSize int64 = -1

// TransferRequest describes a single download. It is not modified once the
// transfer starts.
type TransferRequest struct {
	// ID correlates log lines of one transfer.
	ID string

	// Source is the URL to fetch.
	Source string

	// Destination is the local path to write.
	Destination string

	// SizeHint is the total size if already known, or UnknownSize. When set,
	// the coordinator skips the HEAD request.
	SizeHint int64

	// Concurrency bounds the number of segments in flight.
	Concurrency int

	// Retries is the number of retries per segment after the first attempt.
	Retries int

	// RetryDelay is the base backoff delay.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay. Zero means no cap.
	MaxRetryDelay time.Duration

	// Deadline bounds the whole transfer. Zero means no deadline.
	Deadline time.Duration
}

// WithDefaults fills zero-valued fields with defaults. SizeHint of zero is
// treated as unknown.
func (r TransferRequest) WithDefaults() TransferRequest {
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.MaxRetryDelay == 0 {
		r.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if r.SizeHint == 0 {
		r.SizeHint = UnknownSize
	}
	return r
}

// Validate checks the request before any I/O happens.
func (r TransferRequest) Validate() error {
	switch {
	case r.Source == "":
		return &ConfigurationError{Field: "source", Reason: "is required"}
	case r.Destination == "":
		return &ConfigurationError{Field: "destination", Reason: "is required"}
	case r.Concurrency < 1:
		return &ConfigurationError{Field: "concurrency", Reason: fmt.Sprintf("must be at least 1, got %d", r.Concurrency)}
	case r.Retries < 0:
		return &ConfigurationError{Field: "retries", Reason: fmt.Sprintf("must not be negative, got %d", r.Retries)}
	case r.RetryDelay <= 0:
		return &ConfigurationError{Field: "retry_delay", Reason: "must be positive"}
	case r.MaxRetryDelay < 0:
		return &ConfigurationError{Field: "max_retry_delay", Reason: "must not be negative"}
	case r.Deadline < 0:
		return &ConfigurationError{Field: "deadline", Reason: "must not be negative"}
	}
	return nil
}

// MaxAttempts is the total number of attempts per segment.
func (r TransferRequest) MaxAttempts() int {
	return r.Retries + 1
}

// TransferResult is the outcome of a transfer. Cause is nil on success.
type TransferResult struct {
	// BytesWritten is the number of bytes that reached the destination.
	BytesWritten int64

	// Cause is the first terminal error, or nil.
	Cause error

	// PartiallyWritten is true when a failed transfer left bytes in the
	// destination. Such a file is incomplete and no byte range is guaranteed.
	PartiallyWritten bool

	// FellBack reports whether the single-segment fallback was used.
	FellBack bool

	// Segments is the number of segments of the final plan.
	Segments int

	// Elapsed is the wall time of the transfer.
	Elapsed time.Duration
}

// OK reports whether the transfer succeeded.
func (r TransferResult) OK() bool {
	return r.Cause == nil
}

// Success builds a successful result.
func Success(written int64) TransferResult {
	return TransferResult{BytesWritten: written}
}

// Failure builds a failed result.
func Failure(cause error, written int64) TransferResult {
	return TransferResult{
		BytesWritten:     written,
		Cause:            cause,
		PartiallyWritten: written > 0,
	}
}
