package rpc

import "errors"

// Sentinel errors for the dispatcher's typed error taxonomy (§7).
var (
	// ErrBlockNotFound is raised for block-fetching methods when the
	// response is null and the caller passed RetryNullBlock (§4.1).
	ErrBlockNotFound = errors.New("rpc: block not found")

	// ErrRangeTooLarge is raised when an event-fetch method reports the
	// requested range exceeds what the endpoint allows (§4.1, §4.4).
	// It is never retried by the dispatcher itself — the caller
	// (historical sync) re-chunks and retries.
	ErrRangeTooLarge = errors.New("rpc: requested range too large")

	// ErrRateLimited marks an HTTP 429 or provider-specific equivalent.
	ErrRateLimited = errors.New("rpc: rate limited")

	// ErrNoEndpointAvailable is returned when the dispatcher gives up
	// waiting for an available endpoint.
	ErrNoEndpointAvailable = errors.New("rpc: no endpoint available")

	// ErrShutdown is the cooperative-cancellation sentinel (§9):
	// "distinguishable from real failures".
	ErrShutdown = errors.New("rpc: shutdown")

	// ErrNonRetryable wraps underlying errors the dispatcher has decided
	// not to retry (method-not-found, JSON parse errors, "revert", etc).
	ErrNonRetryable = errors.New("rpc: non-retryable error")
)

// RangeTooLargeError carries an optional suggested range (§4.1, §4.4
// "adopt the suggested range if the error provides one").
type RangeTooLargeError struct {
	Err             error
	SuggestedFrom   *uint64
	SuggestedTo     *uint64
}

func (e *RangeTooLargeError) Error() string { return e.Err.Error() }
func (e *RangeTooLargeError) Unwrap() error { return ErrRangeTooLarge }

// HasSuggestion reports whether the provider told us a usable range.
func (e *RangeTooLargeError) HasSuggestion() bool {
	return e.SuggestedFrom != nil && e.SuggestedTo != nil
}

// RpcProviderError is the fatal, batch-level error raised on cross-record
// consistency failures (§4.2, §7 "Fatal to the batch").
type RpcProviderError struct {
	Chain string
	Msg   string
}

func (e *RpcProviderError) Error() string {
	return "rpc provider error on chain " + e.Chain + ": " + e.Msg
}

// UnrecoverableReorgError is fatal process-level; the caller should shut
// down with this diagnostic (§4.5, §7).
type UnrecoverableReorgError struct {
	Chain          string
	FinalizedHead  uint64
}

func (e *UnrecoverableReorgError) Error() string {
	return "unrecoverable reorg on chain " + e.Chain + " below finalized head; shutting down"
}
