// Package rpc implements the adaptive multi-endpoint JSON-RPC dispatcher
// (§4.1, component C1): per-endpoint rate control, latency-weighted
// routing, rate-limit backoff, and retry. It is the sole place request()
// calls leave the process.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/constants"
)

// Transport performs a single JSON-RPC call against one endpoint. It is
// satisfied by *ethrpc.Client (github.com/ethereum/go-ethereum/rpc), whose
// CallContext is transport-agnostic JSON-RPC 2.0 and works for the
// chain's named-parameter methods just as well as Ethereum's — the
// teacher already depends on this package for exactly this shape
// (client/client.go, pkg/rpcproxy/proxy.go).
type Transport interface {
	CallContext(ctx context.Context, result interface{}, method string, params interface{}) error
	Close()
}

// TransportDialer opens a Transport for an endpoint URL. Production code
// uses DialEthRPC; tests inject a fake.
type TransportDialer func(ctx context.Context, url string) (Transport, error)

// CallOptions tunes per-call behavior (§4.1 "Null-block policy",
// "Range-error policy").
type CallOptions struct {
	// RetryNullBlock raises ErrBlockNotFound (retryable) instead of
	// returning a bare nil result for block-fetching methods.
	RetryNullBlock bool
	// IsEventFetch marks getEvents-style calls so a range-too-large error
	// is surfaced rather than retried here (§4.1).
	IsEventFetch bool
}

// Metrics is the narrow sink the dispatcher reports to (§1 "a Metrics
// sink"). A nil Metrics is valid and a no-op.
type Metrics interface {
	ObserveRPCCall(endpoint, method string, latency time.Duration, err error)
	ObserveEndpointRPS(endpoint string, limit int)
}

// Dispatcher routes request(method, params) across N endpoints (§4.1).
type Dispatcher struct {
	logger  *zap.Logger
	metrics Metrics
	dial    TransportDialer

	buckets     []*endpointBucket
	transports  map[string]Transport
	rng         *rand.Rand

	shutdownCh chan struct{}
}

// Config configures a new Dispatcher.
type Config struct {
	Endpoints []string
	Logger    *zap.Logger
	Metrics   Metrics
	Dial      TransportDialer
}

// New constructs a Dispatcher over one or many HTTP(S) JSON-RPC
// endpoints.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpc: at least one endpoint is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := cfg.Dial
	if dial == nil {
		dial = DialEthRPC
	}

	d := &Dispatcher{
		logger:     logger,
		metrics:    cfg.Metrics,
		dial:       dial,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		transports: make(map[string]Transport, len(cfg.Endpoints)),
		shutdownCh: make(chan struct{}),
	}
	for _, url := range cfg.Endpoints {
		d.buckets = append(d.buckets, newEndpointBucket(url))
	}
	return d, nil
}

// Shutdown cooperatively cancels outstanding work and releases transports
// (§5, §9 "cooperative cancellation").
func (d *Dispatcher) Shutdown() {
	select {
	case <-d.shutdownCh:
		return
	default:
		close(d.shutdownCh)
	}
	for _, t := range d.transports {
		t.Close()
	}
}

func (d *Dispatcher) transportFor(ctx context.Context, b *endpointBucket) (Transport, error) {
	if t, ok := d.transports[b.url]; ok {
		return t, nil
	}
	t, err := d.dial(ctx, b.url)
	if err != nil {
		return nil, err
	}
	d.transports[b.url] = t
	return t, nil
}

// selectEndpoint implements the availability + epsilon-greedy selection
// policy of §4.1 steps 1-4.
func (d *Dispatcher) selectEndpoint(ctx context.Context) (*endpointBucket, error) {
	deadline := time.Now().Add(constants.NoEndpointWarnAfter)
	warned := false
	ticker := time.NewTicker(constants.NoEndpointPollInterval)
	defer ticker.Stop()

	for {
		available := d.availableBuckets()
		if len(available) > 0 {
			return d.pick(available), nil
		}

		if !warned && time.Now().After(deadline) {
			d.logger.Warn("no rpc endpoint available", zap.Duration("waited", constants.NoEndpointWarnAfter))
			warned = true
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.shutdownCh:
			return nil, ErrShutdown
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) availableBuckets() []*endpointBucket {
	var out []*endpointBucket
	for _, b := range d.buckets {
		b.mu.Lock()
		ok := b.isAvailableLocked()
		b.mu.Unlock()
		if ok {
			out = append(out, b)
		}
	}
	return out
}

func (d *Dispatcher) pick(available []*endpointBucket) *endpointBucket {
	if d.rng.Float64() < constants.ExplorationProbability {
		return available[d.rng.Intn(len(available))]
	}

	best := available[0]
	bestLatency := d.expectedLatency(best)
	for _, b := range available[1:] {
		l := d.expectedLatency(b)
		if float64(l) < float64(bestLatency)*(1-constants.LatencyHurdle) {
			best, bestLatency = b, l
			continue
		}
		if l == bestLatency && d.activeConnections(b) < d.activeConnections(best) {
			best = b
		}
	}
	return best
}

func (d *Dispatcher) expectedLatency(b *endpointBucket) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expectedLatencyLocked()
}

func (d *Dispatcher) activeConnections(b *endpointBucket) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeConnections
}

// Call dispatches method(params), retrying per §4.1 "Retries" with
// endpoint reselection on each attempt.
func (d *Dispatcher) Call(ctx context.Context, method string, params interface{}, result interface{}, opts CallOptions) error {
	var lastErr error
	for attempt := 0; attempt <= constants.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(constants.RetryBaseDelay) * pow(constants.RetryBackoffBase, attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-d.shutdownCh:
				return ErrShutdown
			}
		}

		b, err := d.selectEndpoint(ctx)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.recordAcquireLocked()
		b.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
		t, err := d.transportFor(callCtx, b)
		if err != nil {
			cancel()
			b.recordFailure()
			lastErr = err
			continue
		}

		start := time.Now()
		err = t.CallContext(callCtx, result, method, params)
		latency := time.Since(start)
		cancel()

		if d.metrics != nil {
			d.metrics.ObserveRPCCall(b.url, method, latency, err)
		}

		if err == nil {
			if opts.RetryNullBlock && isNullResult(result) {
				b.recordFailure()
				lastErr = ErrBlockNotFound
				continue
			}
			b.recordSuccess(latency)
			return nil
		}

		b.recordFailure()

		if rte, ok := asRangeTooLarge(err); ok && opts.IsEventFetch {
			return rte
		}

		if !isRetryable(err) {
			return fmt.Errorf("%w: %v", ErrNonRetryable, err)
		}

		if isRateLimitOrTimeout(err) {
			isTimeout := errors.Is(err, context.DeadlineExceeded)
			delay := b.cooldown(isTimeout)
			go d.scheduleReactivation(b, delay)
		}

		lastErr = err
	}

	return fmt.Errorf("rpc: exhausted %d retries for %s: %w", constants.MaxRetries, method, lastErr)
}

func (d *Dispatcher) scheduleReactivation(b *endpointBucket, delay time.Duration) {
	select {
	case <-time.After(delay):
		b.reactivate()
	case <-d.shutdownCh:
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func isNullResult(result interface{}) bool {
	if p, ok := result.(interface{ IsZero() bool }); ok {
		return p.IsZero()
	}
	switch v := result.(type) {
	case *json.RawMessage:
		return v != nil && isNullJSON(*v)
	case json.RawMessage:
		return isNullJSON(v)
	}
	return false
}

// isNullJSON reports whether a raw JSON payload is the literal `null`, the
// shape every block-fetch caller (historical, realtime, orchestrator,
// handlercache) actually decodes into via *json.RawMessage.
func isNullJSON(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func asRangeTooLarge(err error) (*RangeTooLargeError, bool) {
	var rte *RangeTooLargeError
	if errors.As(err, &rte) {
		return rte, true
	}
	return nil, false
}

// isRetryable classifies errors per §4.1 "Retries": everything is
// retryable except the listed non-retryable conditions.
func isRetryable(err error) bool {
	if errors.Is(err, ErrRangeTooLarge) {
		return false // handled by the caller, never retried here
	}
	msg := strings.ToLower(err.Error())
	nonRetryableSubstrings := []string{
		"method not found",
		"method not supported",
		"unsupported json-rpc version",
		"invalid json",
		"revert",
	}
	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	if he, ok := asHTTPStatus(err); ok {
		switch he {
		case 404, 405, 501, 505:
			return false
		}
	}
	return true
}

func isRateLimitOrTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if he, ok := asHTTPStatus(err); ok && he == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

// httpStatusError is implemented by go-ethereum's rpc.HTTPError.
type httpStatusError interface {
	Error() string
	StatusCode() int
}

func asHTTPStatus(err error) (int, bool) {
	var he httpStatusError
	if errors.As(err, &he) {
		return he.StatusCode(), true
	}
	return 0, false
}
