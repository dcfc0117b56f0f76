package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets tests script per-call behavior without a real socket.
type fakeTransport struct {
	mu       sync.Mutex
	calls    int
	handler  func(call int, method string, params interface{}, result interface{}) error
	closed   bool
}

func (f *fakeTransport) CallContext(ctx context.Context, result interface{}, method string, params interface{}) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.handler(n, method, params, result)
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newFakeDialer(transports map[string]*fakeTransport) TransportDialer {
	return func(ctx context.Context, url string) (Transport, error) {
		t, ok := transports[url]
		if !ok {
			return nil, errors.New("no fake transport registered for " + url)
		}
		return t, nil
	}
}

func TestDispatcherCallSucceedsOnFirstAttempt(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		return nil
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	var out string
	err = d.Call(context.Background(), "starknet_chainId", nil, &out, CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 1, ft.calls)
}

func TestDispatcherRetriesOnTransientFailure(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		if call < 3 {
			return errors.New("temporary network error")
		}
		return nil
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	var out string
	err = d.Call(context.Background(), "starknet_blockNumber", nil, &out, CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 3, ft.calls)
}

func TestDispatcherNonRetryableErrorReturnsImmediately(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		return errors.New("method not found")
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	var out string
	err = d.Call(context.Background(), "starknet_bogus", nil, &out, CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonRetryable)
	assert.Equal(t, 1, ft.calls, "non-retryable errors must not be retried")
}

func TestDispatcherRangeTooLargeSurfacedWithoutRetryOnEventFetch(t *testing.T) {
	from, to := uint64(100), uint64(200)
	rte := &RangeTooLargeError{Err: ErrRangeTooLarge, SuggestedFrom: &from, SuggestedTo: &to}
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		return rte
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	var out string
	err = d.Call(context.Background(), "starknet_getEvents", nil, &out, CallOptions{IsEventFetch: true})
	require.Error(t, err)
	var got *RangeTooLargeError
	require.ErrorAs(t, err, &got)
	assert.True(t, got.HasSuggestion())
	assert.Equal(t, 1, ft.calls, "range-too-large must not be retried by the dispatcher")
}

func TestDispatcherNullBlockRetriedWhenRequested(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		if p, ok := result.(*fakeZeroable); ok {
			p.zero = call < 2
		}
		return nil
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	out := &fakeZeroable{}
	err = d.Call(context.Background(), "starknet_getBlockWithTxs", nil, out, CallOptions{RetryNullBlock: true})
	assert.NoError(t, err)
	assert.Equal(t, 2, ft.calls)
}

type fakeZeroable struct{ zero bool }

func (f *fakeZeroable) IsZero() bool { return f.zero }

// TestDispatcherNullBlockRetriedForRawMessageResult exercises the real
// production shape: block-fetch callers decode into *json.RawMessage,
// which has no IsZero(), so isNullResult must detect a literal JSON
// null payload directly.
func TestDispatcherNullBlockRetriedForRawMessageResult(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		p, ok := result.(*json.RawMessage)
		require.True(t, ok, "result must be *json.RawMessage, the shape real block-fetch callers use")
		if call < 2 {
			*p = json.RawMessage("null")
		} else {
			*p = json.RawMessage(`{"block_hash":"0x1"}`)
		}
		return nil
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	var out json.RawMessage
	err = d.Call(context.Background(), "starknet_getBlockWithTxs", nil, &out, CallOptions{RetryNullBlock: true})
	assert.NoError(t, err)
	assert.Equal(t, 2, ft.calls)
	assert.JSONEq(t, `{"block_hash":"0x1"}`, string(out))
}

func TestDispatcherKeepsRetryingUntilContextDeadline(t *testing.T) {
	ft := &fakeTransport{handler: func(call int, method string, params, result interface{}) error {
		return errors.New("connection reset")
	}}
	d, err := New(Config{
		Endpoints: []string{"http://a"},
		Dial:      newFakeDialer(map[string]*fakeTransport{"http://a": ft}),
	})
	require.NoError(t, err)
	defer d.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out string
	err = d.Call(ctx, "starknet_chainId", nil, &out, CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "the 2s deadline ends the backoff before MaxRetries is reached")
}

func TestDispatcherRequiresAtLeastOneEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPickPrefersLowerLatencyBeyondHurdle(t *testing.T) {
	d, err := New(Config{Endpoints: []string{"http://fast", "http://slow"}})
	require.NoError(t, err)
	defer d.Shutdown()

	fast, slow := d.buckets[0], d.buckets[1]
	fast.latencySum, fast.latencyCount = 10*time.Millisecond, 1
	slow.latencySum, slow.latencyCount = 100*time.Millisecond, 1

	// Seed 1's first draw (about 0.60) is above ExplorationProbability, so
	// pick takes the exploitation branch; slow is listed first, so fast
	// has to clear the latency hurdle to replace it.
	d.rng = rand.New(rand.NewSource(1))
	assert.Equal(t, fast, d.pick([]*endpointBucket{slow, fast}))
}
