// Package handlercache implements the deterministic read-through cache and
// profile-based prefetcher that back a handler's read-only RPC surface
// during event delivery (§4.7, component C7).
package handlercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/constants"
	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

// RPCClient is the narrow dispatcher slice the cache needs to issue
// cache-miss requests.
type RPCClient interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}, opts rpc.CallOptions) error
}

// Config configures a new Cache.
type Config struct {
	ChainID string
	Client  RPCClient
	Store   store.SyncStore
	Logger  *zap.Logger
}

// Cache is the per-chain handler RPC cache: a deterministic in-memory
// layer over the persisted rpcRequestResults table, plus a profile-pattern
// recorder feeding the prefetcher (§4.7).
type Cache struct {
	chainID string
	client  RPCClient
	store   store.SyncStore
	logger  *zap.Logger

	mu      sync.Mutex
	memo    map[string]string   // cleared at the start of every batch
	pending map[string]*sync.WaitGroup

	patternsMu sync.Mutex
	patterns   map[string]*patternSet // keyed by event name
	sampleHit  int                    // every ProfileSampleRate-th event is sampled
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		chainID:  cfg.ChainID,
		client:   cfg.Client,
		store:    cfg.Store,
		logger:   logger,
		memo:     make(map[string]string),
		pending:  make(map[string]*sync.WaitGroup),
		patterns: make(map[string]*patternSet),
	}
}

// ResetBatch clears the in-memory layer; the cache is only deterministic
// within the lifetime of a single event batch (§4.7 "Within the lifetime
// of a single event batch").
func (c *Cache) ResetBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memo = make(map[string]string)
	c.pending = make(map[string]*sync.WaitGroup)
}

// cacheKey canonically serializes {method, contractAddress,
// entryPointSelector, canonical-args, block-identifier} (§4.7).
func cacheKey(method string, address, selector felt.Felt, args []felt.Felt, blockID string) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(address.Hex())
	b.WriteByte('|')
	b.WriteString(selector.Hex())
	b.WriteByte('|')
	for _, a := range args {
		b.WriteString(a.Hex())
		b.WriteByte(',')
	}
	b.WriteByte('|')
	b.WriteString(blockID)
	return b.String()
}

// Get implements the §4.7 step-1 read-through: memory, then persisted
// store, then a live RPC call, with the result fanned back into both
// layers. Concurrent callers for the same key coalesce onto one RPC call.
func (c *Cache) Get(ctx context.Context, method string, address, selector felt.Felt, args []felt.Felt, blockID string, issue func(ctx context.Context) (string, error)) (string, error) {
	key := cacheKey(method, address, selector, args, blockID)

	c.mu.Lock()
	if v, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if wg, inflight := c.pending[key]; inflight {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		v, ok := c.memo[key]
		c.mu.Unlock()
		if ok {
			return v, nil
		}
		return "", fmt.Errorf("handlercache: in-flight request for %s did not populate the cache", key)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.pending[key] = wg
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		wg.Done()
	}()

	if entry, err := c.store.GetRPCCacheEntry(ctx, c.chainID, key); err == nil {
		c.mu.Lock()
		c.memo[key] = entry.Result
		c.mu.Unlock()
		return entry.Result, nil
	}

	result, err := issue(ctx)
	if err != nil {
		return "", err
	}
	if isEmptyResult(result) {
		// Empty arrays and null are explicitly not cached: they may be
		// spurious (§4.7).
		return result, nil
	}

	c.mu.Lock()
	c.memo[key] = result
	c.mu.Unlock()

	var blockNumber *uint64
	if n, err := strconv.ParseUint(blockID, 10, 64); err == nil {
		blockNumber = &n
	}
	go func() {
		entry := store.RPCCacheEntry{ChainID: c.chainID, CacheKey: key, BlockNumber: blockNumber, Result: result}
		if err := c.store.PutRPCCacheEntry(context.Background(), entry); err != nil {
			c.logger.Warn("failed to persist rpc cache entry", zap.String("key", key), zap.Error(err))
		}
	}()

	return result, nil
}

func isEmptyResult(result string) bool {
	trimmed := strings.TrimSpace(result)
	return trimmed == "" || trimmed == "null" || trimmed == "[]"
}

// RecordCall folds one concrete read-only call observed during handler
// execution into ev's event-name pattern set, sampled 1-in-N (§4.7
// "profile-based prefetch").
func (c *Cache) RecordCall(ev chain.Event, method string, address, selector felt.Felt, args []felt.Felt) {
	c.patternsMu.Lock()
	c.sampleHit++
	sample := c.sampleHit%constants.ProfileSampleRate == 0
	c.patternsMu.Unlock()
	if !sample {
		return
	}

	full := fmt.Sprintf("%s:%s", method, selector.Hex())
	c.patternsMu.Lock()
	set, ok := c.patterns[ev.Name]
	if !ok {
		set = newPatternSet(constants.MaxConstantPatternsPerEvent)
		c.patterns[ev.Name] = set
	}
	c.patternsMu.Unlock()

	set.record(full, address, args, deriveFrom(ev))
}

// Prefetch implements the §4.7 pre-batch step: for each upcoming event,
// recover concrete parameters from every known pattern for its name,
// weight by frequency, and bulk-load or live-fetch accordingly.
func (c *Cache) Prefetch(ctx context.Context, events []chain.Event) {
	for _, ev := range events {
		c.patternsMu.Lock()
		set, ok := c.patterns[ev.Name]
		c.patternsMu.Unlock()
		if !ok {
			continue
		}
		for _, wp := range set.candidates() {
			address, args, ok := wp.pattern.recover(ev)
			if !ok {
				continue
			}
			method, selector := splitFullMethod(wp.pattern.Method)
			blockID := strconv.FormatUint(blockNumberOf(ev), 10)
			key := cacheKey(method, address, selector, args, blockID)

			switch {
			case wp.weight > constants.PrefetchLiveThreshold:
				c.prefetchLive(ctx, key, method, address, selector, args, blockID)
			case wp.weight > constants.PrefetchDatabaseThreshold:
				c.prefetchFromStore(ctx, key)
			}
		}
	}
}

func (c *Cache) prefetchFromStore(ctx context.Context, key string) {
	entry, err := c.store.GetRPCCacheEntry(ctx, c.chainID, key)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.memo[key] = entry.Result
	c.mu.Unlock()
}

func (c *Cache) prefetchLive(ctx context.Context, key, method string, address, selector felt.Felt, args []felt.Felt, blockID string) {
	c.mu.Lock()
	if _, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return
	}
	if _, inflight := c.pending[key]; inflight {
		c.mu.Unlock()
		return
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.pending[key] = wg
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
			wg.Done()
		}()
		var raw json.RawMessage
		params := callParams(address, selector, args, blockID)
		if err := retryable(ctx, func() error {
			return c.client.Call(ctx, "starknet_call", params, &raw, rpc.CallOptions{})
		}); err != nil {
			c.logger.Debug("prefetch live request failed", zap.String("key", key), zap.Error(err))
			return
		}
		if isEmptyResult(string(raw)) {
			return
		}
		c.mu.Lock()
		c.memo[key] = string(raw)
		c.mu.Unlock()
	}()
}

func splitFullMethod(full string) (method string, selector felt.Felt) {
	idx := strings.LastIndex(full, ":")
	if idx < 0 {
		return full, felt.Zero
	}
	return full[:idx], felt.MustFromHex(full[idx+1:])
}

func blockNumberOf(ev chain.Event) uint64 {
	if ev.Block == nil {
		return 0
	}
	return ev.Block.Number
}

func callParams(address, selector felt.Felt, args []felt.Felt, blockID string) map[string]interface{} {
	calldata := make([]string, len(args))
	for i, a := range args {
		calldata[i] = a.Hex()
	}
	return map[string]interface{}{
		"request": map[string]interface{}{
			"contract_address":    address.Hex(),
			"entry_point_selector": selector.Hex(),
			"calldata":            calldata,
		},
		"block_id": blockIDParam(blockID),
	}
}

func blockIDParam(blockID string) interface{} {
	if blockID == "latest" {
		return "latest"
	}
	n, err := strconv.ParseUint(blockID, 10, 64)
	if err != nil {
		return "latest"
	}
	return map[string]interface{}{"block_number": n}
}

// retryable retries fn up to HandlerOperationMaxRetries times with the
// same exponential backoff shape as the dispatcher's own retry loop, for
// transient empty responses and typed not-found errors (§4.7 "Operations
// marked retryable retry up to 9 times with exponential backoff").
func retryable(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= constants.HandlerOperationMaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		delay := time.Duration(float64(constants.RetryBaseDelay) * pow(constants.RetryBackoffBase, attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isRetryable(err error) bool {
	return errors.Is(err, rpc.ErrBlockNotFound) || strings.Contains(err.Error(), "not found")
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
