package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

type fakeRPCClient struct{}

func (fakeRPCClient) Call(ctx context.Context, method string, params interface{}, result interface{}, opts rpc.CallOptions) error {
	return fmt.Errorf("fakeRPCClient: unexpected call to %s", method)
}

type fakeStore struct{}

func (fakeStore) InsertBlocks(ctx context.Context, chainID string, blocks []chain.Block) error { return nil }
func (fakeStore) InsertTransactions(ctx context.Context, chainID string, blockNumber uint64, txs []chain.Transaction) error {
	return nil
}
func (fakeStore) InsertLogs(ctx context.Context, chainID string, logs []chain.Log) error { return nil }
func (fakeStore) InsertTraces(ctx context.Context, chainID string, blockNumber uint64, traces []chain.Trace) error {
	return nil
}
func (fakeStore) InsertTransactionReceipts(ctx context.Context, chainID string, receipts []chain.TransactionReceipt) error {
	return nil
}
func (fakeStore) InsertChildAddresses(ctx context.Context, records []store.ChildAddressRecord) error {
	return nil
}
func (fakeStore) GetBlock(ctx context.Context, chainID string, number uint64) (*chain.Block, error) {
	return nil, store.ErrNotFound
}
func (fakeStore) GetLightBlock(ctx context.Context, chainID string, number uint64) (*chain.LightBlock, error) {
	return nil, store.ErrNotFound
}
func (fakeStore) GetLatestBlockNumber(ctx context.Context, chainID string) (uint64, error) { return 0, nil }
func (fakeStore) GetChildAddresses(ctx context.Context, factoryID string) (map[felt.Felt]uint64, error) {
	return nil, nil
}
func (fakeStore) RemoveChildAddressesAtOrAbove(ctx context.Context, factoryID string, from uint64) error {
	return nil
}
func (fakeStore) InsertIntervals(ctx context.Context, fragmentID string, ranges []chain.Interval) error {
	return nil
}
func (fakeStore) GetCompletedIntervals(ctx context.Context, fragmentID string) (*chain.IntervalSet, error) {
	return chain.NewIntervalSet(), nil
}
func (fakeStore) GetRPCCacheEntry(ctx context.Context, chainID, cacheKey string) (*store.RPCCacheEntry, error) {
	return nil, store.ErrNotFound
}
func (fakeStore) PutRPCCacheEntry(ctx context.Context, entry store.RPCCacheEntry) error { return nil }
func (fakeStore) Close() error                                                          { return nil }

var _ store.SyncStore = fakeStore{}

type fakeTx struct {
	committed bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakeTxProvider struct {
	mu  sync.Mutex
	txs []*fakeTx
}

func (p *fakeTxProvider) BeginTx(ctx context.Context) (Tx, error) {
	tx := &fakeTx{}
	p.mu.Lock()
	p.txs = append(p.txs, tx)
	p.mu.Unlock()
	return tx, nil
}

func newTestOrchestrator(chainID string, handlers map[string][]Handler, txp TxProvider) (*Orchestrator, *chainRuntime) {
	o := New(Config{
		Store:      fakeStore{},
		TxProvider: txp,
		Handlers:   handlers,
		Chains: []ChainConfig{
			{ID: chainID, ChainIDNumeric: 1, Client: fakeRPCClient{}, DisableCache: true},
		},
	})
	return o, o.runtimes[0]
}

func testEvent(name, checkpoint string, number uint64) chain.Event {
	return chain.Event{
		Name:       name,
		Checkpoint: chain.Checkpoint(checkpoint),
		Block:      &chain.Block{Number: number},
	}
}

func TestDeliverEventCommitsTxOnHandlerSuccess(t *testing.T) {
	txp := &fakeTxProvider{}
	var delivered []string
	handlers := map[string][]Handler{
		"Transfer": {func(ctx context.Context, hctx HandlerContext) error {
			delivered = append(delivered, hctx.Event.Name)
			return nil
		}},
	}
	o, r := newTestOrchestrator("chain1", handlers, txp)

	o.deliverEvent(context.Background(), r.cfg.ID, r, testEvent("Transfer", "0001", 10))

	require.Len(t, delivered, 1)
	require.Len(t, txp.txs, 1)
	assert.True(t, txp.txs[0].committed)
	assert.False(t, txp.txs[0].rolledBack)
}

func TestDeliverEventRollsBackAfterExhaustingRetries(t *testing.T) {
	txp := &fakeTxProvider{}
	attempts := 0
	handlers := map[string][]Handler{
		"Transfer": {func(ctx context.Context, hctx HandlerContext) error {
			attempts++
			return fmt.Errorf("boom")
		}},
	}
	o, r := newTestOrchestrator("chain1", handlers, txp)

	start := time.Now()
	o.deliverEvent(context.Background(), r.cfg.ID, r, testEvent("Transfer", "0001", 10))
	elapsed := time.Since(start)

	assert.Equal(t, 3, attempts, "handler invoked HandlerMaxAttempts times in total")
	require.Len(t, txp.txs, 1)
	assert.False(t, txp.txs[0].committed)
	assert.True(t, txp.txs[0].rolledBack)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "retries must back off between attempts")
}

func TestDeliverEventSkipsUnhandledEventNames(t *testing.T) {
	txp := &fakeTxProvider{}
	o, r := newTestOrchestrator("chain1", map[string][]Handler{}, txp)

	o.deliverEvent(context.Background(), r.cfg.ID, r, testEvent("Unregistered", "0001", 10))

	assert.Empty(t, txp.txs, "no handler registered for the event name must not begin a transaction")
}

func TestRunMultichainDeliversEventsInOrderPerChain(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	handlers := map[string][]Handler{
		"Transfer": {func(ctx context.Context, hctx HandlerContext) error {
			mu.Lock()
			delivered = append(delivered, string(hctx.Event.Checkpoint))
			mu.Unlock()
			return nil
		}},
	}
	o, r := newTestOrchestrator("chain1", handlers, &fakeTxProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.runMultichain(ctx, make(chan error, 1))

	r.msgs <- batch{chainID: r.cfg.ID, events: []chain.Event{
		testEvent("Transfer", "0001", 1),
		testEvent("Transfer", "0002", 2),
		testEvent("Transfer", "0003", 3),
	}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"0001", "0002", "0003"}, delivered)
}

func TestRunOmnichainMergesAcrossChainsByCheckpoint(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	handlers := map[string][]Handler{
		"Transfer": {func(ctx context.Context, hctx HandlerContext) error {
			mu.Lock()
			delivered = append(delivered, string(hctx.Event.Checkpoint))
			mu.Unlock()
			return nil
		}},
	}

	o := New(Config{
		Store:      fakeStore{},
		TxProvider: &fakeTxProvider{},
		Handlers:   handlers,
		Ordering:   Omnichain,
		Chains: []ChainConfig{
			{ID: "chainA", ChainIDNumeric: 1, Client: fakeRPCClient{}, DisableCache: true},
			{ID: "chainB", ChainIDNumeric: 2, Client: fakeRPCClient{}, DisableCache: true},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.runOmnichain(ctx, make(chan error, 1))

	o.runtimes[0].msgs <- batch{chainID: "chainA", events: []chain.Event{
		testEvent("Transfer", "0002", 1),
		testEvent("Transfer", "0004", 2),
	}}
	o.runtimes[1].msgs <- batch{chainID: "chainB", events: []chain.Event{
		testEvent("Transfer", "0001", 1),
		testEvent("Transfer", "0003", 2),
	}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 4
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"0001", "0002", "0003", "0004"}, delivered, "events must be delivered in global checkpoint order")
}

func TestRunOmnichainPrunesEventsInvalidatedByReorg(t *testing.T) {
	var mu sync.Mutex
	var delivered []string
	handlers := map[string][]Handler{
		"Transfer": {func(ctx context.Context, hctx HandlerContext) error {
			mu.Lock()
			delivered = append(delivered, string(hctx.Event.Checkpoint))
			mu.Unlock()
			return nil
		}},
	}

	o := New(Config{
		Store:      fakeStore{},
		TxProvider: &fakeTxProvider{},
		Handlers:   handlers,
		Ordering:   Omnichain,
		Chains: []ChainConfig{
			{ID: "chainA", ChainIDNumeric: 1, Client: fakeRPCClient{}, DisableCache: true},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.runOmnichain(ctx, make(chan error, 1))

	o.runtimes[0].msgs <- batch{chainID: "chainA", events: []chain.Event{
		testEvent("Transfer", "0001", 10),
		testEvent("Transfer", "0002", 11),
	}}
	o.runtimes[0].msgs <- reorgSignal{chainID: "chainA", ancestor: chain.LightBlock{Number: 10}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0001"}, delivered, "event at block 11 must be pruned once the reorg ancestor is block 10")
}
