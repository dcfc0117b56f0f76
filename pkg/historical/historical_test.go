package historical

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/filter"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

// fakeClient scripts RPC responses by method name for tests, avoiding any
// real transport.
type fakeClient struct {
	handler func(method string, params, result interface{}) error
	calls   []string
}

func (f *fakeClient) Call(ctx context.Context, method string, params, result interface{}, opts rpc.CallOptions) error {
	f.calls = append(f.calls, method)
	return f.handler(method, params, result)
}

// fakeStore is a minimal in-memory store.SyncStore for tests that don't
// need pebble's durability guarantees.
type fakeStore struct {
	blocks    map[uint64]chain.Block
	logs      []chain.Log
	txs       []chain.Transaction
	traces    []chain.Trace
	receipts  []chain.TransactionReceipt
	intervals map[string]*chain.IntervalSet
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[uint64]chain.Block), intervals: make(map[string]*chain.IntervalSet)}
}

func (s *fakeStore) InsertBlocks(ctx context.Context, chainID string, blocks []chain.Block) error {
	for _, b := range blocks {
		s.blocks[b.Number] = b
	}
	return nil
}
func (s *fakeStore) InsertTransactions(ctx context.Context, chainID string, blockNumber uint64, txs []chain.Transaction) error {
	s.txs = append(s.txs, txs...)
	return nil
}
func (s *fakeStore) InsertLogs(ctx context.Context, chainID string, logs []chain.Log) error {
	s.logs = append(s.logs, logs...)
	return nil
}
func (s *fakeStore) InsertTraces(ctx context.Context, chainID string, blockNumber uint64, traces []chain.Trace) error {
	s.traces = append(s.traces, traces...)
	return nil
}
func (s *fakeStore) InsertTransactionReceipts(ctx context.Context, chainID string, receipts []chain.TransactionReceipt) error {
	s.receipts = append(s.receipts, receipts...)
	return nil
}
func (s *fakeStore) InsertChildAddresses(ctx context.Context, records []store.ChildAddressRecord) error {
	return nil
}
func (s *fakeStore) GetBlock(ctx context.Context, chainID string, number uint64) (*chain.Block, error) {
	b, ok := s.blocks[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &b, nil
}
func (s *fakeStore) GetLightBlock(ctx context.Context, chainID string, number uint64) (*chain.LightBlock, error) {
	b, ok := s.blocks[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	lb := b.ToLight()
	return &lb, nil
}
func (s *fakeStore) GetLatestBlockNumber(ctx context.Context, chainID string) (uint64, error) {
	var latest uint64
	for n := range s.blocks {
		if n > latest {
			latest = n
		}
	}
	return latest, nil
}
func (s *fakeStore) GetChildAddresses(ctx context.Context, factoryID string) (map[felt.Felt]uint64, error) {
	return nil, nil
}
func (s *fakeStore) RemoveChildAddressesAtOrAbove(ctx context.Context, factoryID string, from uint64) error {
	return nil
}
func (s *fakeStore) InsertIntervals(ctx context.Context, fragmentID string, ranges []chain.Interval) error {
	set, ok := s.intervals[fragmentID]
	if !ok {
		set = chain.NewIntervalSet()
		s.intervals[fragmentID] = set
	}
	for _, r := range ranges {
		set.Add(r)
	}
	return nil
}
func (s *fakeStore) GetCompletedIntervals(ctx context.Context, fragmentID string) (*chain.IntervalSet, error) {
	if set, ok := s.intervals[fragmentID]; ok {
		return set, nil
	}
	return chain.NewIntervalSet(), nil
}
func (s *fakeStore) GetRPCCacheEntry(ctx context.Context, chainID, cacheKey string) (*store.RPCCacheEntry, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) PutRPCCacheEntry(ctx context.Context, entry store.RPCCacheEntry) error { return nil }
func (s *fakeStore) Close() error                                                         { return nil }

var _ store.SyncStore = (*fakeStore)(nil)

func rawBlockJSON(number uint64, hash string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"block_hash": "%s",
		"parent_hash": "0x0",
		"block_number": %d,
		"new_root": "0x0",
		"timestamp": 1000,
		"sequencer_address": "0x0",
		"starknet_version": "0.13.1",
		"status": "ACCEPTED_ON_L2",
		"l1_da_mode": "CALLDATA",
		"l1_gas_price": {"price_in_fri": "0x1", "price_in_wei": "0x1"},
		"l1_data_gas_price": {"price_in_fri": "0x1", "price_in_wei": "0x1"},
		"transactions": []
	}`, hash, number))
}

func TestSyncBlockFilterFetchesAndPersistsMatchingBlocks(t *testing.T) {
	client := &fakeClient{handler: func(method string, params, result interface{}) error {
		require.Equal(t, "starknet_getBlockWithTxs", method)
		raw := result.(*json.RawMessage)
		p := params.(map[string]interface{})["block_id"].(map[string]interface{})
		*raw = rawBlockJSON(p["block_number"].(uint64), "0xaa")
		return nil
	}}
	st := newFakeStore()
	eng := New(Config{ChainIDString: "chain1", Client: client, Store: st})

	src := chain.Source{Name: "everyBlock", Filter: chain.Filter{Kind: chain.FilterKindBlock, Interval: 1}}
	latest, err := eng.Sync(context.Background(), chain.Interval{Low: 10, High: 12}, []chain.Source{src}, filter.ChildAddresses{})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), latest)
	assert.Len(t, st.blocks, 3)

	completed, err := st.GetCompletedIntervals(context.Background(), src.Filter.FragmentsOf()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []chain.Interval{{Low: 10, High: 12}}, completed.Ranges())
}

func TestSyncBlockFilterSkipsNonMatchingOffsets(t *testing.T) {
	client := &fakeClient{handler: func(method string, params, result interface{}) error {
		raw := result.(*json.RawMessage)
		p := params.(map[string]interface{})["block_id"].(map[string]interface{})
		*raw = rawBlockJSON(p["block_number"].(uint64), "0xaa")
		return nil
	}}
	st := newFakeStore()
	eng := New(Config{ChainIDString: "chain1", Client: client, Store: st})

	src := chain.Source{Name: "every2nd", Filter: chain.Filter{Kind: chain.FilterKindBlock, Interval: 2, Offset: 0}}
	_, err := eng.Sync(context.Background(), chain.Interval{Low: 10, High: 13}, []chain.Source{src}, filter.ChildAddresses{})
	require.NoError(t, err)
	assert.Len(t, st.blocks, 2, "only even-offset blocks in [10,13] should be fetched")
}

func TestSyncLogFilterHalvesChunkOnUnsuggestedRangeTooLarge(t *testing.T) {
	var seenWindows []chain.Interval
	client := &fakeClient{handler: func(method string, params, result interface{}) error {
		f := params.(map[string]interface{})["filter"].(rawEventsFilter)
		seenWindows = append(seenWindows, chain.Interval{Low: f.FromBlock, High: f.ToBlock})
		if f.ToBlock-f.FromBlock+1 > 500 {
			return &rpc.RangeTooLargeError{Err: fmt.Errorf("range too large")}
		}
		page := result.(*rawEventsPage)
		*page = rawEventsPage{}
		return nil
	}}
	st := newFakeStore()
	eng := New(Config{ChainIDString: "chain1", Client: client, Store: st})

	src := chain.Source{Name: "transfers", Filter: chain.Filter{Kind: chain.FilterKindLog}}
	latest, err := eng.Sync(context.Background(), chain.Interval{Low: 0, High: 2499}, []chain.Source{src}, filter.ChildAddresses{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2499), latest)
	assert.Less(t, seenWindows[1].High-seenWindows[1].Low+1, seenWindows[0].High-seenWindows[0].Low+1, "second attempt must use a smaller chunk")
}

func TestSyncLogFilterAdoptsSuggestedRangeAndStopsGrowing(t *testing.T) {
	calls := 0
	client := &fakeClient{handler: func(method string, params, result interface{}) error {
		f := params.(map[string]interface{})["filter"].(rawEventsFilter)
		calls++
		if calls == 1 {
			from, to := f.FromBlock, f.FromBlock+99
			return &rpc.RangeTooLargeError{Err: fmt.Errorf("too large"), SuggestedFrom: &from, SuggestedTo: &to}
		}
		page := result.(*rawEventsPage)
		*page = rawEventsPage{}
		return nil
	}}
	st := newFakeStore()
	eng := New(Config{ChainIDString: "chain1", Client: client, Store: st})

	src := chain.Source{Name: "transfers", Filter: chain.Filter{Kind: chain.FilterKindLog}}
	_, err := eng.Sync(context.Background(), chain.Interval{Low: 0, High: 199}, []chain.Source{src}, filter.ChildAddresses{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "100-block confirmed chunks should need exactly 2 windows over [0,199] plus the initial rejected one")
}

func TestSyncSkipsAlreadyCompletedIntervals(t *testing.T) {
	client := &fakeClient{handler: func(method string, params, result interface{}) error {
		t.Fatalf("no RPC call expected once the interval is already completed")
		return nil
	}}
	st := newFakeStore()
	src := chain.Source{Name: "everyBlock", Filter: chain.Filter{Kind: chain.FilterKindBlock, Interval: 1}}
	require.NoError(t, st.InsertIntervals(context.Background(), src.Filter.FragmentsOf()[0].ID, []chain.Interval{{Low: 0, High: 100}}))

	eng := New(Config{ChainIDString: "chain1", Client: client, Store: st})
	latest, err := eng.Sync(context.Background(), chain.Interval{Low: 0, High: 100}, []chain.Source{src}, filter.ChildAddresses{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest)
}

func TestWorkingIntervalIntersectsFilterAndFactoryRange(t *testing.T) {
	eng := New(Config{})
	from, to := uint64(50), uint64(150)
	ffrom := uint64(0)
	src := &chain.Source{
		Filter:  chain.Filter{Range: chain.BlockRange{FromBlock: &from, ToBlock: &to}},
		Factory: &chain.Factory{Range: chain.BlockRange{FromBlock: &ffrom}},
	}
	iv, err := eng.workingInterval(context.Background(), chain.Interval{Low: 0, High: 1000}, src)
	require.NoError(t, err)
	require.NotNil(t, iv)
	assert.Equal(t, chain.Interval{Low: 50, High: 150}, *iv)
}

func TestWorkingIntervalEmptyWhenDisjoint(t *testing.T) {
	eng := New(Config{})
	from, to := uint64(500), uint64(600)
	src := &chain.Source{Filter: chain.Filter{Range: chain.BlockRange{FromBlock: &from, ToBlock: &to}}}
	iv, err := eng.workingInterval(context.Background(), chain.Interval{Low: 0, High: 100}, src)
	require.NoError(t, err)
	assert.Nil(t, iv)
}
