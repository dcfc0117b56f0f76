// Package historical implements range-chunked backfill over a set of
// filters (§4.4, component C4).
package historical

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/constants"
	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/filter"
	"github.com/0xmhha/starkindex/pkg/normalize"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

// RPCClient is the narrow slice of *rpc.Dispatcher the engine needs,
// kept as an interface so tests can substitute a fake without a real
// transport (§1 "depend on the narrowest interface that does the job").
type RPCClient interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}, opts rpc.CallOptions) error
}

// Engine runs historical backfills for one chain.
type Engine struct {
	chainIDNumeric uint64
	chainIDString  string
	client         RPCClient
	store          store.SyncStore
	logger         *zap.Logger

	addressListThreshold int
	tracesSupported      bool

	receiptsCombinedFailed bool // sticky fallback flag (§4.4 step 5)
}

// Config configures a new Engine.
type Config struct {
	ChainIDNumeric  uint64
	ChainIDString   string
	Client          RPCClient
	Store           store.SyncStore
	Logger          *zap.Logger
	TracesSupported bool
}

// New constructs a historical sync Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		chainIDNumeric:       cfg.ChainIDNumeric,
		chainIDString:        cfg.ChainIDString,
		client:               cfg.Client,
		store:                cfg.Store,
		logger:               logger,
		addressListThreshold: constants.AddressListThreshold,
		tracesSupported:      cfg.TracesSupported,
	}
}

// dedupCaches are the per-call caches of §4.4 step 4, cleared at the end
// of each Sync invocation.
type dedupCaches struct {
	blocksByNumber map[uint64]*chain.Block
	receiptsByHash map[felt.Felt]*chain.TransactionReceipt
}

func newDedupCaches() *dedupCaches {
	return &dedupCaches{
		blocksByNumber: make(map[uint64]*chain.Block),
		receiptsByHash: make(map[felt.Felt]*chain.TransactionReceipt),
	}
}

// Sync implements the §4.4 algorithm for one requested interval across
// all sources. It returns the newest block number observed.
func (e *Engine) Sync(ctx context.Context, requested chain.Interval, sources []chain.Source, children filter.ChildAddresses) (uint64, error) {
	caches := newDedupCaches()
	var latest uint64

	for i := range sources {
		src := &sources[i]
		working, err := e.workingInterval(ctx, requested, src)
		if err != nil {
			return latest, err
		}
		if working == nil {
			continue
		}

		missing, fragmentIDs, err := e.missingRanges(ctx, working, src)
		if err != nil {
			return latest, err
		}

		for _, gap := range missing {
			newest, err := e.syncOneSource(ctx, src, gap, children, caches)
			if err != nil {
				return latest, err // interval not persisted; work repeats (§4.4 step 7)
			}
			if newest > latest {
				latest = newest
			}
			for _, fid := range fragmentIDs {
				if err := e.store.InsertIntervals(ctx, fid, []chain.Interval{gap}); err != nil {
					return latest, err
				}
			}
		}
	}

	return latest, nil
}

// workingInterval computes the intersection of the requested interval
// with the filter's own range and, for factory-addressed filters, the
// factory's own range (§4.4 step 1).
func (e *Engine) workingInterval(ctx context.Context, requested chain.Interval, src *chain.Source) (*chain.Interval, error) {
	iv := requested
	if src.Filter.Range.FromBlock != nil && *src.Filter.Range.FromBlock > iv.Low {
		iv.Low = *src.Filter.Range.FromBlock
	}
	if src.Filter.Range.ToBlock != nil && *src.Filter.Range.ToBlock < iv.High {
		iv.High = *src.Filter.Range.ToBlock
	}
	if src.Factory != nil {
		if src.Factory.Range.FromBlock != nil && *src.Factory.Range.FromBlock > iv.Low {
			iv.Low = *src.Factory.Range.FromBlock
		}
		if src.Factory.Range.ToBlock != nil && *src.Factory.Range.ToBlock < iv.High {
			iv.High = *src.Factory.Range.ToBlock
		}
	}
	if iv.Low > iv.High {
		return nil, nil
	}
	return &iv, nil
}

// missingRanges diffs the working interval against persisted completed
// intervals for the source's fragments (§4.4 step 2).
func (e *Engine) missingRanges(ctx context.Context, working *chain.Interval, src *chain.Source) ([]chain.Interval, []string, error) {
	fragments := src.Filter.FragmentsOf()
	fragmentIDs := make([]string, len(fragments))
	var missing []chain.Interval
	for i, f := range fragments {
		fragmentIDs[i] = f.ID
		completed, err := e.store.GetCompletedIntervals(ctx, f.ID)
		if err != nil {
			return nil, nil, err
		}
		missing = append(missing, completed.Missing(*working)...)
	}
	return missing, fragmentIDs, nil
}

func (e *Engine) syncOneSource(ctx context.Context, src *chain.Source, gap chain.Interval, children filter.ChildAddresses, caches *dedupCaches) (uint64, error) {
	switch src.Filter.Kind {
	case chain.FilterKindLog:
		return e.syncLogFilter(ctx, src, gap, children)
	case chain.FilterKindBlock:
		return e.syncBlockFilter(ctx, src, gap, caches)
	case chain.FilterKindTransaction, chain.FilterKindTrace, chain.FilterKindTransfer:
		return e.syncEntityFilter(ctx, src, gap, children, caches)
	default:
		return 0, fmt.Errorf("historical: unknown filter kind %d", src.Filter.Kind)
	}
}

// syncBlockFilter materializes and fetches the required block numbers
// once each (§4.4 step 3 "Block filters").
func (e *Engine) syncBlockFilter(ctx context.Context, src *chain.Source, gap chain.Interval, caches *dedupCaches) (uint64, error) {
	var latest uint64
	for n := gap.Low; n <= gap.High; n++ {
		if !filter.MatchBlock(&src.Filter, n) {
			continue
		}
		b, err := e.fetchBlock(ctx, n, caches)
		if err != nil {
			return latest, err
		}
		if err := e.store.InsertBlocks(ctx, e.chainIDString, []chain.Block{*b}); err != nil {
			return latest, err
		}
		if b.Number > latest {
			latest = b.Number
		}
	}
	return latest, nil
}

// syncEntityFilter handles transaction/trace/transfer filters: fetch the
// block, optionally traces, then receipts for the subset of transactions
// the filter points at (§4.4 step 3).
func (e *Engine) syncEntityFilter(ctx context.Context, src *chain.Source, gap chain.Interval, children filter.ChildAddresses, caches *dedupCaches) (uint64, error) {
	var latest uint64
	for n := gap.Low; n <= gap.High; n++ {
		b, err := e.fetchBlock(ctx, n, caches)
		if err != nil {
			return latest, err
		}

		var traces []chain.Trace
		if src.Filter.Kind != chain.FilterKindTransaction {
			traces, err = e.fetchTraces(ctx, b)
			if err != nil {
				return latest, err
			}
		}

		matchedHashes := e.matchedTransactionHashes(src, b, traces, n, children)
		if len(matchedHashes) == 0 {
			if b.Number > latest {
				latest = b.Number
			}
			continue
		}

		receipts, err := e.fetchReceipts(ctx, b, matchedHashes, caches)
		if err != nil {
			return latest, err
		}

		matchedTxs := matchedTransactions(b, matchedHashes)
		if err := e.persistBlockRecords(ctx, b, matchedTxs, nil, traces, receipts); err != nil {
			return latest, err
		}
		if b.Number > latest {
			latest = b.Number
		}
	}
	return latest, nil
}

func matchedTransactions(b *chain.Block, hashes []felt.Felt) []chain.Transaction {
	want := make(map[felt.Felt]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	out := make([]chain.Transaction, 0, len(hashes))
	for _, tx := range b.Transactions {
		if want[tx.Hash] {
			out = append(out, tx)
		}
	}
	return out
}

func (e *Engine) matchedTransactionHashes(src *chain.Source, b *chain.Block, traces []chain.Trace, blockNumber uint64, children filter.ChildAddresses) []felt.Felt {
	var out []felt.Felt
	switch src.Filter.Kind {
	case chain.FilterKindTransaction:
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			if ok, _ := filter.MatchTransaction(&src.Filter, tx, blockNumber); ok {
				out = append(out, tx.Hash)
			}
		}
	case chain.FilterKindTrace, chain.FilterKindTransfer:
		for i := range traces {
			t := &traces[i]
			matched := false
			if src.Filter.Kind == chain.FilterKindTrace {
				matched = filter.MatchTrace(&src.Filter, t, blockNumber, children)
			} else if t.Value != nil {
				to := felt.Zero
				if t.To != nil {
					to = *t.To
				}
				matched = filter.MatchTransfer(&src.Filter, t.From, to, *t.Value, blockNumber, children)
			}
			if matched {
				out = append(out, t.TransactionHash)
			}
		}
	}
	return out
}

// syncLogFilter implements §4.4 step 3's log-filter chunking algorithm.
func (e *Engine) syncLogFilter(ctx context.Context, src *chain.Source, gap chain.Interval, children filter.ChildAddresses) (uint64, error) {
	estimatedRange := uint64(constants.InitialEstimatedRange)
	confirmedRange := false
	var latest uint64

	lo := gap.Low
	for lo <= gap.High {
		hi := lo + estimatedRange - 1
		if hi > gap.High {
			hi = gap.High
		}

		logs, err := e.fetchEventsWindow(ctx, src, lo, hi)
		if rte := asRangeTooLarge(err); rte != nil {
			currentWindow := hi - lo + 1
			if rte.HasSuggestion() {
				suggested := *rte.SuggestedTo - *rte.SuggestedFrom + 1
				if suggested < currentWindow {
					estimatedRange = suggested
					confirmedRange = true
					continue
				}
				// A suggestion that doesn't shrink the window would re-issue
				// the same range and spin forever (§8); fall through to
				// halving so forward progress is always made.
			}
			if estimatedRange <= constants.MinChunkRange {
				return latest, err
			}
			estimatedRange /= 2
			if estimatedRange < constants.MinChunkRange {
				estimatedRange = constants.MinChunkRange
			}
			continue
		}
		if err != nil {
			return latest, err
		}

		matched := make([]chain.Log, 0, len(logs))
		for _, l := range logs {
			if filter.MatchLog(&src.Filter, &l, children) {
				matched = append(matched, l)
			}
		}
		if err := e.persistLogs(ctx, src, matched, children); err != nil {
			return latest, err
		}

		if hi > latest {
			latest = hi
		}
		if !confirmedRange {
			estimatedRange = uint64(float64(estimatedRange) * constants.EstimatedRangeGrowth)
		}
		lo = hi + 1
	}

	return latest, nil
}

func asRangeTooLarge(err error) *rpc.RangeTooLargeError {
	var rte *rpc.RangeTooLargeError
	if errors.As(err, &rte) {
		return rte
	}
	return nil
}

// rawEventsFilter/Page mirror the starknet_getEvents request/response
// shape (§6 "Request shape").
type rawEventsFilter struct {
	FromBlock         uint64   `json:"from_block"`
	ToBlock           uint64   `json:"to_block"`
	Address           string   `json:"address,omitempty"`
	Keys              []string `json:"keys,omitempty"`
	ChunkSize         int      `json:"chunk_size"`
	ContinuationToken string   `json:"continuation_token,omitempty"`
}

type rawEvent struct {
	FromAddress     string   `json:"from_address"`
	BlockHash       string   `json:"block_hash"`
	BlockNumber     uint64   `json:"block_number"`
	TransactionHash string   `json:"transaction_hash"`
	Keys            []string `json:"keys"`
	Data            []string `json:"data"`
}

type rawEventsPage struct {
	Events            []rawEvent `json:"events"`
	ContinuationToken string     `json:"continuation_token"`
}

// fetchEventsWindow fetches every page of starknet_getEvents for [lo, hi]
// and assigns a dense per-block logIndex as each block's run of events
// completes. transactionIndex is left at zero here: a getEvents-only
// fetch never sees a block's transaction list, so
// normalize.RepairTransactionIndex (called only by the realtime engine,
// which fetches full blocks) is not applied.
func (e *Engine) fetchEventsWindow(ctx context.Context, src *chain.Source, lo, hi uint64) ([]chain.Log, error) {
	filterParams := rawEventsFilter{
		FromBlock: lo,
		ToBlock:   hi,
		Address:   addressListParam(src.Filter.Address, e.addressListThreshold),
		ChunkSize: constants.EventsPageSize,
	}

	var out []chain.Log
	for {
		var page rawEventsPage
		params := map[string]interface{}{"filter": filterParams}
		if err := e.client.Call(ctx, "starknet_getEvents", params, &page, rpc.CallOptions{IsEventFetch: true}); err != nil {
			return nil, err
		}
		for _, re := range page.Events {
			log, err := normalizeRawEvent(re)
			if err != nil {
				return nil, err
			}
			out = append(out, log)
		}
		if page.ContinuationToken == "" {
			break
		}
		filterParams.ContinuationToken = page.ContinuationToken
	}
	assignLogIndexPerBlock(out)
	return out, nil
}

// assignLogIndexPerBlock assigns a dense logIndex within each block's run
// of events, mirroring normalize.AssignLogIndex's per-block contract.
func assignLogIndexPerBlock(logs []chain.Log) {
	start := 0
	for i := 1; i <= len(logs); i++ {
		if i == len(logs) || logs[i].BlockNumber != logs[start].BlockNumber {
			for j := start; j < i; j++ {
				logs[j].LogIndex = j - start
			}
			start = i
		}
	}
}

// addressListParam returns the address of a one-address constant matcher
// and "" (match-any) for every other matcher. Lists are never sent,
// whatever their length relative to threshold; they are matched
// client-side via MatchLog.
func addressListParam(m chain.AddressMatcher, threshold int) string {
	if m.Kind == chain.AddressMatcherConstant && len(m.Addresses) == 1 {
		return m.Addresses[0].Hex()
	}
	if m.Kind == chain.AddressMatcherList && len(m.Addresses) <= threshold {
		// Only a single address is representable in the request today;
		// larger/constant-list matching happens client-side via MatchLog.
		return ""
	}
	return ""
}

func normalizeRawEvent(re rawEvent) (chain.Log, error) {
	addr, err := felt.FromHex(re.FromAddress)
	if err != nil {
		return chain.Log{}, fmt.Errorf("historical: event.from_address: %w", err)
	}
	blockHash, err := felt.FromHex(re.BlockHash)
	if err != nil {
		return chain.Log{}, fmt.Errorf("historical: event.block_hash: %w", err)
	}
	txHash, err := felt.FromHex(re.TransactionHash)
	if err != nil {
		return chain.Log{}, fmt.Errorf("historical: event.transaction_hash: %w", err)
	}
	keys := make([]felt.Felt, len(re.Keys))
	for i, k := range re.Keys {
		if keys[i], err = felt.FromHex(k); err != nil {
			return chain.Log{}, fmt.Errorf("historical: event.keys[%d]: %w", i, err)
		}
	}
	data := make([]felt.Felt, len(re.Data))
	for i, d := range re.Data {
		if data[i], err = felt.FromHex(d); err != nil {
			return chain.Log{}, fmt.Errorf("historical: event.data[%d]: %w", i, err)
		}
	}
	return chain.Log{
		Address:         addr,
		BlockHash:       blockHash,
		BlockNumber:     re.BlockNumber,
		TransactionHash: txHash,
		Keys:            keys,
		Data:            data,
	}, nil
}

func (e *Engine) persistLogs(ctx context.Context, src *chain.Source, logs []chain.Log, children filter.ChildAddresses) error {
	if len(logs) == 0 {
		return nil
	}
	for i := range logs {
		if err := normalize.CheckInt32Bounds("log_index", int64(logs[i].LogIndex)); err != nil {
			return err
		}
		if err := normalize.CheckInt32Bounds("transaction_index", int64(logs[i].TransactionIndex)); err != nil {
			return err
		}
	}
	if err := e.store.InsertLogs(ctx, e.chainIDString, logs); err != nil {
		return err
	}
	if src.Factory != nil {
		var records []store.ChildAddressRecord
		for i := range logs {
			addr, err := filter.ExtractChildAddress(src.Factory.ChildAddressLocation, &logs[i])
			if err != nil {
				continue
			}
			children.Record(src.Factory.ID, addr, logs[i].BlockNumber)
			records = append(records, store.ChildAddressRecord{
				FactoryID:            src.Factory.ID,
				Address:              addr,
				FirstSeenBlockNumber: logs[i].BlockNumber,
			})
		}
		if len(records) > 0 {
			if err := e.store.InsertChildAddresses(ctx, records); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) fetchBlock(ctx context.Context, number uint64, caches *dedupCaches) (*chain.Block, error) {
	if b, ok := caches.blocksByNumber[number]; ok {
		return b, nil
	}
	var raw json.RawMessage
	params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": number}}
	if err := e.client.Call(ctx, "starknet_getBlockWithTxs", params, &raw, rpc.CallOptions{RetryNullBlock: true}); err != nil {
		return nil, err
	}
	b, err := normalize.Block(raw)
	if err != nil {
		return nil, err
	}
	caches.blocksByNumber[number] = b
	return b, nil
}

func (e *Engine) fetchTraces(ctx context.Context, b *chain.Block) ([]chain.Trace, error) {
	if !e.tracesSupported {
		return nil, nil
	}
	var raw []chain.Trace
	params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": b.Number}}
	if err := e.client.Call(ctx, "starknet_traceBlockTransactions", params, &raw, rpc.CallOptions{}); err != nil {
		return nil, err
	}
	return raw, nil
}

// fetchReceipts prefers the combined per-block RPC; on its first error it
// sticks to per-transaction receipt fetches for the rest of the process
// (§4.4 step 5).
func (e *Engine) fetchReceipts(ctx context.Context, b *chain.Block, wanted []felt.Felt, caches *dedupCaches) ([]chain.TransactionReceipt, error) {
	want := make(map[felt.Felt]bool, len(wanted))
	for _, h := range wanted {
		want[h] = true
	}

	if !e.receiptsCombinedFailed {
		var raw []chain.TransactionReceipt
		params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": b.Number}}
		err := e.client.Call(ctx, "starknet_getBlockWithReceipts", params, &raw, rpc.CallOptions{})
		if err == nil {
			out := make([]chain.TransactionReceipt, 0, len(wanted))
			for _, r := range raw {
				if want[r.TransactionHash] {
					caches.receiptsByHash[r.TransactionHash] = &r
					out = append(out, r)
				}
			}
			return out, nil
		}
		e.receiptsCombinedFailed = true
		e.logger.Warn("combined block-with-receipts call failed, falling back to per-transaction receipts", zap.Error(err))
	}

	out := make([]chain.TransactionReceipt, 0, len(wanted))
	for _, h := range wanted {
		if r, ok := caches.receiptsByHash[h]; ok {
			out = append(out, *r)
			continue
		}
		var r chain.TransactionReceipt
		params := map[string]interface{}{"transaction_hash": h.Hex()}
		if err := e.client.Call(ctx, "starknet_getTransactionReceipt", params, &r, rpc.CallOptions{}); err != nil {
			return nil, err
		}
		caches.receiptsByHash[h] = &r
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) persistBlockRecords(ctx context.Context, b *chain.Block, txs []chain.Transaction, logs []chain.Log, traces []chain.Trace, receipts []chain.TransactionReceipt) error {
	if err := normalize.CheckInt64Bounds("block_number", b.Number); err != nil {
		return err
	}
	if err := normalize.ValidateCrossRecord(b, receipts, traces, e.tracesSupported); err != nil {
		return err
	}
	for i := range logs {
		if err := normalize.CheckInt32Bounds("log_index", int64(logs[i].LogIndex)); err != nil {
			return err
		}
		if err := normalize.CheckInt32Bounds("transaction_index", int64(logs[i].TransactionIndex)); err != nil {
			return err
		}
	}
	for i := range receipts {
		if err := normalize.CheckInt32Bounds("transaction_index", int64(receipts[i].TransactionIndex)); err != nil {
			return err
		}
	}

	if err := e.store.InsertBlocks(ctx, e.chainIDString, []chain.Block{*b}); err != nil {
		return err
	}
	if len(txs) > 0 {
		if err := e.store.InsertTransactions(ctx, e.chainIDString, b.Number, txs); err != nil {
			return err
		}
	}
	if len(logs) > 0 {
		if err := e.store.InsertLogs(ctx, e.chainIDString, logs); err != nil {
			return err
		}
	}
	if len(traces) > 0 {
		if err := e.store.InsertTraces(ctx, e.chainIDString, b.Number, traces); err != nil {
			return err
		}
	}
	if len(receipts) > 0 {
		if err := e.store.InsertTransactionReceipts(ctx, e.chainIDString, receipts); err != nil {
			return err
		}
	}
	return nil
}
