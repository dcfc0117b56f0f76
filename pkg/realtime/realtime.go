// Package realtime tracks the chain head, reconciles reorgs, advances
// finality, and assembles events for newly arrived blocks (§4.5,
// component C5).
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xmhha/starkindex/internal/constants"
	"github.com/0xmhha/starkindex/pkg/assembler"
	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/filter"
	"github.com/0xmhha/starkindex/pkg/normalize"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

// RPCClient is the narrow dispatcher slice the engine needs.
type RPCClient interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}, opts rpc.CallOptions) error
}

// BlockEvent is emitted once a new block has been accepted, filtered,
// assembled, and decoded (§4.5 "emit a block event").
type BlockEvent struct {
	Block  *chain.Block
	Events []chain.Event
}

// ReorgEvent carries the common ancestor and the unfinalized blocks
// removed by a reorg (§4.5 "emit a reorg event").
type ReorgEvent struct {
	CommonAncestor chain.LightBlock
	Removed        []chain.LightBlock
}

// FinalizeEvent names the new finalized head (§4.5 "emit a finalize event").
type FinalizeEvent struct {
	Finalized chain.LightBlock
}

// Config configures a new Engine.
type Config struct {
	ChainIDNumeric     uint64
	ChainIDString      string
	Client             RPCClient
	Store              store.SyncStore
	Assembler          *assembler.Assembler
	Logger             *zap.Logger
	FinalityBlockCount uint64
	TracesSupported    bool

	OnBlock    func(BlockEvent)
	OnReorg    func(ReorgEvent)
	OnFinalize func(FinalizeEvent)
}

// Engine is the realtime head-tracking state machine for one chain.
type Engine struct {
	chainIDNumeric uint64
	chainIDString  string
	client         RPCClient
	store          store.SyncStore
	asm            *assembler.Assembler
	logger         *zap.Logger

	finalityBlockCount uint64
	tracesSupported    bool

	onBlock    func(BlockEvent)
	onReorg    func(ReorgEvent)
	onFinalize func(FinalizeEvent)

	mu          sync.Mutex
	unfinalized []chain.LightBlock // ascending by number; last is the tip
	finalized   chain.LightBlock

	lastHeadAt         time.Time
	headFailures        int
	firstHeadFailureAt time.Time
}

// New constructs an Engine seeded at the given finalized head.
func New(cfg Config, seed chain.LightBlock) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		chainIDNumeric:     cfg.ChainIDNumeric,
		chainIDString:      cfg.ChainIDString,
		client:             cfg.Client,
		store:              cfg.Store,
		asm:                cfg.Assembler,
		logger:             logger,
		finalityBlockCount: cfg.FinalityBlockCount,
		tracesSupported:    cfg.TracesSupported,
		onBlock:            cfg.OnBlock,
		onReorg:            cfg.OnReorg,
		onFinalize:         cfg.OnFinalize,
		finalized:            seed,
		lastHeadAt:           time.Now(),
	}
}

// tipLocked returns the current chain tip: the newest unfinalized entry,
// or the finalized head if there is no unfinalized suffix yet.
func (e *Engine) tipLocked() chain.LightBlock {
	if len(e.unfinalized) == 0 {
		return e.finalized
	}
	return e.unfinalized[len(e.unfinalized)-1]
}

// rawHead mirrors the subscribeNewHeads / getBlockWithTxHashes header
// shape closely enough to decode a new-head notification.
type rawHead struct {
	BlockHash   string `json:"block_hash"`
	ParentHash  string `json:"parent_hash"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
}

func decodeHead(raw json.RawMessage) (chain.LightBlock, error) {
	var rh rawHead
	if err := json.Unmarshal(raw, &rh); err != nil {
		return chain.LightBlock{}, fmt.Errorf("realtime: decode head: %w", err)
	}
	hash, err := felt.FromHex(rh.BlockHash)
	if err != nil {
		return chain.LightBlock{}, fmt.Errorf("realtime: head.block_hash: %w", err)
	}
	parent, err := felt.FromHex(rh.ParentHash)
	if err != nil {
		return chain.LightBlock{}, fmt.Errorf("realtime: head.parent_hash: %w", err)
	}
	return chain.LightBlock{Hash: hash, ParentHash: parent, Number: rh.BlockNumber, Timestamp: rh.Timestamp}, nil
}

// HandleHead implements the §4.5 state machine for one arriving head
// notification.
func (e *Engine) HandleHead(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, raw json.RawMessage) error {
	head, err := decodeHead(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handleLocked(ctx, sources, children, head)
}

// handleLocked implements the §4.5 state machine. Callers must hold e.mu;
// it recurses into itself (gap-fill, post-reorg replay) without
// re-acquiring the lock.
func (e *Engine) handleLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, head chain.LightBlock) error {
	e.lastHeadAt = time.Now()

	tip := e.tipLocked()

	switch {
	case head.Hash == tip.Hash:
		return nil // duplicate: no-op (§4.5 "Duplicate")

	case head.Number <= tip.Number:
		return e.reconcileLocked(ctx, sources, children, head)

	case head.Number > tip.Number+1:
		gap := head.Number - tip.Number - 1
		if gap > constants.MaxGapFetch {
			e.logger.Warn("rejecting head: gap exceeds bounded fetch queue",
				zap.Uint64("tipNumber", tip.Number), zap.Uint64("headNumber", head.Number))
			return nil
		}
		if err := e.fillGapLocked(ctx, sources, children, tip.Number+1, head.Number-1); err != nil {
			return err
		}
		return e.extendLocked(ctx, sources, children, head)

	case head.ParentHash == tip.Hash:
		return e.extendLocked(ctx, sources, children, head)

	default:
		return e.reconcileLocked(ctx, sources, children, head)
	}
}

// fillGapLocked fetches and extends every block in [from, to] to close a
// gap, in parallel up to a bounded concurrency (§4.5 "Gap").
func (e *Engine) fillGapLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, from, to uint64) error {
	blocks := make([]*chain.Block, to-from+1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(constants.MaxGapFetch)
	for i := from; i <= to; i++ {
		n := i
		g.Go(func() error {
			b, err := e.fetchBlock(gctx, n)
			if err != nil {
				return err
			}
			blocks[n-from] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("realtime: gap fill [%d,%d]: %w", from, to, err)
	}
	for _, b := range blocks {
		if err := e.extendWithBlockLocked(ctx, sources, children, b); err != nil {
			return err
		}
	}
	return nil
}

// extendLocked fetches the full block for head and extends the chain.
func (e *Engine) extendLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, head chain.LightBlock) error {
	b, err := e.fetchBlock(ctx, head.Number)
	if err != nil {
		return err
	}
	return e.extendWithBlockLocked(ctx, sources, children, b)
}

func (e *Engine) extendWithBlockLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, b *chain.Block) error {
	rec, err := e.fetchBlockRecords(ctx, sources, children, b)
	if err != nil {
		return err
	}

	if err := e.persistBlockRecords(ctx, b, matchedTransactions(sources, b), rec); err != nil {
		return err
	}

	raw, err := assembler.Assemble(e.chainIDNumeric, e.chainIDString, *rec, sources, children)
	if err != nil {
		return err
	}
	events := e.decodeAll(raw, sources)

	e.unfinalized = append(e.unfinalized, b.ToLight())
	if e.onBlock != nil {
		e.onBlock(BlockEvent{Block: b, Events: events})
	}

	e.checkFinalizationLocked()
	return nil
}

// reconcileLocked implements reorg reconciliation: walk back from the
// candidate by parentHash, popping unfinalized entries until a common
// ancestor is found or the suffix is exhausted (§4.5 "Reorg
// reconciliation").
func (e *Engine) reconcileLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, candidate chain.LightBlock) error {
	preReorgSuffix := append([]chain.LightBlock(nil), e.unfinalized...)

	walkHash := candidate.ParentHash
	walkNumber := candidate.Number - 1

	for {
		if walkHash == e.finalized.Hash {
			removed := e.unfinalized
			e.unfinalized = nil
			return e.afterReconcileLocked(ctx, sources, children, e.finalized, removed, candidate)
		}
		if idx := e.indexOfLocked(walkHash); idx >= 0 {
			ancestor := e.unfinalized[idx]
			removed := append([]chain.LightBlock(nil), e.unfinalized[idx+1:]...)
			e.unfinalized = e.unfinalized[:idx+1]
			return e.afterReconcileLocked(ctx, sources, children, ancestor, removed, candidate)
		}
		if walkNumber < e.finalized.Number {
			// Walked back below the finalized head without a match: the
			// reorg runs deeper than finality allows (§4.5 "deep reorg
			// beyond finality").
			e.unfinalized = preReorgSuffix
			return &rpc.UnrecoverableReorgError{Chain: e.chainIDString, FinalizedHead: e.finalized.Number}
		}

		b, err := e.fetchBlockByNumber(ctx, walkNumber)
		if err != nil {
			e.unfinalized = preReorgSuffix
			return err
		}
		walkHash = b.ParentHash
		walkNumber--
	}
}

// decodeAll resolves each RawEvent's Source ABI (if any) and decodes log
// events against it (§4.6 decoding), falling through to an undecoded
// Event when no assembler is configured or the source has no ABI. A log
// whose selector matches its source's ABI but fails to decode is dropped
// (Decode logs the failure).
func (e *Engine) decodeAll(raw []chain.RawEvent, sources []chain.Source) []chain.Event {
	abiByName := make(map[string]*chain.EventABI, len(sources))
	for _, src := range sources {
		if src.ABI != nil {
			abiByName[src.Name] = src.ABI
		}
	}
	events := make([]chain.Event, 0, len(raw))
	for _, r := range raw {
		if e.asm == nil {
			events = append(events, chain.Event{Kind: r.Kind, ChainID: r.ChainID, Checkpoint: r.Checkpoint, Name: r.SourceName,
				Block: r.Block, Transaction: r.Transaction, Receipt: r.Receipt, Trace: r.Trace, Log: r.Log})
			continue
		}
		abi := abiByName[r.SourceName]
		ev := e.asm.Decode(r, abi)
		if ev.Args == nil && abi != nil && r.Kind == chain.EventKindLog && r.Log != nil && r.Log.Selector() == abi.Selector {
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (e *Engine) indexOfLocked(hash felt.Felt) int {
	for i, b := range e.unfinalized {
		if b.Hash == hash {
			return i
		}
	}
	return -1
}

func (e *Engine) afterReconcileLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, ancestor chain.LightBlock, removed []chain.LightBlock, candidate chain.LightBlock) error {
	if len(removed) > 0 {
		rollbackFrom := removed[0].Number
		children.RemoveAtOrAbove(rollbackFrom)
		for i := range sources {
			if sources[i].Factory != nil {
				if err := e.store.RemoveChildAddressesAtOrAbove(ctx, sources[i].Factory.ID, rollbackFrom); err != nil {
					return err
				}
			}
		}
		if e.onReorg != nil {
			e.onReorg(ReorgEvent{CommonAncestor: ancestor, Removed: removed})
		}
	}
	return e.handleLocked(ctx, sources, children, candidate)
}

// checkFinalizationLocked advances the finalized head once the tip is at
// least 2x the finality window ahead of it (§4.5 "Finalization").
func (e *Engine) checkFinalizationLocked() {
	if e.finalityBlockCount == 0 || len(e.unfinalized) == 0 {
		return
	}
	tip := e.unfinalized[len(e.unfinalized)-1]
	if tip.Number < e.finalized.Number+2*e.finalityBlockCount {
		return
	}
	newFinalizedNumber := tip.Number - e.finalityBlockCount
	idx := -1
	for i, b := range e.unfinalized {
		if b.Number == newFinalizedNumber {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	newFinalized := e.unfinalized[idx]
	e.unfinalized = e.unfinalized[idx+1:]
	e.finalized = newFinalized
	if e.onFinalize != nil {
		e.onFinalize(FinalizeEvent{Finalized: newFinalized})
	}
}

// fetchBlockRecords fetches the logs, traces and receipts one new block's
// sources need and bundles them, ready for both persistence and assembly.
func (e *Engine) fetchBlockRecords(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, b *chain.Block) (*assembler.BlockRecords, error) {
	rec := &assembler.BlockRecords{Block: b}

	hasLogFilter, hasTraceFilter := false, false
	for _, src := range sources {
		switch src.Filter.Kind {
		case chain.FilterKindLog:
			hasLogFilter = true
		case chain.FilterKindTrace, chain.FilterKindTransfer:
			hasTraceFilter = true
		}
	}

	if hasLogFilter {
		logs, err := e.fetchLogsForBlock(ctx, b.Number)
		if err != nil {
			return nil, err
		}
		if err := normalize.RepairTransactionIndex(logs, b); err != nil {
			return nil, err
		}
		normalize.AssignLogIndex(logs)
		rec.Logs = logs
	}

	if hasTraceFilter && e.tracesSupported {
		traces, err := e.fetchTraces(ctx, b.Number)
		if err != nil {
			return nil, err
		}
		rec.Traces = traces
	}

	wanted := wantedTransactionHashes(sources, b, rec.Logs, rec.Traces)
	if len(wanted) > 0 {
		receipts, err := e.fetchReceipts(ctx, b.Number, wanted)
		if err != nil {
			return nil, err
		}
		rec.Receipts = receipts
	}

	e.updateChildAddressesLocked(ctx, sources, children, rec.Logs)

	return rec, nil
}

// matchedTransactions returns the transactions matched by any transaction
// filter in sources, for persistence alongside the block (§4.5 step 3).
func matchedTransactions(sources []chain.Source, b *chain.Block) []chain.Transaction {
	var out []chain.Transaction
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		for _, src := range sources {
			if src.Filter.Kind != chain.FilterKindTransaction {
				continue
			}
			if ok, _ := filter.MatchTransaction(&src.Filter, tx, b.Number); ok {
				out = append(out, *tx)
				break
			}
		}
	}
	return out
}

func wantedTransactionHashes(sources []chain.Source, b *chain.Block, logs []chain.Log, traces []chain.Trace) []felt.Felt {
	set := make(map[felt.Felt]bool)
	for i := range logs {
		set[logs[i].TransactionHash] = true
	}
	for i := range traces {
		set[traces[i].TransactionHash] = true
	}
	for _, src := range sources {
		if src.Filter.Kind != chain.FilterKindTransaction {
			continue
		}
		for i := range b.Transactions {
			if ok, _ := filter.MatchTransaction(&src.Filter, &b.Transactions[i], b.Number); ok {
				set[b.Transactions[i].Hash] = true
			}
		}
	}
	out := make([]felt.Felt, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// updateChildAddressesLocked records newly discovered factory child
// addresses from this block's logs (§4.5 step 4).
func (e *Engine) updateChildAddressesLocked(ctx context.Context, sources []chain.Source, children filter.ChildAddresses, logs []chain.Log) {
	for _, src := range sources {
		if src.Factory == nil {
			continue
		}
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
				e.logger.Warn("failed to persist child addresses", zap.Error(err))
			}
		}
	}
}

func (e *Engine) persistBlockRecords(ctx context.Context, b *chain.Block, txs []chain.Transaction, rec *assembler.BlockRecords) error {
	if err := normalize.CheckInt64Bounds("block_number", b.Number); err != nil {
		return err
	}
	if err := normalize.ValidateCrossRecord(b, rec.Receipts, rec.Traces, e.tracesSupported); err != nil {
		return err
	}
	for i := range rec.Logs {
		if err := normalize.CheckInt32Bounds("log_index", int64(rec.Logs[i].LogIndex)); err != nil {
			return err
		}
		if err := normalize.CheckInt32Bounds("transaction_index", int64(rec.Logs[i].TransactionIndex)); err != nil {
			return err
		}
	}
	for i := range rec.Receipts {
		if err := normalize.CheckInt32Bounds("transaction_index", int64(rec.Receipts[i].TransactionIndex)); err != nil {
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
	if len(rec.Logs) > 0 {
		if err := e.store.InsertLogs(ctx, e.chainIDString, rec.Logs); err != nil {
			return err
		}
	}
	if len(rec.Traces) > 0 {
		if err := e.store.InsertTraces(ctx, e.chainIDString, b.Number, rec.Traces); err != nil {
			return err
		}
	}
	if len(rec.Receipts) > 0 {
		if err := e.store.InsertTransactionReceipts(ctx, e.chainIDString, rec.Receipts); err != nil {
			return err
		}
	}
	return nil
}

type rawEventsFilter struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	ChunkSize int    `json:"chunk_size"`
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

func (e *Engine) fetchLogsForBlock(ctx context.Context, number uint64) ([]chain.Log, error) {
	params := map[string]interface{}{
		"filter": rawEventsFilter{FromBlock: number, ToBlock: number, ChunkSize: constants.EventsPageSize},
	}
	var page rawEventsPage
	if err := e.client.Call(ctx, "starknet_getEvents", params, &page, rpc.CallOptions{IsEventFetch: true}); err != nil {
		return nil, err
	}
	out := make([]chain.Log, 0, len(page.Events))
	for i, re := range page.Events {
		log, err := toLog(re, i)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, nil
}

func toLog(re rawEvent, index int) (chain.Log, error) {
	addr, err := felt.FromHex(re.FromAddress)
	if err != nil {
		return chain.Log{}, err
	}
	blockHash, err := felt.FromHex(re.BlockHash)
	if err != nil {
		return chain.Log{}, err
	}
	txHash, err := felt.FromHex(re.TransactionHash)
	if err != nil {
		return chain.Log{}, err
	}
	keys := make([]felt.Felt, len(re.Keys))
	for i, k := range re.Keys {
		if keys[i], err = felt.FromHex(k); err != nil {
			return chain.Log{}, err
		}
	}
	data := make([]felt.Felt, len(re.Data))
	for i, d := range re.Data {
		if data[i], err = felt.FromHex(d); err != nil {
			return chain.Log{}, err
		}
	}
	return chain.Log{
		Address: addr, BlockHash: blockHash, BlockNumber: re.BlockNumber,
		TransactionHash: txHash, LogIndex: index, Keys: keys, Data: data,
	}, nil
}

func (e *Engine) fetchTraces(ctx context.Context, number uint64) ([]chain.Trace, error) {
	var raw []chain.Trace
	params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": number}}
	if err := e.client.Call(ctx, "starknet_traceBlockTransactions", params, &raw, rpc.CallOptions{}); err != nil {
		return nil, err
	}
	return raw, nil
}

func (e *Engine) fetchReceipts(ctx context.Context, number uint64, wanted []felt.Felt) ([]chain.TransactionReceipt, error) {
	want := make(map[felt.Felt]bool, len(wanted))
	for _, h := range wanted {
		want[h] = true
	}
	var raw []chain.TransactionReceipt
	params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": number}}
	if err := e.client.Call(ctx, "starknet_getBlockWithReceipts", params, &raw, rpc.CallOptions{}); err == nil {
		out := make([]chain.TransactionReceipt, 0, len(wanted))
		for _, r := range raw {
			if want[r.TransactionHash] {
				out = append(out, r)
			}
		}
		return out, nil
	}

	out := make([]chain.TransactionReceipt, 0, len(wanted))
	for _, h := range wanted {
		var r chain.TransactionReceipt
		params := map[string]interface{}{"transaction_hash": h.Hex()}
		if err := e.client.Call(ctx, "starknet_getTransactionReceipt", params, &r, rpc.CallOptions{}); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) fetchBlock(ctx context.Context, number uint64) (*chain.Block, error) {
	var raw json.RawMessage
	params := map[string]interface{}{"block_id": map[string]interface{}{"block_number": number}}
	if err := e.client.Call(ctx, "starknet_getBlockWithTxs", params, &raw, rpc.CallOptions{RetryNullBlock: true}); err != nil {
		return nil, err
	}
	return normalize.Block(raw)
}

func (e *Engine) fetchBlockByNumber(ctx context.Context, number uint64) (*chain.LightBlock, error) {
	b, err := e.fetchBlock(ctx, number)
	if err != nil {
		return nil, err
	}
	lb := b.ToLight()
	return &lb, nil
}

// RunWatchdog blocks, logging a warning whenever no head has been observed
// within the configured interval, and returns an error once the head
// fetcher has failed too many times for too long (§4.5 "Watchdog"). It is
// meant to run in its own goroutine alongside the head-subscription loop.
func (e *Engine) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(constants.HeadWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			since := time.Since(e.lastHeadAt)
			failures := e.headFailures
			firstFailureAt := e.firstHeadFailureAt
			e.mu.Unlock()

			if since >= constants.HeadWatchdogInterval {
				e.logger.Warn("no new head observed", zap.Duration("since", since))
			}
			if failures >= constants.HeadFailureAbortCount && !firstFailureAt.IsZero() &&
				time.Since(firstFailureAt) > constants.HeadFailureAbortDuration {
				return fmt.Errorf("realtime: head fetcher failed %d times over %s, aborting", failures, time.Since(firstFailureAt))
			}
		}
	}
}

// RecordHeadFailure is called by the subscription loop whenever fetching
// or decoding a head notification fails, feeding the watchdog's abort
// condition.
func (e *Engine) RecordHeadFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.headFailures == 0 {
		e.firstHeadFailureAt = time.Now()
	}
	e.headFailures++
}

// RecordHeadSuccess resets the watchdog's failure streak.
func (e *Engine) RecordHeadSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headFailures = 0
	e.firstHeadFailureAt = time.Time{}
}
