// Package orchestrator drives per-chain historical-then-realtime sync,
// interleaves delivery across chains under a configurable ordering, and
// invokes user handlers against assembled events (§4.8, component C8).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/internal/constants"
	"github.com/0xmhha/starkindex/pkg/assembler"
	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/filter"
	"github.com/0xmhha/starkindex/pkg/handlercache"
	"github.com/0xmhha/starkindex/pkg/historical"
	"github.com/0xmhha/starkindex/pkg/normalize"
	"github.com/0xmhha/starkindex/pkg/realtime"
	"github.com/0xmhha/starkindex/pkg/rpc"
	"github.com/0xmhha/starkindex/pkg/store"
)

// RPCClient is the narrow dispatcher slice the orchestrator and the
// engines it drives need.
type RPCClient interface {
	Call(ctx context.Context, method string, params interface{}, result interface{}, opts rpc.CallOptions) error
}

// Ordering selects how events from multiple chains are interleaved for
// delivery (§4.8, §5 "Cross chain").
type Ordering int

const (
	// Multichain delivers each chain's stream independently, in its own
	// checkpoint order, with no cross-chain interleaving.
	Multichain Ordering = iota
	// Omnichain merges all chains' streams under global checkpoint order.
	Omnichain
)

// ParseOrdering parses the `ordering` config value (§4.8).
func ParseOrdering(s string) (Ordering, error) {
	switch s {
	case "multichain":
		return Multichain, nil
	case "omnichain", "":
		return Omnichain, nil
	default:
		return Multichain, fmt.Errorf("orchestrator: unknown ordering %q", s)
	}
}

// Handler processes one assembled event, delivered in checkpoint order
// with the previous event's handler(s) already complete (§5 "handlers are
// serialized in checkpoint order").
type Handler func(ctx context.Context, hctx HandlerContext) error

// HandlerContext carries everything a handler needs for one event: chain
// metadata, the source binding that matched, a scoped read-only client
// bound to the event's block, and a transactional database handle from
// the external indexing store (§4.8).
type HandlerContext struct {
	ChainID        string
	ChainIDNumeric uint64
	Source         chain.Source
	Event          chain.Event
	Client         *handlercache.HandlerClient
	Tx             Tx
	// DeliveryID uniquely tags one handler invocation for log correlation
	// across retries, the way the teacher tags subscriptions and
	// notifications with a generated uuid.
	DeliveryID string
}

// Tx is the opaque handle a handler writes its projection through. It is
// not the indexer's own SyncStore (which is internal sync bookkeeping
// only) but whatever transactional database the deployment plugs in
// (§4.8 "a transactional database handle provided by the external
// indexing store").
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxProvider opens one Tx per event delivered to a handler.
type TxProvider interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Rewinder is an optional capability interface for a TxProvider that can
// roll back a reorged range in the external store. The orchestrator does
// not type-assert for it or call RewindTo: on a reorg it only drops
// not-yet-delivered events after the common ancestor (see runOmnichain).
type Rewinder interface {
	RewindTo(ctx context.Context, chainID string, blockNumber uint64) error
}

type noopTx struct{}

func (noopTx) Commit(ctx context.Context) error   { return nil }
func (noopTx) Rollback(ctx context.Context) error { return nil }

type noopTxProvider struct{}

func (noopTxProvider) BeginTx(ctx context.Context) (Tx, error) { return noopTx{}, nil }

// Metrics is the narrow sink the orchestrator reports handler execution
// to; RPC call counts are recorded by the dispatcher's own rpc.Metrics
// (§4.8 "Record metrics for handler duration and RPC request counts").
type Metrics interface {
	ObserveHandlerDuration(chainID, sourceName string, d time.Duration, err error)
	ObserveBatchSize(chainID string, n int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveHandlerDuration(chainID, sourceName string, d time.Duration, err error) {}
func (noopMetrics) ObserveBatchSize(chainID string, n int)                                        {}

// ChainConfig wires one chain's RPC client, declared sources, and sync
// parameters (§6).
type ChainConfig struct {
	ID                 string
	ChainIDNumeric     uint64
	Client             RPCClient
	Sources            []chain.Source
	FinalityBlockCount uint64
	StartHeight        uint64
	TracesSupported    bool
	DisableCache       bool
}

// Config configures a new Orchestrator.
type Config struct {
	Ordering   Ordering
	Store      store.SyncStore
	Metrics    Metrics
	Logger     *zap.Logger
	TxProvider TxProvider
	Chains     []ChainConfig
	// Handlers maps a source name to the handlers invoked for events
	// produced by that source.
	Handlers map[string][]Handler
}

// Orchestrator runs the configured chains to completion of their context
// (§4.8).
type Orchestrator struct {
	store      store.SyncStore
	metrics    Metrics
	logger     *zap.Logger
	txProvider TxProvider
	ordering   Ordering
	handlers   map[string][]Handler
	runtimes   []*chainRuntime
}

// New constructs an Orchestrator. Call Run to start it.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	txProvider := cfg.TxProvider
	if txProvider == nil {
		txProvider = noopTxProvider{}
	}
	o := &Orchestrator{
		store:      cfg.Store,
		metrics:    metrics,
		logger:     logger,
		txProvider: txProvider,
		ordering:   cfg.Ordering,
		handlers:   cfg.Handlers,
	}
	for _, cc := range cfg.Chains {
		o.runtimes = append(o.runtimes, newChainRuntime(cc, cfg.Store, logger))
	}
	return o
}

// batch is one unit of work handed from a chain's realtime engine to the
// orchestrator's delivery loop.
type batch struct {
	chainID string
	events  []chain.Event
}

// reorgSignal notifies the delivery loop that events after ancestor's
// number, not yet delivered, must be dropped (§5); events at the
// ancestor's own number are kept.
type reorgSignal struct {
	chainID  string
	ancestor chain.LightBlock
}

// chainRuntime is one chain's live wiring: its child-address registry,
// sync engines, handler cache, and the channel its block/reorg
// notifications arrive on.
type chainRuntime struct {
	cfg      ChainConfig
	logger   *zap.Logger
	children filter.ChildAddresses
	hist     *historical.Engine
	rt       *realtime.Engine
	cache    *handlercache.Cache

	msgs   chan interface{} // batch | reorgSignal
	pending []chain.Event   // unused; omnichain buffering lives in runOmnichain's local pending slices
}

func newChainRuntime(cc ChainConfig, st store.SyncStore, logger *zap.Logger) *chainRuntime {
	cLogger := logger.With(zap.String("chain", cc.ID))
	children := make(filter.ChildAddresses)

	r := &chainRuntime{
		cfg:      cc,
		logger:   cLogger,
		children: children,
		msgs:     make(chan interface{}, 64),
	}

	r.hist = historical.New(historical.Config{
		ChainIDNumeric:  cc.ChainIDNumeric,
		ChainIDString:   cc.ID,
		Client:          cc.Client,
		Store:           st,
		Logger:          cLogger,
		TracesSupported: cc.TracesSupported,
	})

	if !cc.DisableCache {
		r.cache = handlercache.New(handlercache.Config{
			ChainID: cc.ID,
			Client:  cc.Client,
			Store:   st,
			Logger:  cLogger,
		})
	}

	return r
}

// seedChildAddresses loads every factory source's discovered children
// from the store before the first sync pass runs (§3, §6).
func (r *chainRuntime) seedChildAddresses(ctx context.Context, st store.SyncStore) error {
	for _, src := range r.cfg.Sources {
		if src.Factory == nil {
			continue
		}
		addrs, err := st.GetChildAddresses(ctx, src.Factory.ID)
		if err != nil {
			return fmt.Errorf("orchestrator: load child addresses for %s: %w", src.Factory.ID, err)
		}
		for addr, firstSeen := range addrs {
			r.children.Record(src.Factory.ID, addr, firstSeen)
		}
	}
	return nil
}

// fetchHeadNumber reads the chain's current block number.
func fetchHeadNumber(ctx context.Context, client RPCClient) (uint64, error) {
	var hex string
	if err := client.Call(ctx, "starknet_blockNumber", []interface{}{}, &hex, rpc.CallOptions{}); err != nil {
		return 0, fmt.Errorf("orchestrator: fetch head block number: %w", err)
	}
	var n uint64
	if _, err := fmt.Sscanf(hex, "%d", &n); err != nil {
		return 0, fmt.Errorf("orchestrator: parse head block number %q: %w", hex, err)
	}
	return n, nil
}

// fetchHeadLightBlock fetches the current head as a LightBlock, used to
// seed the realtime engine after historical catch-up.
func fetchHeadLightBlock(ctx context.Context, client RPCClient) (chain.LightBlock, error) {
	var raw json.RawMessage
	params := map[string]interface{}{"block_id": "latest"}
	if err := client.Call(ctx, "starknet_getBlockWithTxHashes", params, &raw, rpc.CallOptions{RetryNullBlock: true}); err != nil {
		return chain.LightBlock{}, fmt.Errorf("orchestrator: fetch head block: %w", err)
	}
	b, err := normalize.Block(raw)
	if err != nil {
		return chain.LightBlock{}, fmt.Errorf("orchestrator: normalize head block: %w", err)
	}
	return b.ToLight(), nil
}

// runHistorical catches the chain up from StartHeight to its current head
// before realtime tracking begins (§4.8 "run historical then realtime").
func (r *chainRuntime) runHistorical(ctx context.Context) (uint64, error) {
	head, err := fetchHeadNumber(ctx, r.cfg.Client)
	if err != nil {
		return 0, err
	}
	if head < r.cfg.StartHeight {
		return r.cfg.StartHeight, nil
	}
	requested := chain.Interval{Low: r.cfg.StartHeight, High: head}
	latest, err := r.hist.Sync(ctx, requested, r.cfg.Sources, r.children)
	if err != nil {
		return latest, fmt.Errorf("orchestrator: historical sync for chain %s: %w", r.cfg.ID, err)
	}
	return latest, nil
}

// startRealtime constructs and starts the realtime engine seeded at the
// current head, wiring its callbacks to publish onto msgs.
func (r *chainRuntime) startRealtime(ctx context.Context, st store.SyncStore) error {
	seed, err := fetchHeadLightBlock(ctx, r.cfg.Client)
	if err != nil {
		return err
	}

	asm := assembler.New(r.logger)
	r.rt = realtime.New(realtime.Config{
		ChainIDNumeric:     r.cfg.ChainIDNumeric,
		ChainIDString:      r.cfg.ID,
		Client:             r.cfg.Client,
		Store:              st,
		Assembler:          asm,
		Logger:             r.logger,
		FinalityBlockCount: r.cfg.FinalityBlockCount,
		TracesSupported:    r.cfg.TracesSupported,
		OnBlock: func(ev realtime.BlockEvent) {
			select {
			case r.msgs <- batch{chainID: r.cfg.ID, events: ev.Events}:
			case <-ctx.Done():
			}
		},
		OnReorg: func(ev realtime.ReorgEvent) {
			r.logger.Warn("reorg detected",
				zap.Uint64("common_ancestor", ev.CommonAncestor.Number),
				zap.Int("removed", len(ev.Removed)))
			select {
			case r.msgs <- reorgSignal{chainID: r.cfg.ID, ancestor: ev.CommonAncestor}:
			case <-ctx.Done():
			}
		},
		OnFinalize: func(ev realtime.FinalizeEvent) {
			r.logger.Info("chain finalized", zap.Uint64("number", ev.Finalized.Number))
		},
	}, seed)
	return nil
}

// Run drives every configured chain to completion of ctx (§4.8). It
// blocks until ctx is cancelled or an unrecoverable per-chain error
// occurs.
func (o *Orchestrator) Run(ctx context.Context) error {
	for _, r := range o.runtimes {
		if err := r.seedChildAddresses(ctx, o.store); err != nil {
			return err
		}
		if _, err := r.runHistorical(ctx); err != nil {
			return err
		}
		if err := r.startRealtime(ctx, o.store); err != nil {
			return fmt.Errorf("orchestrator: start realtime for chain %s: %w", r.cfg.ID, err)
		}
	}

	errCh := make(chan error, len(o.runtimes)+1)
	for _, r := range o.runtimes {
		go func(r *chainRuntime) {
			errCh <- r.rt.RunWatchdog(ctx)
		}(r)
	}

	switch o.ordering {
	case Multichain:
		go o.runMultichain(ctx, errCh)
	default:
		go o.runOmnichain(ctx, errCh)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// deliverEvent runs prefetch-primed handler dispatch for one event.
func (o *Orchestrator) deliverEvent(ctx context.Context, chainID string, r *chainRuntime, ev chain.Event) {
	handlers, ok := o.handlers[ev.Name]
	if !ok || len(handlers) == 0 {
		return
	}

	var client *handlercache.HandlerClient
	if r.cache != nil {
		client = handlercache.NewHandlerClient(r.cache, r.cfg.Client, ev)
	}

	var source chain.Source
	for _, src := range r.cfg.Sources {
		if src.Name == ev.Name {
			source = src
			break
		}
	}

	tx, err := o.txProvider.BeginTx(ctx)
	if err != nil {
		o.logger.Error("begin handler tx failed", zap.String("chain", chainID), zap.String("source", ev.Name), zap.Error(err))
		return
	}

	hctx := HandlerContext{
		ChainID:        chainID,
		ChainIDNumeric: r.cfg.ChainIDNumeric,
		Source:         source,
		Event:          ev,
		Client:         client,
		Tx:             tx,
		DeliveryID:     uuid.New().String(),
	}

	var handlerErr error
	for _, h := range handlers {
		start := time.Now()
		handlerErr = runWithRetry(ctx, h, hctx)
		o.metrics.ObserveHandlerDuration(chainID, ev.Name, time.Since(start), handlerErr)
		if handlerErr != nil {
			break
		}
	}

	if handlerErr != nil {
		o.logger.Error("handler failed after retries",
			zap.String("chain", chainID), zap.String("source", ev.Name),
			zap.String("delivery_id", hctx.DeliveryID), zap.Error(handlerErr))
		_ = tx.Rollback(ctx)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		o.logger.Error("commit handler tx failed",
			zap.String("chain", chainID), zap.String("source", ev.Name),
			zap.String("delivery_id", hctx.DeliveryID), zap.Error(err))
	}
}

// runWithRetry invokes a handler up to HandlerMaxAttempts times in total
// (the first try included) with exponential backoff, distinct from any
// RPC-level retry the handler's client performs internally (§4).
func runWithRetry(ctx context.Context, h Handler, hctx HandlerContext) error {
	var err error
	for attempt := 0; attempt < constants.HandlerMaxAttempts; attempt++ {
		err = h(ctx, hctx)
		if err == nil {
			return nil
		}
		if attempt == constants.HandlerMaxAttempts-1 {
			break
		}
		delay := time.Duration(float64(constants.HandlerRetryBaseDelay) * pow(constants.HandlerRetryBackoffBase, attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
