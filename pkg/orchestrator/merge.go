package orchestrator

import (
	"context"
	"time"

	"github.com/0xmhha/starkindex/internal/constants"
	"github.com/0xmhha/starkindex/pkg/chain"
)

// prefetchBatch primes the chain's handler cache for an upcoming batch of
// events before any handler in it runs (§4.8 "Call prefetch() on the
// handler cache before each event batch").
func (o *Orchestrator) prefetchBatch(ctx context.Context, r *chainRuntime, events []chain.Event) {
	o.metrics.ObserveBatchSize(r.cfg.ID, len(events))
	if r.cache == nil {
		return
	}
	r.cache.ResetBatch()
	r.cache.Prefetch(ctx, events)
}

// runMultichain delivers each chain's stream independently, in its own
// checkpoint order, with no cross-chain interleaving (§4.8, §5
// "multichain delivers each chain's stream independently").
func (o *Orchestrator) runMultichain(ctx context.Context, errCh chan error) {
	for _, r := range o.runtimes {
		go o.consumeChain(ctx, r)
	}
}

func (o *Orchestrator) consumeChain(ctx context.Context, r *chainRuntime) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.msgs:
			switch m := msg.(type) {
			case batch:
				o.prefetchBatch(ctx, r, m.events)
				for _, ev := range m.events {
					o.deliverEvent(ctx, r.cfg.ID, r, ev)
				}
			case reorgSignal:
				// Sequential per-chain delivery has no buffered lookahead
				// beyond what is already consumed; the ancestor is only
				// relevant to chains that hold events ahead of it.
				_ = m
			}
		}
	}
}

// runOmnichain merges every chain's stream under global checkpoint order
// (§4.8, §5 "omnichain merges per-chain streams under checkpoint order").
// A chain that hasn't reported a batch yet is waited on for up to
// OmnichainMergeWindow before the merger proceeds with whichever chains
// are ready, trading strict global ordering for bounded latency when one
// chain lags.
func (o *Orchestrator) runOmnichain(ctx context.Context, errCh chan error) {
	n := len(o.runtimes)
	pending := make([][]chain.Event, n)

	applyMsg := func(i int, msg interface{}) {
		r := o.runtimes[i]
		switch m := msg.(type) {
		case batch:
			o.prefetchBatch(ctx, r, m.events)
			pending[i] = append(pending[i], m.events...)
		case reorgSignal:
			kept := pending[i][:0]
			for _, ev := range pending[i] {
				if ev.Block == nil || ev.Block.Number <= m.ancestor.Number {
					kept = append(kept, ev)
				}
			}
			pending[i] = kept
		}
	}

	drainReady := func(i int) {
		for {
			select {
			case msg := <-o.runtimes[i].msgs:
				applyMsg(i, msg)
			default:
				return
			}
		}
	}

	waitOne := func(i int) bool {
		select {
		case <-ctx.Done():
			return false
		case msg := <-o.runtimes[i].msgs:
			applyMsg(i, msg)
			return true
		case <-time.After(constants.OmnichainMergeWindow):
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for i := range o.runtimes {
			drainReady(i)
		}
		for i := range o.runtimes {
			if len(pending[i]) == 0 {
				waitOne(i)
			}
		}

		minIdx := -1
		for i := range o.runtimes {
			if len(pending[i]) == 0 {
				continue
			}
			if minIdx == -1 || pending[i][0].Checkpoint < pending[minIdx][0].Checkpoint {
				minIdx = i
			}
		}
		if minIdx == -1 {
			continue
		}
		r := o.runtimes[minIdx]
		ev := pending[minIdx][0]
		pending[minIdx] = pending[minIdx][1:]
		o.deliverEvent(ctx, r.cfg.ID, r, ev)
	}
}
