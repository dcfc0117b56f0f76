package handlercache

import (
	"math/big"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// pathKind enumerates the event fields a profile pattern can derive a call
// argument from (§4.7 "derived(path-into-event)", e.g. `args[1] =
// event.log.keys[2]`).
type pathKind int

const (
	pathBlockNumber pathKind = iota
	pathBlockHash
	pathTransactionHash
	pathTransactionSender
	pathLogAddress
	pathLogKey
	pathLogData
	pathTraceFrom
	pathTraceTo
)

// eventPath names one such field, with an index for the array-valued ones.
type eventPath struct {
	kind  pathKind
	index int
}

// resolve reads this path off ev, reporting ok=false if the owning record
// is absent or the index is out of range.
func (p eventPath) resolve(ev chain.Event) (felt.Felt, bool) {
	switch p.kind {
	case pathBlockNumber:
		if ev.Block == nil {
			return felt.Zero, false
		}
		return felt.FromBigInt(new(big.Int).SetUint64(ev.Block.Number)), true
	case pathBlockHash:
		if ev.Block == nil {
			return felt.Zero, false
		}
		return ev.Block.Hash, true
	case pathTransactionHash:
		if ev.Transaction == nil {
			return felt.Zero, false
		}
		return ev.Transaction.Hash, true
	case pathTransactionSender:
		if ev.Transaction == nil || ev.Transaction.SenderAddress == nil {
			return felt.Zero, false
		}
		return *ev.Transaction.SenderAddress, true
	case pathLogAddress:
		if ev.Log == nil {
			return felt.Zero, false
		}
		return ev.Log.Address, true
	case pathLogKey:
		if ev.Log == nil || p.index >= len(ev.Log.Keys) {
			return felt.Zero, false
		}
		return ev.Log.Keys[p.index], true
	case pathLogData:
		if ev.Log == nil || p.index >= len(ev.Log.Data) {
			return felt.Zero, false
		}
		return ev.Log.Data[p.index], true
	case pathTraceFrom:
		if ev.Trace == nil {
			return felt.Zero, false
		}
		return ev.Trace.From, true
	case pathTraceTo:
		if ev.Trace == nil || ev.Trace.To == nil {
			return felt.Zero, false
		}
		return *ev.Trace.To, true
	default:
		return felt.Zero, false
	}
}

// candidatePaths enumerates every path present on ev, in a fixed priority
// order, for matching a concrete value during pattern learning.
func candidatePaths(ev chain.Event) []eventPath {
	paths := []eventPath{{kind: pathBlockNumber}, {kind: pathBlockHash}}
	if ev.Transaction != nil {
		paths = append(paths, eventPath{kind: pathTransactionHash})
		if ev.Transaction.SenderAddress != nil {
			paths = append(paths, eventPath{kind: pathTransactionSender})
		}
	}
	if ev.Log != nil {
		paths = append(paths, eventPath{kind: pathLogAddress})
		for i := range ev.Log.Keys {
			paths = append(paths, eventPath{kind: pathLogKey, index: i})
		}
		for i := range ev.Log.Data {
			paths = append(paths, eventPath{kind: pathLogData, index: i})
		}
	}
	if ev.Trace != nil {
		paths = append(paths, eventPath{kind: pathTraceFrom})
		if ev.Trace.To != nil {
			paths = append(paths, eventPath{kind: pathTraceTo})
		}
	}
	return paths
}

// deriveFrom returns a function patternSet.record can use to
// look up whether a concrete value matches one of ev's fields, preferring
// the first match in candidatePaths' priority order.
func deriveFrom(ev chain.Event) func(felt.Felt) (eventPath, bool) {
	paths := candidatePaths(ev)
	return func(value felt.Felt) (eventPath, bool) {
		for _, p := range paths {
			if v, ok := p.resolve(ev); ok && v == value {
				return p, true
			}
		}
		return eventPath{}, false
	}
}
