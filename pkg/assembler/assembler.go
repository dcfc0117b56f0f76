// Package assembler joins a block's raw records into ordered, checkpointed
// RawEvents and decodes logs against source ABIs (§4.6, component C6).
package assembler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/filter"
)

// BlockRecords is the joined per-block input to Assemble (§4.6 "Input").
type BlockRecords struct {
	Block    *chain.Block
	Receipts []chain.TransactionReceipt
	Traces   []chain.Trace
	Logs     []chain.Log
}

// Assembler turns BlockRecords into an ordered RawEvent sequence, then
// decodes the logs among them.
type Assembler struct {
	logger *zap.Logger

	// decodeFailureLogged dedups ABI decode-failure log lines per
	// selector (§4.6 "per-selector deduplication", §7 "Schema/decode").
	decodeFailureLogged map[felt.Felt]bool
}

// New constructs an Assembler.
func New(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{logger: logger, decodeFailureLogged: make(map[felt.Felt]bool)}
}

// Assemble implements the §4.6 algorithm: emits block/transaction/trace/
// transfer/log events for the sources that match, in checkpoint order.
func Assemble(chainIDNumeric uint64, chainIDString string, rec BlockRecords, sources []chain.Source, children filter.ChildAddresses) ([]chain.RawEvent, error) {
	if rec.Block == nil {
		return nil, fmt.Errorf("assembler: block is required")
	}
	b := rec.Block
	var events []chain.RawEvent

	receiptByTxHash := make(map[felt.Felt]*chain.TransactionReceipt, len(rec.Receipts))
	for i := range rec.Receipts {
		receiptByTxHash[rec.Receipts[i].TransactionHash] = &rec.Receipts[i]
	}

	// Block events (eventIndex is always 0 — one per matching source).
	for _, src := range sources {
		if src.Filter.Kind != chain.FilterKindBlock {
			continue
		}
		if filter.MatchBlock(&src.Filter, b.Number) {
			events = append(events, chain.RawEvent{
				Kind:       chain.EventKindBlock,
				ChainID:    chainIDString,
				Checkpoint: chain.NewCheckpoint(b.Timestamp, chainIDNumeric, b.Number, 0, chain.EventTypeBlocks, 0),
				SourceName: src.Name,
				Block:      b,
			})
		}
	}

	// Transaction events, in transactionIndex order.
	for txIndex := range b.Transactions {
		tx := &b.Transactions[txIndex]
		receipt := receiptByTxHash[tx.Hash]

		eventIdx := 0
		for _, src := range sources {
			if src.Filter.Kind != chain.FilterKindTransaction {
				continue
			}
			matched, err := filter.MatchTransaction(&src.Filter, tx, b.Number)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			if receipt == nil {
				continue // no receipt observed yet; dropped for this pass
			}
			if receipt.ExecutionStatus == chain.ExecutionStatusReverted && !src.Filter.IncludeReverted {
				continue
			}
			events = append(events, chain.RawEvent{
				Kind:        chain.EventKindTransaction,
				ChainID:     chainIDString,
				Checkpoint:  chain.NewCheckpoint(b.Timestamp, chainIDNumeric, b.Number, txIndex, chain.EventTypeTransactions, eventIdx),
				SourceName:  src.Name,
				Block:       b,
				Transaction: tx,
				Receipt:     receipt,
			})
			eventIdx++
		}
	}

	// Trace and transfer events.
	for _, t := range rec.Traces {
		txIndex := indexOfTransaction(b, t.TransactionHash)
		eventIdx := 0
		for _, src := range sources {
			switch src.Filter.Kind {
			case chain.FilterKindTrace:
				if !filter.MatchTrace(&src.Filter, &t, b.Number, children) {
					continue
				}
				events = append(events, chain.RawEvent{
					Kind:       chain.EventKindTrace,
					ChainID:    chainIDString,
					Checkpoint: chain.NewCheckpoint(b.Timestamp, chainIDNumeric, b.Number, txIndex, chain.EventTypeTraces, eventIdx),
					SourceName: src.Name,
					Block:      b,
					Trace:      &t,
				})
				eventIdx++
			case chain.FilterKindTransfer:
				if t.Value == nil {
					continue
				}
				to := felt.Zero
				if t.To != nil {
					to = *t.To
				}
				if !filter.MatchTransfer(&src.Filter, t.From, to, *t.Value, b.Number, children) {
					continue
				}
				events = append(events, chain.RawEvent{
					Kind:       chain.EventKindTransfer,
					ChainID:    chainIDString,
					Checkpoint: chain.NewCheckpoint(b.Timestamp, chainIDNumeric, b.Number, txIndex, chain.EventTypeTraces, eventIdx),
					SourceName: src.Name,
					Block:      b,
					Trace:      &t,
				})
				eventIdx++
			}
		}
	}

	// Log events, in block order (keys/index already assigned by normalize).
	for i := range rec.Logs {
		log := &rec.Logs[i]
		eventIdx := 0
		for _, src := range sources {
			if src.Filter.Kind != chain.FilterKindLog {
				continue
			}
			if !filter.MatchLog(&src.Filter, log, children) {
				continue
			}
			events = append(events, chain.RawEvent{
				Kind:       chain.EventKindLog,
				ChainID:    chainIDString,
				Checkpoint: chain.NewCheckpoint(b.Timestamp, chainIDNumeric, b.Number, log.TransactionIndex, chain.EventTypeLogs, eventIdx),
				SourceName: src.Name,
				Block:      b,
				Log:        log,
			})
			eventIdx++
		}
	}

	sortByCheckpoint(events)
	return events, nil
}

func indexOfTransaction(b *chain.Block, hash felt.Felt) int {
	for i, tx := range b.Transactions {
		if tx.Hash == hash {
			return i
		}
	}
	return 0
}

func sortByCheckpoint(events []chain.RawEvent) {
	// Insertion sort: the input is already nearly sorted (each phase
	// appends in ascending order), and batches are small (one block).
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Checkpoint.Less(events[j-1].Checkpoint); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// Decode resolves RawEvent log entries into fully-formed Events, decoding
// against the matching source's ABI when present (§4.6 "Decoding").
func (a *Assembler) Decode(raw chain.RawEvent, abi *chain.EventABI) chain.Event {
	ev := chain.Event{
		Kind:          raw.Kind,
		ChainID:       raw.ChainID,
		Checkpoint:    raw.Checkpoint,
		Name:          raw.SourceName,
		Block:         raw.Block,
		Transaction:   raw.Transaction,
		Receipt:       raw.Receipt,
		Trace:         raw.Trace,
		Log:           raw.Log,
		TransferValue: transferValueOf(raw),
	}

	if raw.Kind != chain.EventKindLog || abi == nil || raw.Log == nil {
		return ev
	}

	selector := raw.Log.Selector()
	if selector != abi.Selector {
		return ev
	}

	args, err := decodeEventArgs(abi, raw.Log)
	if err != nil {
		if !a.decodeFailureLogged[selector] {
			a.logger.Debug("event decode failed, dropping decoded args",
				zap.String("selector", selector.Hex()),
				zap.String("event", abi.Name),
				zap.Error(err))
			a.decodeFailureLogged[selector] = true
		}
		return ev
	}
	ev.Args = args
	return ev
}

func transferValueOf(raw chain.RawEvent) *felt.Felt {
	if raw.Kind != chain.EventKindTransfer || raw.Trace == nil {
		return nil
	}
	return raw.Trace.Value
}

// decodeEventArgs implements the Cairo-1 key/data split: `kind: key`
// members come from keys[1:] (keys[0] is the selector), `kind: data`
// members come from data, both in declaration order (§4.6).
func decodeEventArgs(abi *chain.EventABI, log *chain.Log) (map[string]felt.Felt, error) {
	args := make(map[string]felt.Felt, len(abi.Members))
	keyIdx, dataIdx := 1, 0
	for _, m := range abi.Members {
		switch m.Kind {
		case "key":
			if keyIdx >= len(log.Keys) {
				return nil, fmt.Errorf("assembler: event %s missing key member %s", abi.Name, m.Name)
			}
			args[m.Name] = log.Keys[keyIdx]
			keyIdx++
		case "data":
			if dataIdx >= len(log.Data) {
				return nil, fmt.Errorf("assembler: event %s missing data member %s", abi.Name, m.Name)
			}
			args[m.Name] = log.Data[dataIdx]
			dataIdx++
		default:
			return nil, fmt.Errorf("assembler: event %s member %s has unknown kind %q", abi.Name, m.Name, m.Kind)
		}
	}
	return args, nil
}
