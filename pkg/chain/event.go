package chain

import "github.com/0xmhha/starkindex/pkg/felt"

// EventKind tags the Event sum type emitted to handlers (§3: "Block,
// Transaction, Trace, Log, Transfer plus Setup").
type EventKind int

const (
	EventKindSetup EventKind = iota
	EventKindBlock
	EventKindTransaction
	EventKindTrace
	EventKindLog
	EventKindTransfer
)

// Event is the payload handed to a user handler (§3, §4.6). It carries
// pointers into the owning block's joined records; Args holds the
// decoded event arguments for EventKindLog when ABI decoding succeeded.
type Event struct {
	Kind       EventKind
	ChainID    string
	Checkpoint Checkpoint
	Name       string

	Block       *Block
	Transaction *Transaction
	Receipt     *TransactionReceipt
	Trace       *Trace
	Log         *Log

	// TransferValue is populated for EventKindTransfer (extracted from the
	// underlying log/trace per the source's transfer semantics).
	TransferValue *felt.Felt

	// Args holds ABI-decoded named arguments for EventKindLog; nil if
	// decoding was not attempted or failed (§4.6: decode failures are
	// logged and the event dropped, so a delivered Event always has
	// Args != nil when Log.Selector() was recognized).
	Args map[string]felt.Felt
}

// RawEvent is the assembler's intermediate representation before
// checkpoint-sorting and ABI decoding (§4.6). It is identical in shape to
// Event but omits Args, since decoding happens only for the events that
// survive ordering.
type RawEvent struct {
	Kind        EventKind
	ChainID     string
	Checkpoint  Checkpoint
	SourceName  string
	Block       *Block
	Transaction *Transaction
	Receipt     *TransactionReceipt
	Trace       *Trace
	Log         *Log
}
