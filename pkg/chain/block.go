// Package chain defines the canonical entities of §3: Block, Transaction,
// TransactionReceipt, Log, Trace, Filter, Factory, Source, Fragment,
// Interval, LightBlock, Checkpoint, and Event. These are plain data types;
// the packages that produce and consume them (normalize, filter,
// historical, realtime, assembler) live alongside but separately, the way
// the teacher keeps `pkg/types` data shapes apart from `pkg/fetch` logic.
package chain

import (
	"fmt"

	"github.com/0xmhha/starkindex/pkg/felt"
)

// BlockStatus mirrors the chain's block finality tag.
type BlockStatus string

const (
	BlockStatusAcceptedOnL1 BlockStatus = "ACCEPTED_ON_L1"
	BlockStatusAcceptedOnL2 BlockStatus = "ACCEPTED_ON_L2"
	BlockStatusPending      BlockStatus = "PENDING"
)

// L1DAMode is the L1 data-availability mode a block was posted under.
type L1DAMode string

const (
	L1DAModeBlob     L1DAMode = "BLOB"
	L1DAModeCalldata L1DAMode = "CALLDATA"
)

// ResourcePrice is a (fri, wei) gas-price pair, as returned for both L1 gas
// and L1 data gas.
type ResourcePrice struct {
	PriceInFri felt.Felt
	PriceInWei felt.Felt
}

// Block is the canonical, normalized block record (§3, §4.2).
//
// Invariant: for any two blocks with equal Number, the later-observed one
// replaces the earlier in the unfinalized chain; at or below the finalized
// head, Hash is immutable.
type Block struct {
	Hash             felt.Felt
	Number           uint64
	ParentHash       felt.Felt
	Timestamp        int64
	NewRoot          felt.Felt
	SequencerAddress felt.Felt
	StarknetVersion  string
	Status           BlockStatus
	L1DAMode         L1DAMode
	L1GasPrice       ResourcePrice
	L1DataGasPrice   ResourcePrice
	Transactions     []Transaction
}

// LightBlock is the reduced form kept in the realtime unfinalized chain
// (§3, §9 "arena + index for unfinalized chain").
type LightBlock struct {
	Hash       felt.Felt
	ParentHash felt.Felt
	Number     uint64
	Timestamp  int64
}

// ToLight projects a Block down to a LightBlock.
func (b *Block) ToLight() LightBlock {
	return LightBlock{
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Number:     b.Number,
		Timestamp:  b.Timestamp,
	}
}

// FeeUnit is the denomination of a paid transaction fee.
type FeeUnit string

const (
	FeeUnitWei FeeUnit = "WEI"
	FeeUnitFri FeeUnit = "FRI"
)

// ExecutionStatus is the outcome of transaction execution.
type ExecutionStatus string

const (
	ExecutionStatusSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionStatusReverted  ExecutionStatus = "REVERTED"
)

// FinalityStatus mirrors BlockStatus at the transaction-receipt level.
type FinalityStatus string

const (
	FinalityStatusAcceptedOnL1 FinalityStatus = "ACCEPTED_ON_L1"
	FinalityStatusAcceptedOnL2 FinalityStatus = "ACCEPTED_ON_L2"
)

// ExecutionResources captures gas accounting for a transaction's execution.
type ExecutionResources struct {
	L1Gas     uint64
	L1DataGas uint64
	L2Gas     uint64
}

// MsgToL1 is a single L2->L1 message emitted by a transaction.
type MsgToL1 struct {
	FromAddress felt.Felt
	ToAddress   felt.Felt
	Payload     []felt.Felt
}

// TransactionReceipt is the canonical receipt record (§3).
//
// Invariant: BlockHash/BlockNumber must match the owning block. The
// receipt carries no event list of its own; a transaction's events are
// kept as the indexer-assigned Log records (see Log).
type TransactionReceipt struct {
	TransactionHash  felt.Felt
	BlockHash        felt.Felt
	BlockNumber      uint64
	TransactionIndex int
	ActualFeeAmount  felt.Felt
	ActualFeeUnit    FeeUnit
	ExecutionStatus  ExecutionStatus
	FinalityStatus   FinalityStatus
	MessagesSent     []MsgToL1
	ExecutionResources ExecutionResources
	RevertReason     *string
	Type             TransactionType
	ContractAddress  *felt.Felt // set for DEPLOY/DEPLOY_ACCOUNT
	MessageHash      *string    // set for L1_HANDLER
}

// Log is the canonical, indexer-assigned event-log record (§3, §4.2).
//
// Invariant: LogIndex is dense per block starting at 0, assigned by the
// normalizer because the upstream RPC does not return it (§9 open
// question on logIndex stability).
type Log struct {
	Address          felt.Felt
	BlockHash        felt.Felt
	BlockNumber      uint64
	TransactionHash  felt.Felt
	TransactionIndex int
	LogIndex         int
	Keys             []felt.Felt // Keys[0] is the event selector
	Data             []felt.Felt
	Removed          bool
}

// Selector returns the event selector (Keys[0]), or the zero felt if the
// log carries no keys (malformed upstream data).
func (l *Log) Selector() felt.Felt {
	if len(l.Keys) == 0 {
		return felt.Zero
	}
	return l.Keys[0]
}

// TraceType is the call kind of a single trace frame.
type TraceType string

const (
	TraceTypeCall        TraceType = "CALL"
	TraceTypeLibraryCall TraceType = "LIBRARY_CALL"
	TraceTypeDelegate    TraceType = "DELEGATE"
	TraceTypeConstructor TraceType = "CONSTRUCTOR"
)

// Trace is a single (possibly nested) execution frame within a
// transaction's call trace (§3). Best-effort: the upstream may not
// support tracing at all, in which case Traces are always empty (§9).
type Trace struct {
	TransactionHash felt.Felt
	TraceIndex      int
	Type            TraceType
	From            felt.Felt
	To              *felt.Felt
	Input           []felt.Felt
	Output          []felt.Felt
	Value           *felt.Felt
	Error           *string
	Subcalls        []Trace
}

// FunctionSelector returns the first four felts of Input, used for
// function-selector matching in trace filters (§4.3 "first 4 bytes").
func (t *Trace) FunctionSelector() []felt.Felt {
	n := len(t.Input)
	if n > 4 {
		n = 4
	}
	return t.Input[:n]
}

// ValidateBlockBounds verifies the 32/64-bit column-width invariants of
// §4.2 ("values that will be persisted to a 32-bit indexed column must fit
// in int32; ... 64-bit column must fit in int64"). Returns a fatal error
// on violation.
func ValidateBlockBounds(number uint64, transactionIndex int) error {
	const maxInt32 = 1<<31 - 1
	if transactionIndex < 0 || transactionIndex > maxInt32 {
		return fmt.Errorf("chain: transactionIndex %d exceeds int32 bounds", transactionIndex)
	}
	const maxInt64 = int64(^uint64(0) >> 1)
	if number > uint64(maxInt64) {
		return fmt.Errorf("chain: block number %d exceeds int64 bounds", number)
	}
	return nil
}
