package chain

import (
	"fmt"
	"strconv"
)

// EventType is the small stable integer tag encoded into a Checkpoint
// (§4.6, §6 "event type tags"). Ordering here fixes block < transaction <
// trace < log within a block, which is the ordering the assembler relies
// on for same-(timestamp,chain,block,txIndex) ties.
type EventType int

const (
	EventTypeBlocks       EventType = 0
	EventTypeTransactions EventType = 1
	EventTypeTraces       EventType = 2
	EventTypeLogs         EventType = 3
)

// Checkpoint widths. Chosen generously: timestamps to 2286 (10 digits),
// chain IDs and block numbers to 64 bits (20 digits), transaction/event
// index to 10 digits, event type to 1 digit. All fixed, so lexicographic
// string order matches tuple order (§3, §8 invariant).
const (
	widthTimestamp = 10
	widthChainID   = 20
	widthBlock     = 20
	widthTxIndex   = 10
	widthEventType = 1
	widthEventIdx  = 10
)

// Checkpoint is the lexicographically-ordered fixed-width string encoding
// of (blockTimestamp, chainID, blockNumber, transactionIndex, eventType,
// eventIndex) (§3).
type Checkpoint string

// NewCheckpoint encodes the six fields at their fixed widths. chainID is
// the caller's numeric chain ID, written as-is; no string-to-number
// mapping of chain IDs happens here. Checkpoints only need a stable total
// order: the ordering property is about emission order within one
// produced sequence, not a particular cross-chain numeric meaning.
func NewCheckpoint(blockTimestamp int64, chainID uint64, blockNumber uint64, transactionIndex int, eventType EventType, eventIndex int) Checkpoint {
	return Checkpoint(fmt.Sprintf(
		"%0*d%0*d%0*d%0*d%0*d%0*d",
		widthTimestamp, blockTimestamp,
		widthChainID, chainID,
		widthBlock, blockNumber,
		widthTxIndex, transactionIndex,
		widthEventType, int(eventType),
		widthEventIdx, eventIndex,
	))
}

// Less reports whether c sorts before other — string comparison, per the
// design (§3, §8 invariant: "e1.checkpoint < e2.checkpoint as strings").
func (c Checkpoint) Less(other Checkpoint) bool {
	return string(c) < string(other)
}

// Decode splits a Checkpoint back into its component fields (§8
// round-trip: "Checkpoint encode/decode ... is idempotent").
func (c Checkpoint) Decode() (blockTimestamp int64, chainID uint64, blockNumber uint64, transactionIndex int, eventType EventType, eventIndex int, err error) {
	s := string(c)
	wantLen := widthTimestamp + widthChainID + widthBlock + widthTxIndex + widthEventType + widthEventIdx
	if len(s) != wantLen {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: malformed length %d, want %d", len(s), wantLen)
	}

	offset := 0
	next := func(width int) (string, int) {
		field := s[offset : offset+width]
		offset += width
		return field, offset
	}

	tsStr, _ := next(widthTimestamp)
	chainStr, _ := next(widthChainID)
	blockStr, _ := next(widthBlock)
	txStr, _ := next(widthTxIndex)
	etStr, _ := next(widthEventType)
	eiStr, _ := next(widthEventIdx)

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad timestamp: %w", err)
	}
	chain, err := strconv.ParseUint(chainStr, 10, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad chainID: %w", err)
	}
	block, err := strconv.ParseUint(blockStr, 10, 64)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad blockNumber: %w", err)
	}
	tx, err := strconv.Atoi(txStr)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad transactionIndex: %w", err)
	}
	et, err := strconv.Atoi(etStr)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad eventType: %w", err)
	}
	ei, err := strconv.Atoi(eiStr)
	if err != nil {
		return 0, 0, 0, 0, 0, 0, fmt.Errorf("checkpoint: bad eventIndex: %w", err)
	}

	return ts, chain, block, tx, EventType(et), ei, nil
}
