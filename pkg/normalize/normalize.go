// Package normalize converts raw, snake_case RPC payloads into the
// canonical entities of pkg/chain (§4.2, component C2).
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// rawBlock mirrors the upstream snake_case block payload shape closely
// enough to decode it; fields we don't need are left to json.RawMessage
// and ignored.
type rawBlock struct {
	BlockHash        string          `json:"block_hash"`
	ParentHash       string          `json:"parent_hash"`
	BlockNumber      uint64          `json:"block_number"`
	NewRoot          string          `json:"new_root"`
	Timestamp        int64           `json:"timestamp"`
	SequencerAddress string          `json:"sequencer_address"`
	StarknetVersion  string          `json:"starknet_version"`
	Status           string          `json:"status"`
	L1DAMode         string          `json:"l1_da_mode"`
	L1GasPrice       rawResourcePrice `json:"l1_gas_price"`
	L1DataGasPrice   rawResourcePrice `json:"l1_data_gas_price"`
	Transactions     []json.RawMessage `json:"transactions"`
}

type rawResourcePrice struct {
	PriceInFri string `json:"price_in_fri"`
	PriceInWei string `json:"price_in_wei"`
}

// Block normalizes a raw RPC block payload into a canonical chain.Block.
// Transaction bodies are normalized separately via Transaction, since the
// upstream's tagged union needs its own dispatch.
func Block(raw []byte) (*chain.Block, error) {
	var rb rawBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("normalize: decode block: %w", err)
	}

	hash, err := felt.FromHex(rb.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("normalize: block_hash: %w", err)
	}
	parent, err := felt.FromHex(rb.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("normalize: parent_hash: %w", err)
	}
	newRoot, err := felt.FromHex(rb.NewRoot)
	if err != nil {
		return nil, fmt.Errorf("normalize: new_root: %w", err)
	}
	seq, err := felt.FromHex(rb.SequencerAddress)
	if err != nil {
		return nil, fmt.Errorf("normalize: sequencer_address: %w", err)
	}
	if err := chain.ValidateBlockBounds(rb.BlockNumber, 0); err != nil {
		return nil, err
	}

	l1GasPrice, err := normalizeResourcePrice(rb.L1GasPrice)
	if err != nil {
		return nil, fmt.Errorf("normalize: l1_gas_price: %w", err)
	}
	l1DataGasPrice, err := normalizeResourcePrice(rb.L1DataGasPrice)
	if err != nil {
		return nil, fmt.Errorf("normalize: l1_data_gas_price: %w", err)
	}

	txs := make([]chain.Transaction, 0, len(rb.Transactions))
	for i, raw := range rb.Transactions {
		tx, err := Transaction(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize: transaction[%d]: %w", i, err)
		}
		txs = append(txs, *tx)
	}

	return &chain.Block{
		Hash:             hash,
		Number:           rb.BlockNumber,
		ParentHash:       parent,
		Timestamp:        rb.Timestamp,
		NewRoot:          newRoot,
		SequencerAddress: seq,
		StarknetVersion:  rb.StarknetVersion,
		Status:           chain.BlockStatus(rb.Status),
		L1DAMode:         chain.L1DAMode(rb.L1DAMode),
		L1GasPrice:       l1GasPrice,
		L1DataGasPrice:   l1DataGasPrice,
		Transactions:     txs,
	}, nil
}

func normalizeResourcePrice(r rawResourcePrice) (chain.ResourcePrice, error) {
	fri, err := normalizeHex(r.PriceInFri)
	if err != nil {
		return chain.ResourcePrice{}, err
	}
	wei, err := normalizeHex(r.PriceInWei)
	if err != nil {
		return chain.ResourcePrice{}, err
	}
	return chain.ResourcePrice{PriceInFri: fri, PriceInWei: wei}, nil
}

// normalizeHex pads a hex identifier to 64 digits + 0x (§4.2 "hex
// normalization"). Empty strings normalize to the zero felt.
func normalizeHex(s string) (felt.Felt, error) {
	if s == "" {
		return felt.Zero, nil
	}
	return felt.FromHex(s)
}

// ParseBlockNumber parses a decimal block number field; RPC payloads
// encode this as a native integer, never hex (§4.2). Tags such as
// "latest" or "pending" are rejected with an error.
func ParseBlockNumber(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("normalize: block number %q is not a native integer: %w", s, err)
	}
	return n, nil
}

// RepairTransactionIndex fixes up transactionIndex on a batch of logs by
// looking up transactionHash in the block's transaction list, since the
// upstream is not reliable about returning it (§4.2).
func RepairTransactionIndex(logs []chain.Log, block *chain.Block) error {
	indexOf := make(map[felt.Felt]int, len(block.Transactions))
	for i, tx := range block.Transactions {
		indexOf[tx.Hash] = i
	}
	for i := range logs {
		idx, ok := indexOf[logs[i].TransactionHash]
		if !ok {
			return fmt.Errorf("normalize: log references unknown transaction %s in block %d", logs[i].TransactionHash.Hex(), block.Number)
		}
		logs[i].TransactionIndex = idx
	}
	return nil
}

// AssignLogIndex assigns a dense, indexer-owned logIndex from 0 in slice
// order (§4.2); it treats the whole slice as one block's logs.
func AssignLogIndex(logs []chain.Log) {
	for i := range logs {
		logs[i].LogIndex = i
	}
}

// ValidateCrossRecord implements the §4.2 cross-record validation rules.
// It returns an *rpc-shaped fatal error via the caller; here it's a plain
// error the caller wraps as appropriate for its batch.
func ValidateCrossRecord(block *chain.Block, receipts []chain.TransactionReceipt, traces []chain.Trace, tracesSupported bool) error {
	seenTxIndex := make(map[int]bool, len(receipts))
	for _, r := range receipts {
		if r.BlockHash != block.Hash || r.BlockNumber != block.Number {
			return fmt.Errorf("normalize: receipt %s block mismatch: want %s/%d got %s/%d",
				r.TransactionHash.Hex(), block.Hash.Hex(), block.Number, r.BlockHash.Hex(), r.BlockNumber)
		}
		if r.TransactionIndex < 0 || r.TransactionIndex >= len(block.Transactions) {
			return fmt.Errorf("normalize: receipt %s transactionIndex %d out of range [0,%d)",
				r.TransactionHash.Hex(), r.TransactionIndex, len(block.Transactions))
		}
		if block.Transactions[r.TransactionIndex].Hash != r.TransactionHash {
			return fmt.Errorf("normalize: receipt %s does not match transaction at index %d (%s)",
				r.TransactionHash.Hex(), r.TransactionIndex, block.Transactions[r.TransactionIndex].Hash.Hex())
		}
		if seenTxIndex[r.TransactionIndex] {
			return fmt.Errorf("normalize: duplicate transactionHash %s in receipt list", r.TransactionHash.Hex())
		}
		seenTxIndex[r.TransactionIndex] = true
	}

	if len(block.Transactions) > 0 && tracesSupported && len(traces) == 0 {
		return fmt.Errorf("normalize: block %d has %d transactions but no traces were returned", block.Number, len(block.Transactions))
	}

	return nil
}

// CheckInt32Bounds is called before persisting a value to a 32-bit
// indexed column (§4.2 "Bounds").
func CheckInt32Bounds(field string, v int64) error {
	if v > math.MaxInt32 || v < math.MinInt32 {
		return fmt.Errorf("normalize: %s value %d does not fit in int32", field, v)
	}
	return nil
}

// CheckInt64Bounds is called before persisting a value to a 64-bit column.
func CheckInt64Bounds(field string, v uint64) error {
	if v > math.MaxInt64 {
		return fmt.Errorf("normalize: %s value %d does not fit in int64", field, v)
	}
	return nil
}
