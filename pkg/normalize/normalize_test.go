package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

const rawBlockJSON = `{
	"block_hash": "0x1",
	"parent_hash": "0x2",
	"block_number": 100,
	"new_root": "0x3",
	"timestamp": 1700000000,
	"sequencer_address": "0x4",
	"starknet_version": "0.13.1",
	"status": "ACCEPTED_ON_L2",
	"l1_da_mode": "CALLDATA",
	"l1_gas_price": {"price_in_fri": "0x5", "price_in_wei": "0x6"},
	"l1_data_gas_price": {"price_in_fri": "0x7", "price_in_wei": "0x8"},
	"transactions": [
		{
			"transaction_hash": "0xa",
			"type": "INVOKE",
			"version": "0x1",
			"sender_address": "0xb",
			"nonce": "0x0",
			"calldata": ["0x1", "0x2"],
			"signature": ["0x3", "0x4"],
			"max_fee": "0x100"
		}
	]
}`

func TestBlockNormalizesHexAndIntegerFields(t *testing.T) {
	b, err := Block([]byte(rawBlockJSON))
	require.NoError(t, err)

	assert.Equal(t, uint64(100), b.Number)
	assert.Equal(t, int64(1700000000), b.Timestamp)
	assert.Equal(t, chain.BlockStatus("ACCEPTED_ON_L2"), b.Status)
	assert.Equal(t, 66, len(b.Hash.Hex()))
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, chain.TransactionTypeInvoke, b.Transactions[0].Type)
	require.NotNil(t, b.Transactions[0].SenderAddress)
	assert.Nil(t, b.Transactions[0].V3Fee)
	require.NotNil(t, b.Transactions[0].MaxFee)
}

func TestBlockRejectsMalformedHash(t *testing.T) {
	_, err := Block([]byte(`{"block_hash": "not-hex", "parent_hash": "0x1", "new_root": "0x1", "sequencer_address": "0x1"}`))
	assert.Error(t, err)
}

func TestTransactionV3ResourceBounds(t *testing.T) {
	raw := []byte(`{
		"transaction_hash": "0xa",
		"type": "INVOKE",
		"version": "0x3",
		"sender_address": "0xb",
		"nonce": "0x1",
		"calldata": [],
		"signature": [],
		"resource_bounds": {
			"l1_gas": {"max_amount": "0x100", "max_price_per_unit": "0x1"},
			"l2_gas": {"max_amount": "0x0", "max_price_per_unit": "0x0"},
			"l1_data_gas": {"max_amount": "0x50", "max_price_per_unit": "0x2"}
		},
		"tip": "0x0",
		"paymaster_data": [],
		"nonce_data_availability_mode": "L1",
		"fee_data_availability_mode": "L1"
	}`)

	tx, err := Transaction(raw)
	require.NoError(t, err)
	require.NotNil(t, tx.V3Fee)
	assert.Equal(t, uint64(0x100), tx.V3Fee.ResourceBounds.L1Gas.MaxAmount)
	assert.Nil(t, tx.MaxFee)
}

func TestRepairTransactionIndex(t *testing.T) {
	txA := felt.MustFromHex("0xa")
	txB := felt.MustFromHex("0xb")
	block := &chain.Block{
		Transactions: []chain.Transaction{{Hash: txA}, {Hash: txB}},
	}
	logs := []chain.Log{
		{TransactionHash: txB},
		{TransactionHash: txA},
	}
	require.NoError(t, RepairTransactionIndex(logs, block))
	assert.Equal(t, 1, logs[0].TransactionIndex)
	assert.Equal(t, 0, logs[1].TransactionIndex)
}

func TestRepairTransactionIndexUnknownHash(t *testing.T) {
	block := &chain.Block{Transactions: []chain.Transaction{{Hash: felt.MustFromHex("0xa")}}}
	logs := []chain.Log{{TransactionHash: felt.MustFromHex("0xdead")}}
	assert.Error(t, RepairTransactionIndex(logs, block))
}

func TestAssignLogIndexIsDense(t *testing.T) {
	logs := make([]chain.Log, 5)
	AssignLogIndex(logs)
	for i, l := range logs {
		assert.Equal(t, i, l.LogIndex)
	}
}

func TestValidateCrossRecordDetectsBlockMismatch(t *testing.T) {
	block := &chain.Block{Hash: felt.MustFromHex("0x1"), Number: 10, Transactions: []chain.Transaction{{Hash: felt.MustFromHex("0xa")}}}
	receipts := []chain.TransactionReceipt{{
		TransactionHash:  felt.MustFromHex("0xa"),
		BlockHash:        felt.MustFromHex("0x2"),
		BlockNumber:      10,
		TransactionIndex: 0,
	}}
	err := ValidateCrossRecord(block, receipts, nil, false)
	assert.Error(t, err)
}

func TestValidateCrossRecordDetectsDuplicateTransactionHash(t *testing.T) {
	block := &chain.Block{
		Hash:   felt.MustFromHex("0x1"),
		Number: 10,
		Transactions: []chain.Transaction{
			{Hash: felt.MustFromHex("0xa")},
			{Hash: felt.MustFromHex("0xb")},
		},
	}
	receipts := []chain.TransactionReceipt{
		{TransactionHash: felt.MustFromHex("0xa"), BlockHash: block.Hash, BlockNumber: 10, TransactionIndex: 0},
		{TransactionHash: felt.MustFromHex("0xa"), BlockHash: block.Hash, BlockNumber: 10, TransactionIndex: 0},
	}
	err := ValidateCrossRecord(block, receipts, nil, false)
	assert.Error(t, err)
}

func TestValidateCrossRecordRequiresTracesWhenSupported(t *testing.T) {
	block := &chain.Block{
		Hash:         felt.MustFromHex("0x1"),
		Number:       10,
		Transactions: []chain.Transaction{{Hash: felt.MustFromHex("0xa")}},
	}
	err := ValidateCrossRecord(block, nil, nil, true)
	assert.Error(t, err)
}

func TestCheckInt32BoundsRejectsOverflow(t *testing.T) {
	assert.Error(t, CheckInt32Bounds("txIndex", 1<<40))
	assert.NoError(t, CheckInt32Bounds("txIndex", 100))
}
