// Package store defines the SyncStore persistence port (§6) and its
// default pebble-backed implementation.
package store

import (
	"context"
	"errors"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
)

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("store: not found")

// ChildAddressRecord is one row of the childAddresses table; inserts are
// upsert-min on FirstSeenBlockNumber (§6).
type ChildAddressRecord struct {
	FactoryID          string
	Address            felt.Felt
	FirstSeenBlockNumber uint64
}

// RPCCacheEntry is one row of the rpcRequestResults table (§4.7, §6).
type RPCCacheEntry struct {
	ChainID     string
	CacheKey    string
	BlockNumber *uint64
	Result      string
}

// SyncStore is the persistence port the sync engines and handler cache
// write through and read from (§6). All multi-record insertions for one
// block are expected to land atomically (§6 "externally transactional").
type SyncStore interface {
	InsertBlocks(ctx context.Context, chainID string, blocks []chain.Block) error
	InsertTransactions(ctx context.Context, chainID string, blockNumber uint64, txs []chain.Transaction) error
	InsertLogs(ctx context.Context, chainID string, logs []chain.Log) error
	InsertTraces(ctx context.Context, chainID string, blockNumber uint64, traces []chain.Trace) error
	InsertTransactionReceipts(ctx context.Context, chainID string, receipts []chain.TransactionReceipt) error
	InsertChildAddresses(ctx context.Context, records []ChildAddressRecord) error

	GetBlock(ctx context.Context, chainID string, number uint64) (*chain.Block, error)
	GetLightBlock(ctx context.Context, chainID string, number uint64) (*chain.LightBlock, error)
	GetLatestBlockNumber(ctx context.Context, chainID string) (uint64, error)
	GetChildAddresses(ctx context.Context, factoryID string) (map[felt.Felt]uint64, error)
	RemoveChildAddressesAtOrAbove(ctx context.Context, factoryID string, from uint64) error

	InsertIntervals(ctx context.Context, fragmentID string, ranges []chain.Interval) error
	GetCompletedIntervals(ctx context.Context, fragmentID string) (*chain.IntervalSet, error)

	GetRPCCacheEntry(ctx context.Context, chainID, cacheKey string) (*RPCCacheEntry, error)
	PutRPCCacheEntry(ctx context.Context, entry RPCCacheEntry) error

	Close() error
}
