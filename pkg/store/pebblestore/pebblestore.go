// Package pebblestore implements store.SyncStore on top of PebbleDB, in
// the manner of the teacher's pkg/storage PebbleStorage: one on-disk
// engine, key-prefix-addressed tables, explicit Close lifecycle. There is
// no separate Sync method; inserts commit with pebble.Sync.
package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/store"
)

// Config mirrors the teacher's storage.Config shape, scoped to what
// pebble.Options actually uses.
type Config struct {
	Path                  string
	CacheSizeMB           int
	MaxOpenFiles          int
	WriteBufferMB         int
	DisableWAL            bool
	CompactionConcurrency int
	ReadOnly              bool
}

func (c *Config) setDefaults() {
	if c.CacheSizeMB == 0 {
		c.CacheSizeMB = 64
	}
	if c.MaxOpenFiles == 0 {
		c.MaxOpenFiles = 1000
	}
	if c.WriteBufferMB == 0 {
		c.WriteBufferMB = 16
	}
	if c.CompactionConcurrency == 0 {
		c.CompactionConcurrency = 1
	}
}

// Store is the pebble-backed store.SyncStore implementation.
type Store struct {
	db     *pebble.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open creates or opens a pebble database at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("pebblestore: path is required")
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.CacheSizeMB) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
		MemTableSize: uint64(cfg.WriteBufferMB) << 20,
		DisableWAL:   cfg.DisableWAL,
		ReadOnly:     cfg.ReadOnly,
	}
	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebblestore: open %s: %w", cfg.Path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) ensureOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("pebblestore: store is closed")
	}
	return nil
}

// Close flushes and releases the underlying database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) InsertBlocks(ctx context.Context, chainID string, blocks []chain.Block) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	var maxNumber uint64
	have := false
	for i := range blocks {
		b := &blocks[i]
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("pebblestore: marshal block %d: %w", b.Number, err)
		}
		if err := batch.Set(blockKey(chainID, b.Number), data, nil); err != nil {
			return err
		}
		for _, tx := range b.Transactions {
			idx := blockTxIndex{ChainID: chainID, BlockNumber: b.Number}
			idxBytes, err := json.Marshal(idx)
			if err != nil {
				return err
			}
			if err := batch.Set(txIndexKey(chainID, tx.Hash.Hex()), idxBytes, nil); err != nil {
				return err
			}
		}
		if !have || b.Number > maxNumber {
			maxNumber, have = b.Number, true
		}
	}
	if have {
		if err := batch.Set(metaHeightKey(chainID), encodeUint64(maxNumber), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

type blockTxIndex struct {
	ChainID     string
	BlockNumber uint64
}

func (s *Store) InsertTransactions(ctx context.Context, chainID string, blockNumber uint64, txs []chain.Transaction) error {
	// Transactions are embedded in the block record and indexed by hash
	// when InsertBlocks runs; a standalone transaction batch only needs
	// to refresh the hash index, for callers that persist transactions
	// independently of their parent block (e.g. realtime re-fetch).
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, tx := range txs {
		idx := blockTxIndex{ChainID: chainID, BlockNumber: blockNumber}
		data, err := json.Marshal(idx)
		if err != nil {
			return err
		}
		if err := batch.Set(txIndexKey(chainID, tx.Hash.Hex()), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) InsertLogs(ctx context.Context, chainID string, logs []chain.Log) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for i := range logs {
		l := &logs[i]
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if err := batch.Set(logKey(chainID, l.BlockNumber, l.LogIndex), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) InsertTraces(ctx context.Context, chainID string, blockNumber uint64, traces []chain.Trace) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for txIndex, t := range traces {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := batch.Set(traceKey(chainID, blockNumber, txIndex, 0), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) InsertTransactionReceipts(ctx context.Context, chainID string, receipts []chain.TransactionReceipt) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for i := range receipts {
		r := &receipts[i]
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := batch.Set(receiptKey(chainID, r.TransactionHash.Hex()), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// InsertChildAddresses implements the upsert-min semantics on
// firstSeenBlockNumber (§6).
func (s *Store) InsertChildAddresses(ctx context.Context, records []store.ChildAddressRecord) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	inBatch := make(map[string]uint64, len(records))
	for _, r := range records {
		key := childAddrKey(r.FactoryID, r.Address.Hex())
		if seen, ok := inBatch[string(key)]; ok && seen <= r.FirstSeenBlockNumber {
			continue // an earlier record in this call already set a lower value
		}
		existing, closer, err := s.db.Get(key)
		if err != nil && err != pebble.ErrNotFound {
			return err
		}
		if err == nil {
			seen, derr := decodeUint64(existing)
			closer.Close()
			if derr != nil {
				return derr
			}
			if seen <= r.FirstSeenBlockNumber {
				continue // keep the earlier sighting
			}
		}
		if err := batch.Set(key, encodeUint64(r.FirstSeenBlockNumber), nil); err != nil {
			return err
		}
		inBatch[string(key)] = r.FirstSeenBlockNumber
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) GetBlock(ctx context.Context, chainID string, number uint64) (*chain.Block, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(blockKey(chainID, number))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var b chain.Block
	if err := json.Unmarshal(value, &b); err != nil {
		return nil, fmt.Errorf("pebblestore: decode block %d: %w", number, err)
	}
	return &b, nil
}

func (s *Store) GetLightBlock(ctx context.Context, chainID string, number uint64) (*chain.LightBlock, error) {
	b, err := s.GetBlock(ctx, chainID, number)
	if err != nil {
		return nil, err
	}
	light := b.ToLight()
	return &light, nil
}

func (s *Store) GetLatestBlockNumber(ctx context.Context, chainID string) (uint64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	value, closer, err := s.db.Get(metaHeightKey(chainID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	defer closer.Close()
	return decodeUint64(value)
}

func (s *Store) GetChildAddresses(ctx context.Context, factoryID string) (map[felt.Felt]uint64, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := childAddrKeyPrefix(factoryID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[felt.Felt]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		addrHex := string(iter.Key()[len(prefix):])
		addr, err := felt.FromHex(addrHex)
		if err != nil {
			return nil, fmt.Errorf("pebblestore: decode child address key %q: %w", addrHex, err)
		}
		n, err := decodeUint64(iter.Value())
		if err != nil {
			return nil, err
		}
		out[addr] = n
	}
	return out, iter.Error()
}

func (s *Store) RemoveChildAddressesAtOrAbove(ctx context.Context, factoryID string, from uint64) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	children, err := s.GetChildAddresses(ctx, factoryID)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for addr, seen := range children {
		if seen >= from {
			if err := batch.Delete(childAddrKey(factoryID, addr.Hex()), nil); err != nil {
				return err
			}
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) InsertIntervals(ctx context.Context, fragmentID string, ranges []chain.Interval) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	existing, err := s.GetCompletedIntervals(ctx, fragmentID)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		existing.Add(r)
	}
	data, err := json.Marshal(existing.Ranges())
	if err != nil {
		return err
	}
	return s.db.Set(intervalsKey(fragmentID), data, pebble.Sync)
}

func (s *Store) GetCompletedIntervals(ctx context.Context, fragmentID string) (*chain.IntervalSet, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(intervalsKey(fragmentID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return chain.NewIntervalSet(), nil
		}
		return nil, err
	}
	defer closer.Close()

	var ranges []chain.Interval
	if err := json.Unmarshal(value, &ranges); err != nil {
		return nil, fmt.Errorf("pebblestore: decode intervals for %s: %w", fragmentID, err)
	}
	return chain.NewIntervalSet(ranges...), nil
}

func (s *Store) GetRPCCacheEntry(ctx context.Context, chainID, cacheKey string) (*store.RPCCacheEntry, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get(rpcCacheKey(chainID, cacheKey))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var entry store.RPCCacheEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) PutRPCCacheEntry(ctx context.Context, entry store.RPCCacheEntry) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Set(rpcCacheKey(entry.ChainID, entry.CacheKey), data, pebble.NoSync)
}

var _ store.SyncStore = (*Store)(nil)
