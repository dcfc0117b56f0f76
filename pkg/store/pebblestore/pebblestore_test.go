package pebblestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/starkindex/pkg/chain"
	"github.com/0xmhha/starkindex/pkg/felt"
	"github.com/0xmhha/starkindex/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetBlock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	block := chain.Block{Hash: felt.MustFromHex("0x1"), Number: 100}
	require.NoError(t, s.InsertBlocks(ctx, "chain1", []chain.Block{block}))

	got, err := s.GetBlock(ctx, "chain1", 100)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, got.Hash)

	latest, err := s.GetLatestBlockNumber(ctx, "chain1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), latest)
}

func TestGetBlockNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBlock(context.Background(), "chain1", 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChildAddressesUpsertMin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	addr := felt.MustFromHex("0xabc")

	require.NoError(t, s.InsertChildAddresses(ctx, []store.ChildAddressRecord{
		{FactoryID: "f1", Address: addr, FirstSeenBlockNumber: 200},
	}))
	require.NoError(t, s.InsertChildAddresses(ctx, []store.ChildAddressRecord{
		{FactoryID: "f1", Address: addr, FirstSeenBlockNumber: 100},
	}))

	children, err := s.GetChildAddresses(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), children[addr], "upsert must keep the earlier first-seen block")

	require.NoError(t, s.InsertChildAddresses(ctx, []store.ChildAddressRecord{
		{FactoryID: "f1", Address: addr, FirstSeenBlockNumber: 500},
	}))
	children, err = s.GetChildAddresses(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), children[addr], "a later sighting must not overwrite the earlier one")
}

func TestRemoveChildAddressesAtOrAbove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a1, a2 := felt.MustFromHex("0x1"), felt.MustFromHex("0x2")

	require.NoError(t, s.InsertChildAddresses(ctx, []store.ChildAddressRecord{
		{FactoryID: "f1", Address: a1, FirstSeenBlockNumber: 100},
		{FactoryID: "f1", Address: a2, FirstSeenBlockNumber: 200},
	}))

	require.NoError(t, s.RemoveChildAddressesAtOrAbove(ctx, "f1", 150))

	children, err := s.GetChildAddresses(ctx, "f1")
	require.NoError(t, err)
	_, has1 := children[a1]
	_, has2 := children[a2]
	assert.True(t, has1)
	assert.False(t, has2)
}

func TestIntervalsAccumulate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIntervals(ctx, "frag1", []chain.Interval{{Low: 1, High: 10}}))
	require.NoError(t, s.InsertIntervals(ctx, "frag1", []chain.Interval{{Low: 11, High: 20}}))

	set, err := s.GetCompletedIntervals(ctx, "frag1")
	require.NoError(t, err)
	ranges := set.Ranges()
	require.Len(t, ranges, 1, "adjacent intervals must coalesce")
	assert.Equal(t, chain.Interval{Low: 1, High: 20}, ranges[0])
}

func TestRPCCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := store.RPCCacheEntry{ChainID: "chain1", CacheKey: "starknet_chainId", Result: `"0x1"`}
	require.NoError(t, s.PutRPCCacheEntry(ctx, entry))

	got, err := s.GetRPCCacheEntry(ctx, "chain1", "starknet_chainId")
	require.NoError(t, err)
	assert.Equal(t, entry.Result, got.Result)
}

func TestOperationsFailAfterClose(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	_, err := s.GetBlock(context.Background(), "chain1", 1)
	assert.Error(t, err)
}
