package pebblestore

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes (§6 table list). Lexicographic byte ordering is relied on
// for range scans, so all numeric components are fixed-width zero-padded.
const (
	prefixMetaHeight   = "/meta/height/"
	prefixBlocks       = "/data/blocks/"
	prefixTxIndex      = "/index/tx/"
	prefixLogs         = "/data/logs/"
	prefixTraces       = "/data/traces/"
	prefixReceipts     = "/data/receipts/"
	prefixChildAddr    = "/data/childaddr/"
	prefixIntervals    = "/data/intervals/"
	prefixRPCCache     = "/data/rpccache/"
)

func metaHeightKey(chainID string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixMetaHeight, chainID))
}

func blockKey(chainID string, number uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", prefixBlocks, chainID, number))
}

func blockKeyPrefix(chainID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixBlocks, chainID))
}

func txIndexKey(chainID, txHash string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixTxIndex, chainID, txHash))
}

func logKey(chainID string, blockNumber uint64, logIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%010d", prefixLogs, chainID, blockNumber, logIndex))
}

func logKeyBlockPrefix(chainID string, blockNumber uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/", prefixLogs, chainID, blockNumber))
}

func traceKey(chainID string, blockNumber uint64, txIndex, traceIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%010d/%010d", prefixTraces, chainID, blockNumber, txIndex, traceIndex))
}

func receiptKey(chainID, txHash string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixReceipts, chainID, txHash))
}

func childAddrKey(factoryID, address string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixChildAddr, factoryID, address))
}

func childAddrKeyPrefix(factoryID string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixChildAddr, factoryID))
}

func intervalsKey(fragmentID string) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixIntervals, fragmentID))
}

func rpcCacheKey(chainID, cacheKey string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixRPCCache, chainID, cacheKey))
}

// encodeUint64 / decodeUint64 store fixed-width big-endian integers so
// byte comparison agrees with numeric comparison (grounded on the
// teacher's storage/schema.go EncodeUint64/DecodeUint64).
func encodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("store: invalid uint64 encoding, want 8 bytes got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, for use as a pebble iterator UpperBound (grounded on
// storage/pebble.go prefixUpperBound).
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff; unbounded above
}
