package felt

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexRoundTrip(t *testing.T) {
	cases := []string{
		"0x1",
		"0x0049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc",
		"1234abcd",
		"0x0",
		"",
	}
	for _, c := range cases {
		f, err := FromHex(c)
		require.NoError(t, err, c)
		// Idempotent: re-parsing the canonical hex yields the same Felt.
		f2, err := FromHex(f.Hex())
		require.NoError(t, err)
		assert.Equal(t, f, f2)
		assert.Len(t, f.Hex(), 66) // 0x + 64 hex digits
	}
}

func TestFromHexTooLong(t *testing.T) {
	_, err := FromHex("0x" + string(make([]byte, 65)))
	assert.Error(t, err)
}

func TestFromBigInt(t *testing.T) {
	f := FromBigInt(big.NewInt(255))
	assert.Equal(t, int64(255), f.Big().Int64())
	assert.Len(t, f.Hex(), 66)
}

func TestJSONRoundTrip(t *testing.T) {
	f := MustFromHex("0xabc")
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var f2 Felt
	require.NoError(t, json.Unmarshal(data, &f2))
	assert.Equal(t, f, f2)
}

func TestLess(t *testing.T) {
	a := MustFromHex("0x1")
	b := MustFromHex("0x2")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}

func TestIsZero(t *testing.T) {
	assert.True(t, Zero.IsZero())
	assert.False(t, MustFromHex("0x1").IsZero())
}
