package redis

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	m := common.HexToHash("0x01")
	assert.Equal(t, "liquidity:0x0000000000000000000000000000000000000000000000000000000000000001", liquidityKey(m))
	assert.Equal(t, "lock:market:abc", lockKey("market:abc"))
}

func TestParseLiquidity(t *testing.T) {
	v, err := parseLiquidity("1000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", v.Dec())

	_, err = parseLiquidity("-5")
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope(`{"origin":"a","market_id":"0x1","type":"bet_placed","data":{"stake":"5"}}`)
	require.NoError(t, err)
	assert.Equal(t, "a", env.Origin)
	assert.Equal(t, "bet_placed", env.Type)
	assert.JSONEq(t, `{"stake":"5"}`, string(env.Data))

	_, err = decodeEnvelope("not json")
	assert.Error(t, err)
}
