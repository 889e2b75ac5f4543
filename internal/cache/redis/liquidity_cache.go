package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"liquidity-jackpot/internal/engine"
)

// LiquidityCache stores each market's latest liquidity reading as a decimal
// string at "liquidity:{marketID}", shared by every engine instance.
type LiquidityCache struct {
	rdb *redis.Client
}

func NewLiquidityCache(c *Client) *LiquidityCache {
	return &LiquidityCache{rdb: c.rdb}
}

func liquidityKey(market common.Hash) string {
	return "liquidity:" + market.Hex()
}

// CurrentLiquidity reads zero for a market that has no reading yet.
func (lc *LiquidityCache) CurrentLiquidity(ctx context.Context, market common.Hash) (*uint256.Int, error) {
	s, err := lc.rdb.Get(ctx, liquidityKey(market)).Result()
	if errors.Is(err, redis.Nil) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get liquidity %s: %w", market.Hex(), err)
	}
	return parseLiquidity(s)
}

func (lc *LiquidityCache) SetLiquidity(ctx context.Context, market common.Hash, v *uint256.Int) error {
	if err := lc.rdb.Set(ctx, liquidityKey(market), v.Dec(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set liquidity %s: %w", market.Hex(), err)
	}
	return nil
}

func parseLiquidity(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("redis: parse liquidity %q: %w", s, err)
	}
	return v, nil
}

var (
	_ engine.LiquiditySource = (*LiquidityCache)(nil)
	_ engine.LiquiditySetter = (*LiquidityCache)(nil)
)
