// Package liquidity keeps point-in-time liquidity readings per market.
package liquidity

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Feed holds the latest reading per market in process memory. Markets
// without a reading report zero liquidity.
type Feed struct {
	mu       sync.RWMutex
	readings map[common.Hash]*uint256.Int
}

func NewFeed() *Feed {
	return &Feed{readings: make(map[common.Hash]*uint256.Int)}
}

func (f *Feed) CurrentLiquidity(ctx context.Context, market common.Hash) (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if v, ok := f.readings[market]; ok {
		return v.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (f *Feed) SetLiquidity(ctx context.Context, market common.Hash, v *uint256.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings[market] = v.Clone()
	return nil
}

// Set is SetLiquidity without a context, for wiring and tests.
func (f *Feed) Set(market common.Hash, v uint64) {
	_ = f.SetLiquidity(context.Background(), market, uint256.NewInt(v))
}
