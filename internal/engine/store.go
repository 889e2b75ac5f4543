package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
)

// RoundRepository owns market clocks and round aggregates. Only the round
// clock and the jackpot bookkeeping write through it.
type RoundRepository interface {
	// GetMarket returns nil, nil when the market does not exist.
	GetMarket(ctx context.Context, id common.Hash) (*model.Market, error)
	CreateMarket(ctx context.Context, m *model.Market) error
	SetNextSettlement(ctx context.Context, id common.Hash, ts int64) error
	// GetRound returns a zeroed round when none has been written.
	GetRound(ctx context.Context, market common.Hash, ts int64) (*model.Round, error)
	PutRound(ctx context.Context, r *model.Round) error
}

// Ledger stores fungible position balances per (owner, position id). The
// key is passed on mint so stores can keep an owner index.
type Ledger interface {
	Mint(ctx context.Context, owner string, id common.Hash, key model.PositionKey, amount *uint256.Int) error
	// Burn returns ErrInsufficientBalance when amount exceeds the balance.
	Burn(ctx context.Context, owner string, id common.Hash, amount *uint256.Int) error
	BalanceOf(ctx context.Context, owner string, id common.Hash) (*uint256.Int, error)
}

// Treasury moves currency between user wallets and engine custody.
type Treasury interface {
	// Collect returns ErrInsufficientFunds when the wallet cannot cover amount.
	Collect(ctx context.Context, owner string, amount *uint256.Int) error
	// Pay returns ErrInsufficientCustody when custody cannot cover amount.
	Pay(ctx context.Context, owner string, amount *uint256.Int) error
}

type EventLog interface {
	AppendEvent(ctx context.Context, market common.Hash, evType string, payload any) error
}

// Tx is one all-or-nothing unit of work.
type Tx interface {
	RoundRepository
	Ledger
	Treasury
	EventLog
	Commit() error
	// Rollback after Commit is a no-op.
	Rollback() error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListPositions(ctx context.Context, owner string) ([]model.Position, error)
}

// LiquiditySource reads a market's point-in-time liquidity.
type LiquiditySource interface {
	CurrentLiquidity(ctx context.Context, market common.Hash) (*uint256.Int, error)
}

// LiquiditySetter is implemented by sources that accept pushed readings.
type LiquiditySetter interface {
	SetLiquidity(ctx context.Context, market common.Hash, v *uint256.Int) error
}

// Locker provides a cross-process exclusive section per key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)
