package engine

import (
	"context"
	"fmt"
	"time"

	"liquidity-jackpot/internal/model"
)

// RoundClock advances a market's round once its settlement time passes.
type RoundClock struct {
	liquidity LiquiditySource
	now       func() time.Time
}

func NewRoundClock(src LiquiditySource, now func() time.Time) *RoundClock {
	if now == nil {
		now = time.Now
	}
	return &RoundClock{liquidity: src, now: now}
}

func (c *RoundClock) Now() int64 { return c.now().Unix() }

// Settlement is what CheckAndAdvance recorded.
type Settlement struct {
	Round            int64
	SettledLiquidity string
	NextSettlement   int64
}

// CheckAndAdvance settles the current round if its time has come and opens
// the next one. It advances by exactly one period per call: a clock that is
// several periods behind catches up one round per trigger, and the rounds
// it passes over stay unsettled forever.
//
// mkt is updated in place.
func (c *RoundClock) CheckAndAdvance(ctx context.Context, repo RoundRepository, mkt *model.Market) (*Settlement, error) {
	if c.Now() < mkt.NextSettlement {
		return nil, nil
	}
	liq, err := c.liquidity.CurrentLiquidity(ctx, mkt.ID)
	if err != nil {
		return nil, fmt.Errorf("read liquidity: %w", err)
	}
	round, err := repo.GetRound(ctx, mkt.ID, mkt.NextSettlement)
	if err != nil {
		return nil, err
	}
	if round.Settled() {
		return nil, invariant("checkAndAdvance", ErrAlreadySettled)
	}
	round.SettledLiquidity = liq.Clone()
	if err := repo.PutRound(ctx, round); err != nil {
		return nil, err
	}
	settled := mkt.NextSettlement
	mkt.NextSettlement += mkt.PeriodSeconds
	if err := repo.SetNextSettlement(ctx, mkt.ID, mkt.NextSettlement); err != nil {
		return nil, err
	}
	return &Settlement{Round: settled, SettledLiquidity: liq.Dec(), NextSettlement: mkt.NextSettlement}, nil
}
