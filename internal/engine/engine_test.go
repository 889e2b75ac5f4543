package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/liquidity"
	"liquidity-jackpot/internal/memstore"
	"liquidity-jackpot/internal/model"
)

const (
	period = int64(86400)
	start  = int64(1_700_000_000)
)

var oneToken = uint256.MustFromDecimal("1000000000000000000")

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *fakeClock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}

type harness struct {
	store  *memstore.Store
	feed   *liquidity.Feed
	clock  *fakeClock
	mgr    *engine.Manager
	eng    *engine.MarketEngine
	market *model.Market
	events []string
	mu     sync.Mutex
}

func newHarness(t *testing.T, initialLiquidity uint64) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		feed:  liquidity.NewFeed(),
		clock: &fakeClock{now: start},
	}
	h.mgr = engine.NewManager(h.store, h.feed, engine.Options{
		Now: h.clock.Now,
		Publish: func(marketID, msgType string, data any) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, msgType)
		},
	})
	t.Cleanup(h.mgr.Close)

	mkt, err := h.mgr.CreateMarket(context.Background(), engine.CreateMarketParams{
		Slug:             "eth-usdc-30",
		Title:            "ETH/USDC 0.3%",
		PeriodSeconds:    period,
		InitialLiquidity: uint256.NewInt(initialLiquidity),
	})
	require.NoError(t, err)
	h.market = mkt
	h.eng = h.mgr.GetEngine(mkt.ID)
	require.NotNil(t, h.eng)
	return h
}

func (h *harness) fund(owner string, amount *uint256.Int) { h.store.Deposit(owner, amount) }

func (h *harness) round(t *testing.T, ts int64) *model.Round {
	t.Helper()
	r, err := h.mgr.Round(context.Background(), h.market.ID, ts)
	require.NoError(t, err)
	return r
}

func (h *harness) next(t *testing.T) int64 {
	t.Helper()
	m, err := h.mgr.Market(context.Background(), h.market.ID)
	require.NoError(t, err)
	return m.NextSettlement
}

func TestCreateMarketOpensFirstRound(t *testing.T) {
	h := newHarness(t, 1000)
	assert.Equal(t, start+period, h.market.NextSettlement)
	assert.Equal(t, model.MarketIDFromSlug("eth-usdc-30"), h.market.ID)

	_, err := h.mgr.CreateMarket(context.Background(), engine.CreateMarketParams{Slug: "eth-usdc-30"})
	assert.ErrorIs(t, err, engine.ErrMarketExists)
}

func TestPlaceBetUpdatesPotAndClaims(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(500))

	rc, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), rc.ReferenceLiquidity.Uint64())
	assert.Equal(t, start+period, rc.Round)
	assert.Equal(t, engine.PositionID(rc.Key), rc.PositionID)

	r := h.round(t, rc.Round)
	assert.Equal(t, uint64(200), r.Pot.Uint64())
	assert.Equal(t, uint64(200), r.RemainingClaims.Uint64())
	assert.Equal(t, uint64(300), h.store.WalletBalance("alice").Uint64())
	assert.Equal(t, uint64(200), h.store.Custody().Uint64())

	positions, err := h.mgr.Positions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, rc.PositionID, positions[0].ID)
}

func TestPlaceBetRejectsBadInput(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(10))

	_, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(0))
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
	_, err = h.eng.PlaceBet("alice", model.Side("UP"), uint256.NewInt(1))
	assert.ErrorIs(t, err, engine.ErrInvalidSide)
	_, err = h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(11))
	assert.ErrorIs(t, err, engine.ErrInsufficientFunds)

	r := h.round(t, start+period)
	assert.True(t, r.Pot.IsZero())
	assert.Equal(t, uint64(10), h.store.WalletBalance("alice").Uint64())
}

func TestSharedPositionIDAcrossBettors(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	h.fund("bob", uint256.NewInt(100))

	a, err := h.eng.PlaceBet("alice", model.SideShort, uint256.NewInt(50))
	require.NoError(t, err)
	b, err := h.eng.PlaceBet("bob", model.SideShort, uint256.NewInt(50))
	require.NoError(t, err)
	assert.Equal(t, a.PositionID, b.PositionID)

	c, err := h.eng.PlaceBet("bob", model.SideLong, uint256.NewInt(50))
	require.NoError(t, err)
	assert.NotEqual(t, a.PositionID, c.PositionID)
}

func TestCheckAndAdvanceIsIdempotentWithinRound(t *testing.T) {
	h := newHarness(t, 1000)

	advanced, err := h.eng.Poke()
	require.NoError(t, err)
	assert.False(t, advanced)

	h.clock.Set(start + period)
	advanced, err = h.eng.Poke()
	require.NoError(t, err)
	assert.True(t, advanced)
	advanced, err = h.eng.Poke()
	require.NoError(t, err)
	assert.False(t, advanced)

	assert.Equal(t, start+2*period, h.next(t))
	assert.Equal(t, uint64(1000), h.round(t, start+period).SettledLiquidity.Uint64())
}

func TestRoundAdvancesOnePeriodPerTrigger(t *testing.T) {
	h := newHarness(t, 1000)
	old := start + period

	h.clock.Set(old + 3*period)
	advanced, err := h.eng.Poke()
	require.NoError(t, err)
	require.True(t, advanced)
	assert.Equal(t, old+period, h.next(t))

	// Each further trigger catches up one round.
	_, err = h.eng.Poke()
	require.NoError(t, err)
	assert.Equal(t, old+2*period, h.next(t))
}

func TestCatchUpSettlesWithLiquidityAtTriggerTime(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))

	first := start + period
	h.clock.Set(first + period/2)
	_, err := h.eng.Poke()
	require.NoError(t, err)

	rc, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, first+period, rc.Round)

	h.feed.Set(h.market.ID, 5000)
	h.clock.Set(first + 10*period)
	_, err = h.eng.Poke()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), h.round(t, rc.Round).SettledLiquidity.Uint64())
	assert.False(t, h.round(t, first+2*period).Settled())

	res, err := h.eng.Redeem("alice", rc.Key, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Payout.Uint64())
	// The redeem itself triggered one more catch-up step.
	assert.Equal(t, first+3*period, h.next(t))
}

func TestPermanentlySkippedRoundRejectsRedeem(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))

	first := start + period
	rc, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, first, rc.Round)

	// A position for a round the clock will walk past without settling.
	ghost := rc.Key
	ghost.Round = first + period + 1

	h.feed.Set(h.market.ID, 2000)
	h.clock.Set(first + 5*period)
	_, err = h.eng.Redeem("alice", ghost, uint256.NewInt(1))
	assert.ErrorIs(t, err, engine.ErrNothingToClaim)
}

func TestRedeemOnUnsettledRound(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	rc, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)

	_, err = h.eng.Redeem("alice", rc.Key, uint256.NewInt(100))
	assert.ErrorIs(t, err, engine.ErrNothingToClaim)
}

func TestCashoutAtRoundStart(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideLong, oneToken)
	require.NoError(t, err)

	res, err := h.eng.Cashout("alice", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "990000000000000000", res.Payout.Dec())
	assert.True(t, res.Burned.Eq(oneToken))

	r := h.round(t, rc.Round)
	assert.Equal(t, "10000000000000000", r.Pot.Dec(), "pot keeps the fee")
	assert.True(t, r.RemainingClaims.IsZero())
	assert.Equal(t, "990000000000000000", h.store.WalletBalance("alice").Dec())

	_, err = h.eng.Cashout("alice", rc.Key)
	assert.ErrorIs(t, err, engine.ErrNothingToCashout)
}

func TestCashoutAtHalfPeriod(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideLong, oneToken)
	require.NoError(t, err)

	h.feed.Set(h.market.ID, 1500)
	h.clock.Set(start + period/2)
	q, err := h.eng.QuoteCashout("alice", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "742500000000000000", q.Net.Dec())

	res, err := h.eng.Cashout("alice", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "742500000000000000", res.Payout.Dec())
}

func TestLosingShortCashoutAtHalfPeriod(t *testing.T) {
	h := newHarness(t, 10)
	h.fund("bob", oneToken)
	rc, err := h.eng.PlaceBet("bob", model.SideShort, oneToken)
	require.NoError(t, err)

	h.feed.Set(h.market.ID, 300)
	h.clock.Set(start + period/2)
	res, err := h.eng.Cashout("bob", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "24750000000000000", res.Payout.Dec())
}

func TestCashoutAfterRoundClosed(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	rc, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)

	h.clock.Set(start + period)
	_, err = h.eng.Cashout("alice", rc.Key)
	assert.ErrorIs(t, err, engine.ErrNotJackpotTime)

	// The failed cashout rolled back its clock advance too.
	assert.Equal(t, start+period, h.next(t))
	assert.Equal(t, uint64(100), h.round(t, rc.Round).Pot.Uint64())
}

func TestCashoutAtZeroLiquidityTie(t *testing.T) {
	h := newHarness(t, 0)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideLong, oneToken)
	require.NoError(t, err)
	require.True(t, rc.ReferenceLiquidity.IsZero())

	res, err := h.eng.Cashout("alice", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "990000000000000000", res.Payout.Dec())
	assert.Equal(t, "990000000000000000", h.store.WalletBalance("alice").Dec())

	r := h.round(t, rc.Round)
	assert.Equal(t, "10000000000000000", r.Pot.Dec())
	assert.True(t, r.RemainingClaims.IsZero())
}

func TestCashoutWithClockBehindRoundStart(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideLong, oneToken)
	require.NoError(t, err)

	h.clock.Set(start - 10)
	_, err = h.eng.QuoteCashout("alice", rc.Key)
	assert.ErrorIs(t, err, engine.ErrClockSkew)
	_, err = h.eng.Cashout("alice", rc.Key)
	require.ErrorIs(t, err, engine.ErrClockSkew)
	assert.False(t, engine.IsFatal(err))
	assert.False(t, h.eng.Halted())
	assert.True(t, h.store.WalletBalance("alice").IsZero())

	h.clock.Set(start)
	res, err := h.eng.Cashout("alice", rc.Key)
	require.NoError(t, err)
	assert.Equal(t, "990000000000000000", res.Payout.Dec())
}

func TestRedeemWinningLong(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(300))
	h.fund("bob", uint256.NewInt(700))

	long, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(300))
	require.NoError(t, err)
	short, err := h.eng.PlaceBet("bob", model.SideShort, uint256.NewInt(700))
	require.NoError(t, err)

	h.feed.Set(h.market.ID, 1200)
	h.clock.Set(long.Round)

	_, err = h.eng.Redeem("bob", short.Key, uint256.NewInt(700))
	assert.ErrorIs(t, err, engine.ErrNotClaimableShort)

	_, err = h.eng.Redeem("alice", long.Key, uint256.NewInt(301))
	assert.ErrorIs(t, err, engine.ErrNotEnoughToClaim)

	res, err := h.eng.Redeem("alice", long.Key, uint256.NewInt(300))
	require.NoError(t, err)
	// 100*300/1000 = 30 percent of 1000
	assert.Equal(t, uint64(300), res.Payout.Uint64())

	r := h.round(t, long.Round)
	assert.Equal(t, uint64(1000), r.Pot.Uint64(), "redeem leaves the pot whole")
	assert.Equal(t, uint64(700), r.RemainingClaims.Uint64())
	assert.Equal(t, uint64(1200), r.SettledLiquidity.Uint64())
	assert.Equal(t, uint64(300), h.store.WalletBalance("alice").Uint64())
}

func TestRedeemFullPotSingleClaimer(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideShort, oneToken)
	require.NoError(t, err)

	h.feed.Set(h.market.ID, 900)
	h.clock.Set(rc.Round + 1)
	res, err := h.eng.Redeem("alice", rc.Key, oneToken)
	require.NoError(t, err)
	assert.True(t, res.Payout.Eq(oneToken))

	r := h.round(t, rc.Round)
	assert.True(t, r.RemainingClaims.IsZero())
	assert.True(t, r.Pot.Eq(oneToken))
}

func TestRedeemRejectsTies(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	h.fund("bob", uint256.NewInt(100))
	long, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)
	short, err := h.eng.PlaceBet("bob", model.SideShort, uint256.NewInt(100))
	require.NoError(t, err)

	h.clock.Set(long.Round)
	_, err = h.eng.Redeem("alice", long.Key, uint256.NewInt(100))
	assert.ErrorIs(t, err, engine.ErrNotClaimableLong)
	_, err = h.eng.Redeem("bob", short.Key, uint256.NewInt(100))
	assert.ErrorIs(t, err, engine.ErrNotClaimableShort)
}

func TestRedeemRejectsLosingLong(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	long, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)

	h.feed.Set(h.market.ID, 999)
	h.clock.Set(long.Round)
	_, err = h.eng.Redeem("alice", long.Key, uint256.NewInt(100))
	assert.ErrorIs(t, err, engine.ErrNotClaimableLong)
}

func TestPayoutShortfallHaltsMarket(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", oneToken)
	rc, err := h.eng.PlaceBet("alice", model.SideLong, oneToken)
	require.NoError(t, err)

	h.store.SetCustody(uint256.NewInt(1))
	_, err = h.eng.Cashout("alice", rc.Key)
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
	assert.ErrorIs(t, err, engine.ErrInsufficientCustody)

	bal := h.round(t, rc.Round)
	assert.True(t, bal.Pot.Eq(oneToken), "failed cashout left the pot untouched")

	_, err = h.eng.Poke()
	assert.ErrorIs(t, err, engine.ErrMarketHalted)
}

func TestUpdateLiquidityTriggersClockFirst(t *testing.T) {
	h := newHarness(t, 1000)
	h.clock.Set(start + period)

	require.NoError(t, h.eng.UpdateLiquidity(uint256.NewInt(4242)))
	assert.Equal(t, uint64(1000), h.round(t, start+period).SettledLiquidity.Uint64())

	v, err := h.feed.CurrentLiquidity(context.Background(), h.market.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), v.Uint64())
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t, 1000)
	h.fund("alice", uint256.NewInt(100))
	_, err := h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.NoError(t, err)
	_, err = h.eng.PlaceBet("alice", model.SideLong, uint256.NewInt(100))
	require.Error(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"bet_placed"}, h.events)

	var types []string
	for _, ev := range h.store.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"MarketCreated", "BetPlaced"}, types)
}

func TestUnknownMarketRound(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.mgr.Round(context.Background(), common.HexToHash("0xdead"), 1)
	assert.ErrorIs(t, err, engine.ErrMarketNotFound)
}
