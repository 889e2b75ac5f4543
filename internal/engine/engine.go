package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
	"liquidity-jackpot/internal/pricing"
)

// DefaultPeriod is one day.
const DefaultPeriod int64 = 86400

var ErrLiquidityReadOnly = errors.New("liquidity source does not accept updates")

type Options struct {
	Now     func() time.Time
	Locker  Locker
	LockTTL time.Duration
	Publish PublishFunc
	Logger  *slog.Logger
}

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines   map[common.Hash]*MarketEngine
	mu        sync.RWMutex
	store     Store
	liquidity LiquiditySource
	clock     *RoundClock
	locker    Locker
	lockTTL   time.Duration
	publish   PublishFunc
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewManager(store Store, src LiquiditySource, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	// Engines outlive the request that created them.
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engines:   make(map[common.Hash]*MarketEngine),
		store:     store,
		liquidity: src,
		clock:     NewRoundClock(src, opts.Now),
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		publish:   opts.Publish,
		log:       opts.Logger.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.ListMarkets(ctx)
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		m.StartEngine(mkt.ID)
	}
	m.log.Info("booted market engines", "count", len(markets))
	return nil
}

// Close stops every market goroutine.
func (m *Manager) Close() { m.cancel() }

func (m *Manager) StartEngine(id common.Hash) *MarketEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eng, ok := m.engines[id]; ok {
		return eng
	}
	eng := &MarketEngine{
		marketID: id,
		cmdCh:    make(chan command, 64),
		mgr:      m,
		registry: positionRegistry{},
	}
	m.engines[id] = eng
	go eng.run(m.ctx)
	return eng
}

func (m *Manager) GetEngine(id common.Hash) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[id]
}

func (m *Manager) Engines() []*MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MarketEngine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}

type CreateMarketParams struct {
	ID               *common.Hash // derived from Slug when nil
	Slug             string
	Title            string
	PeriodSeconds    int64
	InitialLiquidity *uint256.Int
}

// CreateMarket opens a market whose first round settles one period from now.
func (m *Manager) CreateMarket(ctx context.Context, p CreateMarketParams) (*model.Market, error) {
	id := model.MarketIDFromSlug(p.Slug)
	if p.ID != nil {
		id = *p.ID
	}
	if p.PeriodSeconds <= 0 {
		p.PeriodSeconds = DefaultPeriod
	}
	mkt := &model.Market{
		ID:             id,
		Slug:           p.Slug,
		Title:          p.Title,
		PeriodSeconds:  p.PeriodSeconds,
		NextSettlement: m.clock.Now() + p.PeriodSeconds,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrMarketExists
	}
	if err := tx.CreateMarket(ctx, mkt); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}
	if err := tx.AppendEvent(ctx, id, "MarketCreated", map[string]any{
		"slug": p.Slug, "period_seconds": p.PeriodSeconds, "next_settlement": mkt.NextSettlement,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if p.InitialLiquidity != nil {
		if setter, ok := m.liquidity.(LiquiditySetter); ok {
			if err := setter.SetLiquidity(ctx, id, p.InitialLiquidity); err != nil {
				m.log.Warn("initial liquidity not stored", "market", id.Hex(), "err", err)
			}
		}
	}
	m.StartEngine(id)
	m.log.Info("market created", "market", id.Hex(), "slug", p.Slug, "next_settlement", mkt.NextSettlement)
	return mkt, nil
}

// Market returns the market record, including its next settlement time.
func (m *Manager) Market(ctx context.Context, id common.Hash) (*model.Market, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	mkt, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	return mkt, nil
}

// Round returns the pot, remaining claims and settled liquidity of a round.
func (m *Manager) Round(ctx context.Context, id common.Hash, ts int64) (*model.Round, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	mkt, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	return tx.GetRound(ctx, id, ts)
}

func (m *Manager) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return m.store.ListMarkets(ctx)
}

func (m *Manager) Positions(ctx context.Context, owner string) ([]model.Position, error) {
	return m.store.ListPositions(ctx, owner)
}

// RunKeeper pokes every market's round clock on each tick until ctx ends.
func (m *Manager) RunKeeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	log := m.log.With("component", "keeper")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, eng := range m.Engines() {
				advanced, err := eng.Poke()
				if err != nil {
					log.Warn("poke failed", "market", eng.marketID.Hex(), "err", err)
					continue
				}
				if advanced {
					log.Info("round advanced", "market", eng.marketID.Hex())
				}
			}
		}
	}
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine serializes every mutating command for one market.
type MarketEngine struct {
	marketID common.Hash
	cmdCh    chan command
	mgr      *Manager
	registry positionRegistry

	haltMu sync.Mutex
	halted error
}

func (e *MarketEngine) MarketID() common.Hash { return e.marketID }

// Halted reports whether an invariant breach stopped this market.
func (e *MarketEngine) Halted() bool { return e.haltErr() != nil }

func (e *MarketEngine) haltErr() error {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	return e.halted
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type result[T any] struct {
	val T
	err error
}

type placeCmd struct {
	owner string
	side  model.Side
	stake *uint256.Int
	ch    chan<- result[*model.BetReceipt]
}

type cashoutCmd struct {
	owner string
	key   model.PositionKey
	ch    chan<- result[*model.CashoutResult]
}

type redeemCmd struct {
	owner string
	key   model.PositionKey
	claim *uint256.Int
	ch    chan<- result[*model.RedeemResult]
}

type quoteCmd struct {
	owner string
	key   model.PositionKey
	ch    chan<- result[*Quote]
}

type pokeCmd struct {
	ch chan<- result[bool]
}

type liquidityCmd struct {
	value *uint256.Int
	ch    chan<- error
}

func (c placeCmd) exec(e *MarketEngine) {
	v, err := e.placeBet(c.owner, c.side, c.stake)
	c.ch <- result[*model.BetReceipt]{v, err}
}

func (c cashoutCmd) exec(e *MarketEngine) {
	v, err := e.cashout(c.owner, c.key)
	c.ch <- result[*model.CashoutResult]{v, err}
}

func (c redeemCmd) exec(e *MarketEngine) {
	v, err := e.redeem(c.owner, c.key, c.claim)
	c.ch <- result[*model.RedeemResult]{v, err}
}

func (c quoteCmd) exec(e *MarketEngine) {
	v, err := e.quote(c.owner, c.key)
	c.ch <- result[*Quote]{v, err}
}

func (c pokeCmd) exec(e *MarketEngine) {
	v, err := e.poke()
	c.ch <- result[bool]{v, err}
}

func (c liquidityCmd) exec(e *MarketEngine) { c.ch <- e.updateLiquidity(c.value) }

// PlaceBet sends a place-bet command to the market goroutine and waits.
func (e *MarketEngine) PlaceBet(owner string, side model.Side, stake *uint256.Int) (*model.BetReceipt, error) {
	ch := make(chan result[*model.BetReceipt], 1)
	e.cmdCh <- placeCmd{owner: owner, side: side, stake: stake, ch: ch}
	r := <-ch
	return r.val, r.err
}

// Cashout exits the caller's whole balance of the position early.
func (e *MarketEngine) Cashout(owner string, key model.PositionKey) (*model.CashoutResult, error) {
	ch := make(chan result[*model.CashoutResult], 1)
	e.cmdCh <- cashoutCmd{owner: owner, key: key, ch: ch}
	r := <-ch
	return r.val, r.err
}

// Redeem claims part or all of a winning position after settlement.
func (e *MarketEngine) Redeem(owner string, key model.PositionKey, claim *uint256.Int) (*model.RedeemResult, error) {
	ch := make(chan result[*model.RedeemResult], 1)
	e.cmdCh <- redeemCmd{owner: owner, key: key, claim: claim, ch: ch}
	r := <-ch
	return r.val, r.err
}

// QuoteCashout prices a cashout without executing it.
func (e *MarketEngine) QuoteCashout(owner string, key model.PositionKey) (*Quote, error) {
	ch := make(chan result[*Quote], 1)
	e.cmdCh <- quoteCmd{owner: owner, key: key, ch: ch}
	r := <-ch
	return r.val, r.err
}

// Poke is the framework trigger: it runs the round clock and nothing else.
func (e *MarketEngine) Poke() (bool, error) {
	ch := make(chan result[bool], 1)
	e.cmdCh <- pokeCmd{ch: ch}
	r := <-ch
	return r.val, r.err
}

// UpdateLiquidity is a liquidity-affecting operation: the clock is
// triggered first, then the new reading is stored.
func (e *MarketEngine) UpdateLiquidity(v *uint256.Int) error {
	ch := make(chan error, 1)
	e.cmdCh <- liquidityCmd{value: v, ch: ch}
	return <-ch
}

// ── Unit of work ─────────────────────────────────────

type wsMsg struct {
	typ  string
	data any
}

// unit is one command's transaction plus the messages to publish once it
// commits.
type unit struct {
	Tx
	mkt  *model.Market
	msgs []wsMsg
}

func (u *unit) emit(ctx context.Context, evType, wsType string, payload map[string]any) error {
	payload["event_id"] = uuid.New().String()
	if err := u.AppendEvent(ctx, u.mkt.ID, evType, payload); err != nil {
		return err
	}
	u.msgs = append(u.msgs, wsMsg{typ: wsType, data: payload})
	return nil
}

// atomic triggers the round clock and then runs fn, all in one transaction.
// Any error discards everything, the clock advance included.
func (e *MarketEngine) atomic(op string, fn func(ctx context.Context, u *unit) error) (*Settlement, error) {
	if halted := e.haltErr(); halted != nil {
		return nil, fmt.Errorf("%w: %v", ErrMarketHalted, halted)
	}
	ctx := context.Background()
	m := e.mgr

	if m.locker != nil {
		unlock, err := m.locker.Acquire(ctx, "market:"+e.marketID.Hex(), m.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMarketBusy, err)
		}
		defer unlock()
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mkt, err := tx.GetMarket(ctx, e.marketID)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	u := &unit{Tx: tx, mkt: mkt}

	settlement, err := m.clock.CheckAndAdvance(ctx, u, mkt)
	if err != nil {
		return nil, e.fail(op, err)
	}
	if settlement != nil {
		if err := u.emit(ctx, "RoundSettled", "round_settled", map[string]any{
			"round":             settlement.Round,
			"settled_liquidity": settlement.SettledLiquidity,
			"next_settlement":   settlement.NextSettlement,
		}); err != nil {
			return nil, err
		}
	}
	if fn != nil {
		if err := fn(ctx, u); err != nil {
			return nil, e.fail(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if settlement != nil {
		m.log.Info("round settled", "market", e.marketID.Hex(), "round", settlement.Round,
			"settled_liquidity", settlement.SettledLiquidity, "next_settlement", settlement.NextSettlement)
	}
	if m.publish != nil {
		for _, msg := range u.msgs {
			m.publish(e.marketID.Hex(), msg.typ, msg.data)
		}
	}
	return settlement, nil
}

// fail halts the market on an invariant breach.
func (e *MarketEngine) fail(op string, err error) error {
	if IsFatal(err) {
		e.haltMu.Lock()
		e.halted = err
		e.haltMu.Unlock()
		e.mgr.log.Error("market halted", "market", e.marketID.Hex(), "op", op, "err", err)
	}
	return err
}

// ── Place ────────────────────────────────────────────

func (e *MarketEngine) placeBet(owner string, side model.Side, stake *uint256.Int) (*model.BetReceipt, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if stake == nil || stake.IsZero() {
		return nil, ErrInvalidAmount
	}
	var receipt *model.BetReceipt
	_, err := e.atomic("placeBet", func(ctx context.Context, u *unit) error {
		ref, err := e.mgr.liquidity.CurrentLiquidity(ctx, u.mkt.ID)
		if err != nil {
			return fmt.Errorf("read liquidity: %w", err)
		}
		key := model.PositionKey{
			MarketID:           u.mkt.ID,
			Stake:              stake.Clone(),
			Side:               side,
			ReferenceLiquidity: ref.Clone(),
			Round:              u.mkt.NextSettlement,
		}
		if err := u.Collect(ctx, owner, stake); err != nil {
			return err
		}
		id, err := e.registry.mint(ctx, u, owner, key, stake)
		if err != nil {
			return err
		}
		round, err := u.GetRound(ctx, u.mkt.ID, key.Round)
		if err != nil {
			return err
		}
		if err := creditStake(round, stake); err != nil {
			return err
		}
		if err := u.PutRound(ctx, round); err != nil {
			return err
		}
		receipt = &model.BetReceipt{PositionID: id, Key: key, ReferenceLiquidity: key.ReferenceLiquidity, Round: key.Round}
		return u.emit(ctx, "BetPlaced", "bet_placed", map[string]any{
			"position_id": id.Hex(), "owner": owner, "side": side, "stake": stake.Dec(),
			"reference_liquidity": ref.Dec(), "round": key.Round, "pot": round.Pot.Dec(),
		})
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ── Cashout ──────────────────────────────────────────

// Quote is a cashout price for a specific holder.
type Quote struct {
	PositionID common.Hash
	Balance    *uint256.Int
	pricing.Quote
}

func (e *MarketEngine) cashout(owner string, key model.PositionKey) (*model.CashoutResult, error) {
	key.MarketID = e.marketID
	var res *model.CashoutResult
	_, err := e.atomic("cashout", func(ctx context.Context, u *unit) error {
		if key.Round != u.mkt.NextSettlement {
			return ErrNotJackpotTime
		}
		id, bal, err := e.registry.balance(ctx, u, owner, key)
		if err != nil {
			return err
		}
		if bal.IsZero() {
			return ErrNothingToCashout
		}
		current, err := e.mgr.liquidity.CurrentLiquidity(ctx, u.mkt.ID)
		if err != nil {
			return fmt.Errorf("read liquidity: %w", err)
		}
		q, err := pricing.CashoutAmount(bal, key.Side, key.ReferenceLiquidity, key.Round, e.mgr.clock.Now(), u.mkt.PeriodSeconds, current)
		if err != nil {
			return e.pricingErr("cashout", err)
		}
		if err := e.registry.burn(ctx, u, owner, id, bal); err != nil {
			return err
		}
		round, err := u.GetRound(ctx, u.mkt.ID, key.Round)
		if err != nil {
			return err
		}
		if err := debitCashout(round, q.Net, bal); err != nil {
			return err
		}
		if err := u.PutRound(ctx, round); err != nil {
			return err
		}
		if err := pay(ctx, u, "cashout", owner, q.Net); err != nil {
			return err
		}
		res = &model.CashoutResult{PositionID: id, Burned: bal, Payout: q.Net}
		return u.emit(ctx, "CashedOut", "cashout", map[string]any{
			"position_id": id.Hex(), "owner": owner, "burned": bal.Dec(), "payout": q.Net.Dec(),
			"fee": q.Fee.Dec(), "round": key.Round, "pot": round.Pot.Dec(),
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// quote is read-only: it neither triggers the clock nor commits.
func (e *MarketEngine) quote(owner string, key model.PositionKey) (*Quote, error) {
	key.MarketID = e.marketID
	ctx := context.Background()
	tx, err := e.mgr.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	mkt, err := tx.GetMarket(ctx, e.marketID)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	now := e.mgr.clock.Now()
	if key.Round != mkt.NextSettlement || now >= mkt.NextSettlement {
		return nil, ErrNotJackpotTime
	}
	id, bal, err := e.registry.balance(ctx, tx, owner, key)
	if err != nil {
		return nil, err
	}
	if bal.IsZero() {
		return nil, ErrNothingToCashout
	}
	current, err := e.mgr.liquidity.CurrentLiquidity(ctx, mkt.ID)
	if err != nil {
		return nil, fmt.Errorf("read liquidity: %w", err)
	}
	q, err := pricing.CashoutAmount(bal, key.Side, key.ReferenceLiquidity, key.Round, now, mkt.PeriodSeconds, current)
	if err != nil {
		if errors.Is(err, pricing.ErrBadPeriod) {
			return nil, e.pricingErr("quote", err)
		}
		return nil, err
	}
	return &Quote{PositionID: id, Balance: bal, Quote: q}, nil
}

// pricingErr classifies a cashout pricing failure. A clock that reads
// before the round start is transient; anything else is a breach.
func (e *MarketEngine) pricingErr(op string, err error) error {
	if errors.Is(err, pricing.ErrBadPeriod) {
		e.mgr.log.Warn("clock behind round start", "market", e.marketID.Hex(), "op", op, "now", e.mgr.clock.Now())
		return fmt.Errorf("%w: %v", ErrClockSkew, err)
	}
	return invariant(op, err)
}

// ── Redeem ───────────────────────────────────────────

func (e *MarketEngine) redeem(owner string, key model.PositionKey, claim *uint256.Int) (*model.RedeemResult, error) {
	key.MarketID = e.marketID
	if claim == nil || claim.IsZero() {
		return nil, ErrInvalidAmount
	}
	var res *model.RedeemResult
	_, err := e.atomic("redeem", func(ctx context.Context, u *unit) error {
		round, err := u.GetRound(ctx, u.mkt.ID, key.Round)
		if err != nil {
			return err
		}
		if !round.Settled() {
			return ErrNothingToClaim
		}
		id, bal, err := e.registry.balance(ctx, u, owner, key)
		if err != nil {
			return err
		}
		if bal.Lt(claim) {
			return ErrNotEnoughToClaim
		}
		// Ties win for neither side.
		switch key.Side {
		case model.SideLong:
			if !round.SettledLiquidity.Gt(key.ReferenceLiquidity) {
				return ErrNotClaimableLong
			}
		case model.SideShort:
			if !round.SettledLiquidity.Lt(key.ReferenceLiquidity) {
				return ErrNotClaimableShort
			}
		default:
			return ErrInvalidSide
		}
		if err := e.registry.burn(ctx, u, owner, id, claim); err != nil {
			return err
		}
		payout, err := pricing.RedeemPayout(claim, round.Pot)
		if err != nil {
			return invariant("redeem", err)
		}
		if err := debitRedeem(round, claim); err != nil {
			return err
		}
		if err := u.PutRound(ctx, round); err != nil {
			return err
		}
		if err := pay(ctx, u, "redeem", owner, payout); err != nil {
			return err
		}
		res = &model.RedeemResult{PositionID: id, Claimed: claim.Clone(), Payout: payout}
		return u.emit(ctx, "Redeemed", "redeem", map[string]any{
			"position_id": id.Hex(), "owner": owner, "claimed": claim.Dec(), "payout": payout.Dec(),
			"round": key.Round, "remaining_claims": round.RemainingClaims.Dec(),
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ── Triggers ─────────────────────────────────────────

func (e *MarketEngine) poke() (bool, error) {
	s, err := e.atomic("checkAndAdvance", nil)
	return s != nil, err
}

func (e *MarketEngine) updateLiquidity(v *uint256.Int) error {
	setter, ok := e.mgr.liquidity.(LiquiditySetter)
	if !ok {
		return ErrLiquidityReadOnly
	}
	if _, err := e.atomic("updateLiquidity", nil); err != nil {
		return err
	}
	return setter.SetLiquidity(context.Background(), e.marketID, v)
}

// pay moves currency out of custody; a shortfall is an invariant breach.
func pay(ctx context.Context, t Treasury, op, owner string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := t.Pay(ctx, owner, amount); err != nil {
		if errors.Is(err, ErrInsufficientCustody) {
			return invariant(op, err)
		}
		return err
	}
	return nil
}
