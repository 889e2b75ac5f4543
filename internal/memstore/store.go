// Package memstore is an in-memory engine.Store. Transactions hold a single
// store-wide lock and keep an undo journal, so a rollback restores exactly
// the state seen at Begin.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/engine"
	"liquidity-jackpot/internal/model"
)

type roundKey struct {
	market common.Hash
	ts     int64
}

type balanceKey struct {
	owner string
	id    common.Hash
}

type Store struct {
	mu       sync.Mutex
	markets  map[common.Hash]model.Market
	rounds   map[roundKey]*model.Round
	balances map[balanceKey]*uint256.Int
	keys     map[common.Hash]model.PositionKey
	wallets  map[string]*uint256.Int
	custody  *uint256.Int
	events   []model.EventLog
}

func New() *Store {
	return &Store{
		markets:  make(map[common.Hash]model.Market),
		rounds:   make(map[roundKey]*model.Round),
		balances: make(map[balanceKey]*uint256.Int),
		keys:     make(map[common.Hash]model.PositionKey),
		wallets:  make(map[string]*uint256.Int),
		custody:  new(uint256.Int),
	}
}

var _ engine.Store = (*Store)(nil)

func (s *Store) Begin(ctx context.Context) (engine.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{s: s}, nil
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *Store) ListPositions(ctx context.Context, owner string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for k, bal := range s.balances {
		if k.owner != owner || bal.IsZero() {
			continue
		}
		out = append(out, model.Position{ID: k.id, Owner: owner, Key: s.keys[k.id], Balance: bal.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Round < out[j].Key.Round })
	return out, nil
}

// ── Wallet helpers ───────────────────────────────────

// Deposit credits a user's wallet outside any transaction.
func (s *Store) Deposit(owner string, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallet(owner)
	w.Add(w, amount)
}

func (s *Store) WalletBalance(owner string) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet(owner).Clone()
}

func (s *Store) Custody() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.custody.Clone()
}

// SetCustody overwrites the custody balance.
func (s *Store) SetCustody(v *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custody = v.Clone()
}

func (s *Store) Events() []model.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EventLog(nil), s.events...)
}

func (s *Store) wallet(owner string) *uint256.Int {
	w, ok := s.wallets[owner]
	if !ok {
		w = new(uint256.Int)
		s.wallets[owner] = w
	}
	return w
}

// ── Tx ───────────────────────────────────────────────

type tx struct {
	s    *Store
	undo []func()
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

func (t *tx) GetMarket(ctx context.Context, id common.Hash) (*model.Market, error) {
	m, ok := t.s.markets[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *tx) CreateMarket(ctx context.Context, m *model.Market) error {
	if _, ok := t.s.markets[m.ID]; ok {
		return engine.ErrMarketExists
	}
	t.s.markets[m.ID] = *m
	t.undo = append(t.undo, func() { delete(t.s.markets, m.ID) })
	return nil
}

func (t *tx) SetNextSettlement(ctx context.Context, id common.Hash, ts int64) error {
	m, ok := t.s.markets[id]
	if !ok {
		return engine.ErrMarketNotFound
	}
	prev := m
	m.NextSettlement = ts
	t.s.markets[id] = m
	t.undo = append(t.undo, func() { t.s.markets[id] = prev })
	return nil
}

func (t *tx) GetRound(ctx context.Context, market common.Hash, ts int64) (*model.Round, error) {
	r, ok := t.s.rounds[roundKey{market, ts}]
	if !ok {
		return model.NewRound(market, ts), nil
	}
	return r.Clone(), nil
}

func (t *tx) PutRound(ctx context.Context, r *model.Round) error {
	k := roundKey{r.MarketID, r.SettlementTime}
	prev, existed := t.s.rounds[k]
	t.s.rounds[k] = r.Clone()
	t.undo = append(t.undo, func() {
		if existed {
			t.s.rounds[k] = prev
		} else {
			delete(t.s.rounds, k)
		}
	})
	return nil
}

func (t *tx) Mint(ctx context.Context, owner string, id common.Hash, key model.PositionKey, amount *uint256.Int) error {
	if _, ok := t.s.keys[id]; !ok {
		t.s.keys[id] = key
		t.undo = append(t.undo, func() { delete(t.s.keys, id) })
	}
	t.setBalance(balanceKey{owner, id}, func(b *uint256.Int) {
		b.Add(b, amount)
	})
	return nil
}

func (t *tx) Burn(ctx context.Context, owner string, id common.Hash, amount *uint256.Int) error {
	k := balanceKey{owner, id}
	cur, ok := t.s.balances[k]
	if !ok || cur.Lt(amount) {
		return engine.ErrInsufficientBalance
	}
	t.setBalance(k, func(b *uint256.Int) {
		b.Sub(b, amount)
	})
	return nil
}

func (t *tx) BalanceOf(ctx context.Context, owner string, id common.Hash) (*uint256.Int, error) {
	if b, ok := t.s.balances[balanceKey{owner, id}]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

func (t *tx) setBalance(k balanceKey, mutate func(*uint256.Int)) {
	prev, existed := t.s.balances[k]
	next := new(uint256.Int)
	if existed {
		next.Set(prev)
	}
	mutate(next)
	t.s.balances[k] = next
	t.undo = append(t.undo, func() {
		if existed {
			t.s.balances[k] = prev
		} else {
			delete(t.s.balances, k)
		}
	})
}

func (t *tx) Collect(ctx context.Context, owner string, amount *uint256.Int) error {
	w := t.s.wallet(owner)
	if w.Lt(amount) {
		return engine.ErrInsufficientFunds
	}
	t.move(owner, amount, false)
	return nil
}

func (t *tx) Pay(ctx context.Context, owner string, amount *uint256.Int) error {
	if t.s.custody.Lt(amount) {
		return engine.ErrInsufficientCustody
	}
	t.move(owner, amount, true)
	return nil
}

// move shifts amount between a wallet and custody.
func (t *tx) move(owner string, amount *uint256.Int, toWallet bool) {
	prevWallet := t.s.wallet(owner).Clone()
	prevCustody := t.s.custody.Clone()
	w := new(uint256.Int).Set(prevWallet)
	c := new(uint256.Int).Set(prevCustody)
	if toWallet {
		c.Sub(c, amount)
		w.Add(w, amount)
	} else {
		w.Sub(w, amount)
		c.Add(c, amount)
	}
	t.s.wallets[owner] = w
	t.s.custody = c
	t.undo = append(t.undo, func() {
		t.s.wallets[owner] = prevWallet
		t.s.custody = prevCustody
	})
}

func (t *tx) AppendEvent(ctx context.Context, market common.Hash, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var decoded any
	_ = json.Unmarshal(b, &decoded)
	id := market.Hex()
	n := len(t.s.events)
	t.s.events = append(t.s.events, model.EventLog{
		ID: int64(n + 1), MarketID: &id, Type: evType, PayloadJSON: decoded, CreatedAt: time.Now().UTC(),
	})
	t.undo = append(t.undo, func() { t.s.events = t.s.events[:n] })
	return nil
}
