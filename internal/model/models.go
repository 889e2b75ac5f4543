package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// ParseSide accepts LONG/SHORT in any case.
func ParseSide(v string) (Side, error) {
	s := Side(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("side must be LONG or SHORT, got %q", v)
	}
	return s, nil
}

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet holds a user's spendable currency. Amounts are base units.
type Wallet struct {
	UserID  string       `json:"user_id"`
	Balance *uint256.Int `json:"-"`
}

// Market is one liquidity venue with its round clock.
type Market struct {
	ID             common.Hash `json:"id"`
	Slug           string      `json:"slug"`
	Title          string      `json:"title"`
	PeriodSeconds  int64       `json:"period_seconds"`
	NextSettlement int64       `json:"next_settlement"`
	CreatedAt      time.Time   `json:"created_at"`
}

// MarketIDFromSlug derives a 32-byte market id the same way pool ids are
// derived: keccak256 over the identifying bytes.
func MarketIDFromSlug(slug string) common.Hash {
	return crypto.Keccak256Hash([]byte(slug))
}

// Round is the aggregate for one (market, settlement time). A missing
// round reads as all zeroes.
type Round struct {
	MarketID         common.Hash
	SettlementTime   int64
	Pot              *uint256.Int
	RemainingClaims  *uint256.Int
	SettledLiquidity *uint256.Int // zero = unsettled
}

// NewRound returns the zero-valued round record for a key.
func NewRound(market common.Hash, ts int64) *Round {
	return &Round{
		MarketID:         market,
		SettlementTime:   ts,
		Pot:              new(uint256.Int),
		RemainingClaims:  new(uint256.Int),
		SettledLiquidity: new(uint256.Int),
	}
}

func (r *Round) Settled() bool { return !r.SettledLiquidity.IsZero() }

func (r *Round) Clone() *Round {
	return &Round{
		MarketID:         r.MarketID,
		SettlementTime:   r.SettlementTime,
		Pot:              r.Pot.Clone(),
		RemainingClaims:  r.RemainingClaims.Clone(),
		SettledLiquidity: r.SettledLiquidity.Clone(),
	}
}

// PositionKey is everything that identifies a position. Callers must keep
// it to cash out or redeem later; the id is derived from it.
type PositionKey struct {
	MarketID           common.Hash
	Stake              *uint256.Int
	Side               Side
	ReferenceLiquidity *uint256.Int
	Round              int64
}

// Position is an owner's holding of one position id.
type Position struct {
	ID      common.Hash
	Owner   string
	Key     PositionKey
	Balance *uint256.Int
}

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *string   `json:"market_id,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── Results ──────────────────────────────────────────

// BetReceipt is returned by PlaceBet. ReferenceLiquidity and Round are the
// parts of the key the caller did not choose.
type BetReceipt struct {
	PositionID         common.Hash
	Key                PositionKey
	ReferenceLiquidity *uint256.Int
	Round              int64
}

type CashoutResult struct {
	PositionID common.Hash
	Burned     *uint256.Int
	Payout     *uint256.Int
}

type RedeemResult struct {
	PositionID common.Hash
	Claimed    *uint256.Int
	Payout     *uint256.Int
}

// ── API Types ────────────────────────────────────────

// Amounts cross the API as base-10 strings; they do not fit in JSON numbers.

type PlaceBetReq struct {
	Side  string `json:"side"`
	Stake string `json:"stake"`
}

type PositionReq struct {
	Stake              string `json:"stake"`
	Side               string `json:"side"`
	ReferenceLiquidity string `json:"reference_liquidity"`
	Round              int64  `json:"round"`
}

type RedeemReq struct {
	PositionReq
	Claim string `json:"claim"`
}

type PositionView struct {
	PositionID         string `json:"position_id"`
	MarketID           string `json:"market_id"`
	Stake              string `json:"stake"`
	Side               Side   `json:"side"`
	ReferenceLiquidity string `json:"reference_liquidity"`
	Round              int64  `json:"round"`
	Balance            string `json:"balance,omitempty"`
}

type RoundView struct {
	MarketID         string `json:"market_id"`
	SettlementTime   int64  `json:"settlement_time"`
	Pot              string `json:"pot"`
	RemainingClaims  string `json:"remaining_claims"`
	SettledLiquidity string `json:"settled_liquidity"`
	Settled          bool   `json:"settled"`
}

func NewRoundView(r *Round) RoundView {
	return RoundView{
		MarketID:         r.MarketID.Hex(),
		SettlementTime:   r.SettlementTime,
		Pot:              r.Pot.Dec(),
		RemainingClaims:  r.RemainingClaims.Dec(),
		SettledLiquidity: r.SettledLiquidity.Dec(),
		Settled:          r.Settled(),
	}
}

func NewPositionView(id common.Hash, k PositionKey, balance *uint256.Int) PositionView {
	v := PositionView{
		PositionID:         id.Hex(),
		MarketID:           k.MarketID.Hex(),
		Stake:              k.Stake.Dec(),
		Side:               k.Side,
		ReferenceLiquidity: k.ReferenceLiquidity.Dec(),
		Round:              k.Round,
	}
	if balance != nil {
		v.Balance = balance.Dec()
	}
	return v
}

// ParseAmount parses a base-10 unsigned amount.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Key converts the wire descriptor into a position key for market.
func (p PositionReq) Key(market common.Hash) (PositionKey, error) {
	side, err := ParseSide(p.Side)
	if err != nil {
		return PositionKey{}, err
	}
	stake, err := ParseAmount(p.Stake)
	if err != nil {
		return PositionKey{}, fmt.Errorf("stake: %w", err)
	}
	ref, err := ParseAmount(p.ReferenceLiquidity)
	if err != nil {
		return PositionKey{}, fmt.Errorf("reference_liquidity: %w", err)
	}
	return PositionKey{MarketID: market, Stake: stake, Side: side, ReferenceLiquidity: ref, Round: p.Round}, nil
}
