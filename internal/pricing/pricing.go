// Package pricing holds the pure payout math: bet state, the cashout decay
// curve and the pro-rata redeem split. All ratios are fixed point with 18
// decimals and every multiply-then-divide step truncates toward zero.
package pricing

import (
	"errors"

	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
)

// Scale is 1.0 in fixed point.
var Scale = uint256.NewInt(1_000_000_000_000_000_000)

// FeeDivisor takes a flat 1% off every cashout.
const FeeDivisor = 100

// RedeemPercent is the granularity of the redeem split.
const RedeemPercent = 100

var (
	// ErrSettlementReached means a cashout was priced on or after the round's
	// settlement time.
	ErrSettlementReached = errors.New("round settlement time reached")
	// ErrBadPeriod means the time remaining exceeds the round period.
	ErrBadPeriod = errors.New("time remaining exceeds round period")
	// ErrEmptyPot means a redeem split was requested against a zero pot.
	ErrEmptyPot = errors.New("pot is empty")
	// ErrOverflow means an intermediate product does not fit in 256 bits.
	ErrOverflow = errors.New("fixed point overflow")
	// ErrZeroLiquidity means a bet state ratio would divide by zero liquidity.
	ErrZeroLiquidity = errors.New("bet state ratio over zero liquidity")
)

func one() *uint256.Int { return Scale.Clone() }

// BetState measures how favorably current compares to ref for side, in
// [0, Scale]. A tie yields exactly Scale for both sides, zero liquidity
// included.
func BetState(ref *uint256.Int, side model.Side, current *uint256.Int) (*uint256.Int, error) {
	if current.Eq(ref) {
		return one(), nil
	}
	if side == model.SideLong {
		if current.Gt(ref) {
			return one(), nil
		}
		return ratio(current, ref)
	}
	if current.Lt(ref) {
		return one(), nil
	}
	return ratio(ref, current)
}

// ratio is num*Scale/den.
func ratio(num, den *uint256.Int) (*uint256.Int, error) {
	if den.IsZero() {
		return nil, ErrZeroLiquidity
	}
	z, overflow := new(uint256.Int).MulOverflow(num, Scale)
	if overflow {
		return nil, ErrOverflow
	}
	return z.Div(z, den), nil
}

// DecayCurve is 1 - tf^2 for tf in [0, Scale).
func DecayCurve(tf *uint256.Int) *uint256.Int {
	sq := new(uint256.Int).Mul(tf, tf)
	sq.Div(sq, Scale)
	if sq.Gt(Scale) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(Scale, sq)
}

// TimeFraction is the elapsed share of the round: (period - remaining) / period.
func TimeFraction(settlement, now, period int64) (*uint256.Int, error) {
	if now >= settlement {
		return nil, ErrSettlementReached
	}
	remaining := settlement - now
	if period <= 0 || remaining > period {
		return nil, ErrBadPeriod
	}
	tf := new(uint256.Int).Mul(uint256.NewInt(uint64(period-remaining)), Scale)
	return tf.Div(tf, uint256.NewInt(uint64(period))), nil
}

// Quote breaks a cashout down into its factors.
type Quote struct {
	TimeFraction *uint256.Int
	Decay        *uint256.Int
	State        *uint256.Int
	Gross        *uint256.Int
	Fee          *uint256.Int
	Net          *uint256.Int
}

// CashoutAmount prices an early exit of stake against live liquidity.
func CashoutAmount(stake *uint256.Int, side model.Side, ref *uint256.Int, settlement, now, period int64, current *uint256.Int) (Quote, error) {
	tf, err := TimeFraction(settlement, now, period)
	if err != nil {
		return Quote{}, err
	}
	state, err := BetState(ref, side, current)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		TimeFraction: tf,
		Decay:        DecayCurve(tf),
		State:        state,
	}
	gross, overflow := new(uint256.Int).MulOverflow(stake, q.Decay)
	if overflow {
		return Quote{}, ErrOverflow
	}
	gross.Div(gross, Scale)
	if _, overflow = gross.MulOverflow(gross, q.State); overflow {
		return Quote{}, ErrOverflow
	}
	gross.Div(gross, Scale)
	q.Gross = gross
	q.Fee = new(uint256.Int).Div(gross, uint256.NewInt(FeeDivisor))
	q.Net = new(uint256.Int).Sub(gross, q.Fee)
	return q, nil
}

// RedeemPayout splits pot at whole-percent granularity:
// (100*claim/pot) * pot / 100, so payouts round down to whole percents.
func RedeemPayout(claim, pot *uint256.Int) (*uint256.Int, error) {
	if pot.IsZero() {
		return nil, ErrEmptyPot
	}
	pct, overflow := new(uint256.Int).MulOverflow(claim, uint256.NewInt(RedeemPercent))
	if overflow {
		return nil, ErrOverflow
	}
	pct.Div(pct, pot)
	out, overflow := new(uint256.Int).MulOverflow(pct, pot)
	if overflow {
		return nil, ErrOverflow
	}
	return out.Div(out, uint256.NewInt(RedeemPercent)), nil
}
