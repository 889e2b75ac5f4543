package pricing

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
)

const period = 86400

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func dec(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

func TestBetState(t *testing.T) {
	tests := []struct {
		name    string
		ref     *uint256.Int
		side    model.Side
		current *uint256.Int
		want    string
	}{
		{"long above", u(100), model.SideLong, u(101), "1000000000000000000"},
		{"long below", u(100), model.SideLong, u(50), "500000000000000000"},
		{"long tie", u(100), model.SideLong, u(100), "1000000000000000000"},
		{"short below", u(100), model.SideShort, u(99), "1000000000000000000"},
		{"short above", u(10), model.SideShort, u(300), "33333333333333333"},
		{"short tie", u(100), model.SideShort, u(100), "1000000000000000000"},
		{"long zero tie", u(0), model.SideLong, u(0), "1000000000000000000"},
		{"short zero tie", u(0), model.SideShort, u(0), "1000000000000000000"},
		{"long from zero", u(0), model.SideLong, u(5), "1000000000000000000"},
		{"short from zero", u(0), model.SideShort, u(5), "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BetState(tc.ref, tc.side, tc.current)
			if err != nil {
				t.Fatalf("BetState(%s, %s, %s): %v", tc.ref, tc.side, tc.current, err)
			}
			if got.Dec() != tc.want {
				t.Fatalf("BetState(%s, %s, %s) = %s, want %s", tc.ref, tc.side, tc.current, got.Dec(), tc.want)
			}
		})
	}
}

func TestDecayCurveBoundaries(t *testing.T) {
	if got := DecayCurve(u(0)); !got.Eq(Scale) {
		t.Fatalf("decay(0) = %s, want %s", got.Dec(), Scale.Dec())
	}
	half := dec("500000000000000000")
	if got := DecayCurve(half); got.Dec() != "750000000000000000" {
		t.Fatalf("decay(0.5) = %s", got.Dec())
	}
	almost := new(uint256.Int).Sub(Scale, u(1))
	if got := DecayCurve(almost); got.Dec() != "2" {
		t.Fatalf("decay(1-eps) = %s, want 2", got.Dec())
	}
}

func TestDecayCurveMonotonic(t *testing.T) {
	prev := DecayCurve(u(0))
	step := dec("50000000000000000")
	tf := new(uint256.Int)
	for i := 1; i < 20; i++ {
		tf.Add(tf, step)
		cur := DecayCurve(tf)
		if !cur.Lt(prev) {
			t.Fatalf("decay not decreasing at step %d: %s >= %s", i, cur.Dec(), prev.Dec())
		}
		prev = cur
	}
}

func TestTimeFraction(t *testing.T) {
	start := int64(1_700_000_000)
	settlement := start + period

	tf, err := TimeFraction(settlement, start, period)
	if err != nil || !tf.IsZero() {
		t.Fatalf("tf at start = %v, %v", tf, err)
	}
	tf, err = TimeFraction(settlement, start+period/2, period)
	if err != nil || tf.Dec() != "500000000000000000" {
		t.Fatalf("tf at half = %v, %v", tf, err)
	}
	if _, err := TimeFraction(settlement, settlement, period); !errors.Is(err, ErrSettlementReached) {
		t.Fatalf("expected ErrSettlementReached at settlement, got %v", err)
	}
	if _, err := TimeFraction(settlement, settlement+1, period); !errors.Is(err, ErrSettlementReached) {
		t.Fatalf("expected ErrSettlementReached after settlement, got %v", err)
	}
	if _, err := TimeFraction(settlement, start-1, period); !errors.Is(err, ErrBadPeriod) {
		t.Fatalf("expected ErrBadPeriod before round start, got %v", err)
	}
}

func TestCashoutAmount(t *testing.T) {
	start := int64(1_700_000_000)
	settlement := start + period
	stake := dec("1000000000000000000")

	tests := []struct {
		name    string
		side    model.Side
		ref     *uint256.Int
		current *uint256.Int
		now     int64
		want    string
	}{
		{"winning at round start", model.SideLong, u(1000), u(1000), start, "990000000000000000"},
		{"winning at half period", model.SideLong, u(1000), u(2000), start + period/2, "742500000000000000"},
		{"losing short at half period", model.SideShort, u(10), u(300), start + period/2, "24750000000000000"},
		{"zero liquidity tie at round start", model.SideLong, u(0), u(0), start, "990000000000000000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := CashoutAmount(stake, tc.side, tc.ref, settlement, tc.now, period, tc.current)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.Net.Dec() != tc.want {
				t.Fatalf("net = %s, want %s", q.Net.Dec(), tc.want)
			}
			sum := new(uint256.Int).Add(q.Net, q.Fee)
			if !sum.Eq(q.Gross) {
				t.Fatalf("net+fee = %s, gross = %s", sum.Dec(), q.Gross.Dec())
			}
		})
	}
}

func TestCashoutAmountAfterSettlement(t *testing.T) {
	_, err := CashoutAmount(u(100), model.SideLong, u(1), 1000, 1000, period, u(1))
	if !errors.Is(err, ErrSettlementReached) {
		t.Fatalf("expected ErrSettlementReached, got %v", err)
	}
}

func TestRedeemPayout(t *testing.T) {
	tests := []struct {
		name  string
		claim *uint256.Int
		pot   *uint256.Int
		want  string
	}{
		{"sole claimer takes the pot", dec("1000000000000000000"), dec("1000000000000000000"), "1000000000000000000"},
		{"third rounds down to 33 percent", dec("1000000000000000000"), dec("3000000000000000000"), "990000000000000000"},
		{"tiny share is zero", u(1), u(3), "0"},
		{"half", u(50), u(100), "50"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RedeemPayout(tc.claim, tc.pot)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Dec() != tc.want {
				t.Fatalf("RedeemPayout(%s, %s) = %s, want %s", tc.claim.Dec(), tc.pot.Dec(), got.Dec(), tc.want)
			}
		})
	}
	if _, err := RedeemPayout(u(1), u(0)); !errors.Is(err, ErrEmptyPot) {
		t.Fatalf("expected ErrEmptyPot, got %v", err)
	}
}
