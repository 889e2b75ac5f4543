package engine

import (
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
)

// Jackpot bookkeeping on a round record. Pot is currency, remaining claims
// is principal; cashout moves them by different amounts.

// creditStake records a new bet of stake principal.
func creditStake(r *model.Round, stake *uint256.Int) error {
	pot, overflow := new(uint256.Int).AddOverflow(r.Pot, stake)
	if overflow {
		return invariant("placeBet: pot", ErrOverflow)
	}
	claims, overflow := new(uint256.Int).AddOverflow(r.RemainingClaims, stake)
	if overflow {
		return invariant("placeBet: remainingClaims", ErrOverflow)
	}
	r.Pot, r.RemainingClaims = pot, claims
	return nil
}

// debitCashout removes a cashout: payout leaves the pot, burned principal
// leaves the claims.
func debitCashout(r *model.Round, payout, burned *uint256.Int) error {
	pot, underflow := new(uint256.Int).SubOverflow(r.Pot, payout)
	if underflow {
		return invariant("cashout: pot", ErrUnderflow)
	}
	claims, underflow := new(uint256.Int).SubOverflow(r.RemainingClaims, burned)
	if underflow {
		return invariant("cashout: remainingClaims", ErrUnderflow)
	}
	r.Pot, r.RemainingClaims = pot, claims
	return nil
}

// debitRedeem removes claimed principal. The pot is left whole so every
// winner's share is computed against the same total.
func debitRedeem(r *model.Round, claimed *uint256.Int) error {
	claims, underflow := new(uint256.Int).SubOverflow(r.RemainingClaims, claimed)
	if underflow {
		return invariant("redeem: remainingClaims", ErrUnderflow)
	}
	r.RemainingClaims = claims
	return nil
}
