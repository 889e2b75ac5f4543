package engine

import (
	"errors"
	"fmt"
)

// User errors. Each aborts the command with no state change.
var (
	ErrNothingToClaim    = errors.New("nothing to claim: round not settled")
	ErrNotEnoughToClaim  = errors.New("not enough to claim")
	ErrNotClaimableLong  = errors.New("long position not claimable")
	ErrNotClaimableShort = errors.New("short position not claimable")
	ErrNotJackpotTime    = errors.New("not jackpot time: round is not open")
	ErrNothingToCashout  = errors.New("nothing to cash out")

	ErrInvalidAmount     = errors.New("amount must be > 0")
	ErrInvalidSide       = errors.New("side must be LONG or SHORT")
	ErrMarketNotFound    = errors.New("market not found")
	ErrMarketExists      = errors.New("market already exists")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrMarketHalted      = errors.New("market halted after invariant breach")
	ErrMarketBusy        = errors.New("market locked by another instance")
)

// ErrClockSkew means the wall clock reads earlier than the open round's
// start. The command aborts with no state change and the market keeps
// running.
var ErrClockSkew = errors.New("clock is behind the open round's start")

// Invariant breaches. These never reach a caller as a plain user error:
// they are wrapped in *InvariantError and halt the market.
var (
	ErrUnderflow           = errors.New("arithmetic underflow")
	ErrOverflow            = errors.New("arithmetic overflow")
	ErrInsufficientCustody = errors.New("insufficient custody for payout")
	ErrInsufficientBalance = errors.New("burn exceeds ledger balance")
	ErrAlreadySettled      = errors.New("round already settled")
)

// InvariantError reports a broken bookkeeping invariant.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %v", e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func invariant(op string, err error) error {
	return &InvariantError{Op: op, Err: err}
}

// IsFatal reports whether err carries an invariant breach.
func IsFatal(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
