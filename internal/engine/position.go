package engine

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"liquidity-jackpot/internal/model"
)

// PositionID hashes the ABI encoding of
// (bytes32 market, uint256 stake, bool isLong, uint256 referenceLiquidity, uint256 round).
// Identical parameters from different bettors share one id.
func PositionID(k model.PositionKey) common.Hash {
	stake := k.Stake.Bytes32()
	ref := k.ReferenceLiquidity.Bytes32()
	return crypto.Keccak256Hash(
		k.MarketID.Bytes(),
		stake[:],
		boolWord(k.Side == model.SideLong),
		ref[:],
		uintWord(uint64(k.Round)),
	)
}

func boolWord(b bool) []byte {
	w := make([]byte, 32)
	if b {
		w[31] = 1
	}
	return w
}

func uintWord(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return common.LeftPadBytes(b[:], 32)
}

// positionRegistry derives ids and forwards balance changes to the
// ledger of the current transaction.
type positionRegistry struct{}

func (positionRegistry) mint(ctx context.Context, l Ledger, owner string, k model.PositionKey, amount *uint256.Int) (common.Hash, error) {
	id := PositionID(k)
	return id, l.Mint(ctx, owner, id, k, amount)
}

func (positionRegistry) balance(ctx context.Context, l Ledger, owner string, k model.PositionKey) (common.Hash, *uint256.Int, error) {
	id := PositionID(k)
	bal, err := l.BalanceOf(ctx, owner, id)
	return id, bal, err
}

func (positionRegistry) burn(ctx context.Context, l Ledger, owner string, id common.Hash, amount *uint256.Int) error {
	err := l.Burn(ctx, owner, id, amount)
	if errors.Is(err, ErrInsufficientBalance) {
		return invariant("burn", err)
	}
	return err
}
