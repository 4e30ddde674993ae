package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountState is an account proved against the state root of one header.
type AccountState struct {
	Address     common.Address
	Balance     *uint256.Int
	Nonce       uint64
	StorageRoot common.Hash
	CodeHash    common.Hash

	// header the proof was verified against
	BlockNumber uint64
	BlockHash   common.Hash
	StateRoot   common.Hash
}

func (a *AccountState) String() string {
	return fmt.Sprintf("AccountState[Address: %s, Balance: %s, Nonce: %d, Block: %d]",
		a.Address.Hex(), a.Balance.Dec(), a.Nonce, a.BlockNumber)
}

// Equal compares every field, including the proving header.
func (a *AccountState) Equal(b *AccountState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Address == b.Address &&
		a.Balance.Eq(b.Balance) &&
		a.Nonce == b.Nonce &&
		a.StorageRoot == b.StorageRoot &&
		a.CodeHash == b.CodeHash &&
		a.BlockNumber == b.BlockNumber &&
		a.BlockHash == b.BlockHash &&
		a.StateRoot == b.StateRoot
}
