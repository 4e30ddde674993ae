package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

var ErrNonContiguous = errors.New("storage: headers do not extend the stored tip")

// accountRecord is the persisted form of types.AccountState.
type accountRecord struct {
	Address     common.Address
	Balance     *uint256.Int
	Nonce       uint64
	StorageRoot common.Hash
	CodeHash    common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	StateRoot   common.Hash
}

func toRecord(s *spvtypes.AccountState) *accountRecord {
	r := accountRecord(*s)
	if r.Balance == nil {
		r.Balance = new(uint256.Int)
	}
	return &r
}

func fromRecord(r *accountRecord) *spvtypes.AccountState {
	s := spvtypes.AccountState(*r)
	return &s
}

// checkBatch verifies that headers continue the tip at lastNumber and are
// sequential among themselves. hasTip is false on an empty store.
func checkBatch(headers []*types.Header, lastNumber uint64, hasTip bool) error {
	if len(headers) == 0 {
		return nil
	}
	for i, h := range headers {
		if h == nil || h.Number == nil || !h.Number.IsUint64() {
			return fmt.Errorf("%w: invalid header at index %d", ErrNonContiguous, i)
		}
		if i > 0 && h.Number.Uint64() != headers[i-1].Number.Uint64()+1 {
			return fmt.Errorf("%w: %d follows %d", ErrNonContiguous, h.Number.Uint64(), headers[i-1].Number.Uint64())
		}
	}
	if first := headers[0].Number.Uint64(); hasTip && first != lastNumber+1 {
		return fmt.Errorf("%w: batch starts at %d, tip is %d", ErrNonContiguous, first, lastNumber)
	}
	return nil
}
