package blocksync

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrValidation        = errors.New("blocksync: header validation failed")
	ErrParentMismatch    = errors.New("parent hash mismatch")
	ErrNonSequential     = errors.New("non-sequential header number")
	ErrForkDetected      = errors.New("batch does not extend the accepted tip")
	ErrImplausibleHeader = errors.New("implausible header")
	ErrEmptyBatch        = errors.New("peer returned no headers")
)

// Validator checks that a batch of headers extends a trusted tip. It checks
// linkage and a few cheap plausibility bounds. It does not verify proof of
// work or consensus seals: a peer able to produce a linked chain meeting the
// difficulty floor can feed a fabricated chain.
type Validator struct {
	MinDifficulty  *big.Int
	MaxFutureDrift time.Duration
	Now            func() time.Time
}

func NewValidator(minDifficulty *big.Int, maxFutureDrift time.Duration) *Validator {
	if minDifficulty == nil {
		minDifficulty = new(big.Int)
	}
	return &Validator{
		MinDifficulty:  minDifficulty,
		MaxFutureDrift: maxFutureDrift,
		Now:            time.Now,
	}
}

// ValidateBatch accepts headers only if all of them are valid. The returned
// error wraps ErrValidation and the specific cause.
func (v *Validator) ValidateBatch(tip *types.Header, headers []*types.Header) error {
	if len(headers) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyBatch)
	}
	parent := tip
	for i, h := range headers {
		if err := v.validate(parent, h, i == 0); err != nil {
			return fmt.Errorf("%w: header %v (index %d): %w", ErrValidation, h.Number, i, err)
		}
		parent = h
	}
	return nil
}

func (v *Validator) validate(parent, h *types.Header, first bool) error {
	if want := new(big.Int).Add(parent.Number, big1); h.Number.Cmp(want) != 0 {
		return fmt.Errorf("%w: have %v, want %v", ErrNonSequential, h.Number, want)
	}
	if h.ParentHash != parent.Hash() {
		if first {
			return fmt.Errorf("%w: parent %x, tip %x", ErrForkDetected, h.ParentHash, parent.Hash())
		}
		return fmt.Errorf("%w: have %x, want %x", ErrParentMismatch, h.ParentHash, parent.Hash())
	}
	if h.Difficulty.Cmp(v.MinDifficulty) < 0 {
		return fmt.Errorf("%w: difficulty %v below %v", ErrImplausibleHeader, h.Difficulty, v.MinDifficulty)
	}
	if h.Time < parent.Time {
		return fmt.Errorf("%w: timestamp %d before parent %d", ErrImplausibleHeader, h.Time, parent.Time)
	}
	if v.MaxFutureDrift > 0 {
		if limit := uint64(v.Now().Add(v.MaxFutureDrift).Unix()); h.Time > limit {
			return fmt.Errorf("%w: timestamp %d in the future", ErrImplausibleHeader, h.Time)
		}
	}
	if h.GasUsed > h.GasLimit {
		return fmt.Errorf("%w: gas used %d above limit %d", ErrImplausibleHeader, h.GasUsed, h.GasLimit)
	}
	return nil
}

var big1 = big.NewInt(1)
