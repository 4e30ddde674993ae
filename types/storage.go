package types

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrNotFound = errors.New("storage: not found")

// Storage persists confirmed headers and proved account states. Reads must
// observe every completed write.
type Storage interface {
	// LastHeader returns ErrNotFound on an empty store.
	LastHeader() (*types.Header, error)
	// SaveHeaders appends a validated, contiguous batch and moves the tip to
	// its last header atomically.
	SaveHeaders(headers []*types.Header) error
	Header(number uint64) (*types.Header, error)

	AccountState(address common.Address) (*AccountState, error)
	SetAccountState(state *AccountState) error

	Close() error
}
