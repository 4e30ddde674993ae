package storage

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

// MemoryStore keeps everything in maps. Values are copied on the way in and
// out so callers cannot mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	headers  map[uint64]*types.Header
	last     *types.Header
	accounts map[common.Address]*spvtypes.AccountState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		headers:  make(map[uint64]*types.Header),
		accounts: make(map[common.Address]*spvtypes.AccountState),
	}
}

func (s *MemoryStore) LastHeader() (*types.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, spvtypes.ErrNotFound
	}
	return types.CopyHeader(s.last), nil
}

func (s *MemoryStore) SaveHeaders(headers []*types.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastNumber uint64
	if s.last != nil {
		lastNumber = s.last.Number.Uint64()
	}
	if err := checkBatch(headers, lastNumber, s.last != nil); err != nil {
		return err
	}
	for _, h := range headers {
		c := types.CopyHeader(h)
		s.headers[c.Number.Uint64()] = c
		s.last = c
	}
	return nil
}

func (s *MemoryStore) Header(number uint64) (*types.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[number]
	if !ok {
		return nil, spvtypes.ErrNotFound
	}
	return types.CopyHeader(h), nil
}

func (s *MemoryStore) AccountState(address common.Address) (*spvtypes.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[address]
	if !ok {
		return nil, spvtypes.ErrNotFound
	}
	r := toRecord(a)
	r.Balance = r.Balance.Clone()
	return fromRecord(r), nil
}

func (s *MemoryStore) SetAccountState(state *spvtypes.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := toRecord(state)
	r.Balance = r.Balance.Clone()
	s.accounts[state.Address] = fromRecord(r)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ spvtypes.Storage = (*MemoryStore)(nil)
