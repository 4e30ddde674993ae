package storage

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

func chain(from, n int) []*types.Header {
	headers := make([]*types.Header, n)
	for i := range headers {
		headers[i] = &types.Header{
			Number:     big.NewInt(int64(from + i)),
			Difficulty: big.NewInt(1),
			Time:       uint64(from + i),
			Root:       common.Hash{byte(from + i)},
		}
	}
	return headers
}

func stores(t *testing.T) map[string]spvtypes.Storage {
	mem, err := OpenMemoryLevelDB()
	require.NoError(t, err)
	disk, err := OpenLevelDB(filepath.Join(t.TempDir(), "chain"))
	require.NoError(t, err)
	all := map[string]spvtypes.Storage{
		"memory":         NewMemoryStore(),
		"leveldb-memory": mem,
		"leveldb-disk":   disk,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestHeadersReadAfterWrite(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LastHeader()
			assert.ErrorIs(t, err, spvtypes.ErrNotFound)

			batch := chain(0, 4)
			require.NoError(t, s.SaveHeaders(batch))
			require.NoError(t, s.SaveHeaders(chain(4, 2)))

			last, err := s.LastHeader()
			require.NoError(t, err)
			assert.Equal(t, uint64(5), last.Number.Uint64())

			h, err := s.Header(2)
			require.NoError(t, err)
			assert.Equal(t, batch[2].Hash(), h.Hash())

			_, err = s.Header(9)
			assert.ErrorIs(t, err, spvtypes.ErrNotFound)
		})
	}
}

func TestSaveHeadersRejectsGaps(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveHeaders(chain(10, 3)))
			assert.ErrorIs(t, s.SaveHeaders(chain(14, 1)), ErrNonContiguous)

			broken := chain(13, 3)
			broken[2].Number = big.NewInt(20)
			assert.ErrorIs(t, s.SaveHeaders(broken), ErrNonContiguous)

			last, err := s.LastHeader()
			require.NoError(t, err)
			assert.Equal(t, uint64(12), last.Number.Uint64(), "a rejected batch must not move the tip")
		})
	}
}

func TestAccountStateRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	state := &spvtypes.AccountState{
		Address:     addr,
		Balance:     uint256.NewInt(1_000_000),
		Nonce:       7,
		StorageRoot: types.EmptyRootHash,
		CodeHash:    types.EmptyCodeHash,
		BlockNumber: 42,
		BlockHash:   common.Hash{0x42},
		StateRoot:   common.Hash{0x24},
	}
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.AccountState(addr)
			assert.ErrorIs(t, err, spvtypes.ErrNotFound)

			require.NoError(t, s.SetAccountState(state))
			got, err := s.AccountState(addr)
			require.NoError(t, err)
			assert.True(t, state.Equal(got), "got %v", got)

			got.Balance.SetUint64(0)
			again, err := s.AccountState(addr)
			require.NoError(t, err)
			assert.Equal(t, uint64(1_000_000), again.Balance.Uint64())
		})
	}
}
