package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	spvtypes "github.com/meta-node-blockchain/meta-spv/types"
)

// Key layout:
//
//	"h" + number (uint64 big endian) -> rlp(header)
//	"LastHeader"                     -> number
//	"a" + address                    -> rlp(accountRecord)
var (
	headerPrefix  = []byte("h")
	accountPrefix = []byte("a")
	lastHeaderKey = []byte("LastHeader")
)

type LevelDBStore struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	logger.Info("Opened header store", "path", path)
	return &LevelDBStore{db: db}, nil
}

// OpenMemoryLevelDB backs the store with goleveldb's in-memory storage.
func OpenMemoryLevelDB() (*LevelDBStore, error) {
	db, err := leveldb.Open(lstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func headerKey(number uint64) []byte {
	key := make([]byte, len(headerPrefix)+8)
	copy(key, headerPrefix)
	binary.BigEndian.PutUint64(key[len(headerPrefix):], number)
	return key
}

func accountKey(address common.Address) []byte {
	return append(append([]byte{}, accountPrefix...), address.Bytes()...)
}

func (s *LevelDBStore) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, spvtypes.ErrNotFound
	}
	return v, err
}

func (s *LevelDBStore) lastNumber() (uint64, bool, error) {
	v, err := s.get(lastHeaderKey)
	if errors.Is(err, spvtypes.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("storage: corrupt tip marker of %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (s *LevelDBStore) LastHeader() (*types.Header, error) {
	number, ok, err := s.lastNumber()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, spvtypes.ErrNotFound
	}
	return s.Header(number)
}

func (s *LevelDBStore) SaveHeaders(headers []*types.Header) error {
	last, ok, err := s.lastNumber()
	if err != nil {
		return err
	}
	if err := checkBatch(headers, last, ok); err != nil {
		return err
	}
	if len(headers) == 0 {
		return nil
	}

	batch := new(leveldb.Batch)
	for _, h := range headers {
		enc, err := rlp.EncodeToBytes(h)
		if err != nil {
			return fmt.Errorf("storage: encode header %d: %w", h.Number.Uint64(), err)
		}
		batch.Put(headerKey(h.Number.Uint64()), enc)
	}
	tip := make([]byte, 8)
	binary.BigEndian.PutUint64(tip, headers[len(headers)-1].Number.Uint64())
	batch.Put(lastHeaderKey, tip)
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *LevelDBStore) Header(number uint64) (*types.Header, error) {
	v, err := s.get(headerKey(number))
	if err != nil {
		return nil, err
	}
	h := new(types.Header)
	if err := rlp.DecodeBytes(v, h); err != nil {
		return nil, fmt.Errorf("storage: decode header %d: %w", number, err)
	}
	return h, nil
}

func (s *LevelDBStore) AccountState(address common.Address) (*spvtypes.AccountState, error) {
	v, err := s.get(accountKey(address))
	if err != nil {
		return nil, err
	}
	r := new(accountRecord)
	if err := rlp.DecodeBytes(v, r); err != nil {
		return nil, fmt.Errorf("storage: decode account %s: %w", address.Hex(), err)
	}
	return fromRecord(r), nil
}

func (s *LevelDBStore) SetAccountState(state *spvtypes.AccountState) error {
	enc, err := rlp.EncodeToBytes(toRecord(state))
	if err != nil {
		return err
	}
	return s.db.Put(accountKey(state.Address), enc, nil)
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

var _ spvtypes.Storage = (*LevelDBStore)(nil)
