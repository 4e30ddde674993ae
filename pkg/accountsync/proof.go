package accountsync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
)

var ErrProofVerification = errors.New("accountsync: proof verification failed")

// VerifyAccountProof folds proof from root down to the account of address
// and checks that it ends in leaf. An empty leaf proves the account does not
// exist, which yields the zero account.
func VerifyAccountProof(root common.Hash, address common.Address, proof [][]byte, leaf []byte) (*types.StateAccount, error) {
	db := memorydb.New()
	for _, node := range proof {
		if err := db.Put(crypto.Keccak256(node), node); err != nil {
			return nil, err
		}
	}
	value, err := trie.VerifyProof(root, crypto.Keccak256(address.Bytes()), db)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofVerification, err)
	}
	if !bytes.Equal(value, leaf) {
		return nil, fmt.Errorf("%w: leaf does not match proved value for %s", ErrProofVerification, address.Hex())
	}
	if len(value) == 0 {
		return &types.StateAccount{
			Balance:  new(uint256.Int),
			Root:     types.EmptyRootHash,
			CodeHash: types.EmptyCodeHash.Bytes(),
		}, nil
	}
	account := new(types.StateAccount)
	if err := rlp.DecodeBytes(value, account); err != nil {
		return nil, fmt.Errorf("%w: undecodable account: %v", ErrProofVerification, err)
	}
	return account, nil
}
