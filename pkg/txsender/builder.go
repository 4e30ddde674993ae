package txsender

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Builder turns a raw transaction into an unsigned one using nonce.
type Builder interface {
	Build(raw *RawTransaction, nonce uint64) (*types.Transaction, error)
}

// Signer signs transactions on behalf of Address.
type Signer interface {
	Address() common.Address
	Sign(tx *types.Transaction) (*types.Transaction, error)
}

// LegacyBuilder builds pre-EIP-1559 transactions, filling in gas defaults.
type LegacyBuilder struct {
	GasPrice *big.Int
	GasLimit uint64
}

func (b LegacyBuilder) Build(raw *RawTransaction, nonce uint64) (*types.Transaction, error) {
	gas := raw.Gas
	if gas == 0 {
		gas = b.GasLimit
	}
	if gas == 0 {
		return nil, errors.New("no gas limit")
	}
	price := raw.GasPrice
	if price == nil {
		price = b.GasPrice
	}
	if price == nil {
		price = new(big.Int)
	}
	value := raw.Value
	if value == nil {
		value = new(big.Int)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(price),
		Gas:      gas,
		To:       raw.To,
		Value:    new(big.Int).Set(value),
		Data:     common.CopyBytes(raw.Data),
	}), nil
}

// KeySigner signs with a local private key under EIP-155 replay protection.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewKeySigner(key *ecdsa.PrivateKey, chainID *big.Int) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(chainID),
	}
}

func (s *KeySigner) Address() common.Address { return s.address }

func (s *KeySigner) Sign(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}

// ChainSigner returns the signer used to recover senders.
func (s *KeySigner) ChainSigner() types.Signer { return s.signer }
