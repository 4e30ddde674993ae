// Package protocol holds the payloads exchanged with a serving peer and the
// pure functions that encode and decode them. Payloads are RLP; the envelope
// that carries them lives in pkg/network.
package protocol

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	ProtocolVersion uint32 = 1

	// MaxHeadersServe is the largest header batch a peer may return.
	MaxHeadersServe = 512
	// MaxProofNodes bounds the depth of an account proof.
	MaxProofNodes = 64
)

// HandshakePacket is sent by both sides when a session starts.
type HandshakePacket struct {
	ProtocolVersion uint32
	NetworkID       uint64
	GenesisHash     common.Hash
	HeadNumber      uint64
	HeadHash        common.Hash
}

// GetBlockHeadersPacket requests Amount headers starting at Origin, ascending.
type GetBlockHeadersPacket struct {
	Origin uint64
	Amount uint64
}

type BlockHeadersPacket struct {
	Headers []*types.Header
}

type GetAccountProofPacket struct {
	Address     common.Address
	BlockHash   common.Hash
	BlockNumber uint64
}

// AccountProofPacket carries the trie nodes from the state root down to the
// account leaf, root first. Leaf is the RLP encoded account, empty when the
// proof shows the account does not exist.
type AccountProofPacket struct {
	Proof [][]byte
	Leaf  []byte
}

type SendTransactionPacket struct {
	Tx []byte
}

type SendTransactionResultPacket struct {
	Hash     common.Hash
	Accepted bool
	Reason   string
}

// NewBlockPacket announces a new chain head.
type NewBlockPacket struct {
	Number uint64
	Hash   common.Hash
}
