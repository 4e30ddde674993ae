package protocol

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

// Encode serializes any packet of this package.
func Encode(packet interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(packet)
}

func decode[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedMessage)
	}
	v := new(T)
	if err := rlp.DecodeBytes(b, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return v, nil
}

func DecodeHandshake(b []byte) (*HandshakePacket, error) {
	return decode[HandshakePacket](b)
}

func DecodeGetBlockHeaders(b []byte) (*GetBlockHeadersPacket, error) {
	return decode[GetBlockHeadersPacket](b)
}

func DecodeBlockHeaders(b []byte) (*BlockHeadersPacket, error) {
	p, err := decode[BlockHeadersPacket](b)
	if err != nil {
		return nil, err
	}
	if len(p.Headers) > MaxHeadersServe {
		return nil, fmt.Errorf("%w: %d headers, max %d", ErrMalformedMessage, len(p.Headers), MaxHeadersServe)
	}
	for i, h := range p.Headers {
		if h == nil || h.Number == nil || h.Difficulty == nil {
			return nil, fmt.Errorf("%w: incomplete header at index %d", ErrMalformedMessage, i)
		}
	}
	return p, nil
}

func DecodeGetAccountProof(b []byte) (*GetAccountProofPacket, error) {
	return decode[GetAccountProofPacket](b)
}

func DecodeAccountProof(b []byte) (*AccountProofPacket, error) {
	p, err := decode[AccountProofPacket](b)
	if err != nil {
		return nil, err
	}
	if len(p.Proof) == 0 || len(p.Proof) > MaxProofNodes {
		return nil, fmt.Errorf("%w: proof with %d nodes", ErrMalformedMessage, len(p.Proof))
	}
	return p, nil
}

func DecodeSendTransaction(b []byte) (*SendTransactionPacket, error) {
	p, err := decode[SendTransactionPacket](b)
	if err != nil {
		return nil, err
	}
	if len(p.Tx) == 0 {
		return nil, fmt.Errorf("%w: empty transaction", ErrMalformedMessage)
	}
	return p, nil
}

func DecodeSendTransactionResult(b []byte) (*SendTransactionResultPacket, error) {
	return decode[SendTransactionResultPacket](b)
}

func DecodeNewBlock(b []byte) (*NewBlockPacket, error) {
	return decode[NewBlockPacket](b)
}
