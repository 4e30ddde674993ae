package protocol

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeaders(n int) []*types.Header {
	headers := make([]*types.Header, n)
	parent := common.Hash{0x01}
	for i := range headers {
		headers[i] = &types.Header{
			ParentHash: parent,
			Number:     big.NewInt(int64(i + 1)),
			Difficulty: big.NewInt(131072),
			Root:       common.Hash{byte(i)},
			GasLimit:   30_000_000,
			Time:       uint64(1_700_000_000 + i*12),
		}
		parent = headers[i].Hash()
	}
	return headers
}

func TestBlockHeadersKeepHashes(t *testing.T) {
	headers := testHeaders(5)
	b, err := Encode(&BlockHeadersPacket{Headers: headers})
	require.NoError(t, err)

	decoded, err := DecodeBlockHeaders(b)
	require.NoError(t, err)
	require.Len(t, decoded.Headers, len(headers))
	for i := range headers {
		assert.Equal(t, headers[i].Hash(), decoded.Headers[i].Hash())
	}
}

func TestDecodeTruncated(t *testing.T) {
	b, err := Encode(&HandshakePacket{ProtocolVersion: ProtocolVersion, NetworkID: 1})
	require.NoError(t, err)

	_, err = DecodeHandshake(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeHandshake(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeTypeMismatch(t *testing.T) {
	b, err := Encode(&NewBlockPacket{Number: 10, Hash: common.Hash{0xaa}})
	require.NoError(t, err)

	_, err = DecodeBlockHeaders(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeSendTransactionResult(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeAccountProofRequiresNodes(t *testing.T) {
	b, err := Encode(&AccountProofPacket{})
	require.NoError(t, err)
	_, err = DecodeAccountProof(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	b, err = Encode(&AccountProofPacket{Proof: [][]byte{{0xc0}}, Leaf: []byte{0x01}})
	require.NoError(t, err)
	p, err := DecodeAccountProof(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, p.Leaf)
}

func TestDecodeSendTransactionResult(t *testing.T) {
	in := &SendTransactionResultPacket{Hash: common.Hash{0x11}, Accepted: false, Reason: "nonce too low"}
	b, err := Encode(in)
	require.NoError(t, err)
	out, err := DecodeSendTransactionResult(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeTooManyHeaders(t *testing.T) {
	b, err := Encode(&BlockHeadersPacket{Headers: testHeaders(MaxHeadersServe + 1)})
	require.NoError(t, err)
	_, err = DecodeBlockHeaders(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
