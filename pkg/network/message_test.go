package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
)

func TestMessageRoundTrip(t *testing.T) {
	body := []byte{0xc0, 0x01, 0x02}
	m := NewMessage("GetBlockHeaders", "1", "task-1", body)
	b, err := m.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(b)
	require.NoError(t, err)
	assert.Equal(t, "GetBlockHeaders", decoded.Command())
	assert.Equal(t, "1", decoded.Version())
	assert.Equal(t, "task-1", decoded.ID())
	assert.Equal(t, body, decoded.Body())

	b[len(b)-1] ^= 0xff
	assert.Equal(t, byte(0x02), decoded.Body()[2], "decoded body must not alias the input")
}

func TestUnmarshalMessageSkipsUnknownFields(t *testing.T) {
	b, err := NewMessage("NewBlock", "1", "x", nil).Marshal()
	require.NoError(t, err)
	b = protowire.AppendTag(b, 9, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	decoded, err := UnmarshalMessage(b)
	require.NoError(t, err)
	assert.Equal(t, "NewBlock", decoded.Command())
	assert.Empty(t, decoded.Body())
}

func TestUnmarshalMessageMalformed(t *testing.T) {
	for name, input := range map[string][]byte{
		"garbage":   {0xff, 0xff, 0xff},
		"truncated": {0x0a, 0x10, 0x0a},
		"empty":     {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalMessage(input)
			assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
		})
	}
}
