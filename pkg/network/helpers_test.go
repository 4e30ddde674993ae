package network

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/meta-spv/types/network"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 2 * time.Second
	cfg.HandlerWorkerPoolSize = 2
	cfg.RequestChanSize = 8
	return cfg
}

// pipeConnection returns a connected client and the peer's end of the pipe.
func pipeConnection(t *testing.T, cfg *Config) (*Connection, net.Conn) {
	t.Helper()
	client, peer := net.Pipe()
	conn := NewConnection("pipe", DialFunc(func(ctx context.Context, address string) (Stream, error) {
		return client, nil
	}), cfg)
	t.Cleanup(func() {
		conn.Close()
		_ = peer.Close()
	})
	conn.Connect()
	require.Equal(t, network.EventConnected, nextEvent(t, conn).Kind)
	return conn, peer
}

func nextEvent(t *testing.T, conn network.Connection) network.Event {
	t.Helper()
	select {
	case ev := <-conn.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return network.Event{}
	}
}

func writeFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	length := make([]byte, 8)
	binary.LittleEndian.PutUint64(length, uint64(len(payload)))
	_, err := w.Write(append(length, payload...))
	require.NoError(t, err)
}

func writeMessage(t *testing.T, w io.Writer, m *Message) {
	t.Helper()
	b, err := m.Marshal()
	require.NoError(t, err)
	writeFrame(t, w, b)
}

func readMessage(t *testing.T, r io.Reader) *Message {
	t.Helper()
	length := make([]byte, 8)
	_, err := io.ReadFull(r, length)
	require.NoError(t, err)
	b := make([]byte, binary.LittleEndian.Uint64(length))
	_, err = io.ReadFull(r, b)
	require.NoError(t, err)
	m, err := UnmarshalMessage(b)
	require.NoError(t, err)
	return m
}
