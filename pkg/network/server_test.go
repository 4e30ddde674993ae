package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

func startEchoServer(t *testing.T, listener Listener) *SocketServer {
	t.Helper()
	cfg := testConfig()
	sender := NewMessageSender(cfg.Version)
	handler := NewHandler(map[string]func(network.Request) error{
		p_common.GetBlockHeaders: func(r network.Request) error {
			return sender.Reply(r, p_common.BlockHeaders, r.Message().Body())
		},
	})
	server, err := NewSocketServer(cfg, listener, NewConnectionsManager(), handler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		server.Stop()
		<-done
	})
	return server
}

func roundTrip(t *testing.T, transport Transport, address string) {
	t.Helper()
	conn := NewConnection(address, transport, testConfig())
	defer conn.Close()
	conn.Connect()
	require.Equal(t, network.EventConnected, nextEvent(t, conn).Kind)

	task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, []byte("ping"), nil)
	require.NoError(t, conn.Add(task))

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventTaskPerformed, ev.Kind)
	assert.Same(t, task, ev.Task)
	assert.Equal(t, p_common.BlockHeaders, ev.Message.Command())
	assert.Equal(t, []byte("ping"), ev.Message.Body())
}

func TestSocketServerTCP(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	server := startEchoServer(t, listener)
	roundTrip(t, TCPTransport{}, server.Addr())
}

func TestSocketServerQUIC(t *testing.T) {
	listener, err := ListenQUIC("127.0.0.1:0", nil)
	require.NoError(t, err)
	server := startEchoServer(t, listener)
	roundTrip(t, QUICTransport{}, server.Addr())
}

func TestSocketServerBroadcast(t *testing.T) {
	listener, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	manager := NewConnectionsManager()
	server, err := NewSocketServer(testConfig(), listener, manager, NewHandler(nil))
	require.NoError(t, err)
	connected := make(chan network.Connection, 1)
	server.AddOnConnectedCallBack(func(c network.Connection) { connected <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Listen(ctx) }()
	defer server.Stop()

	conn := NewConnection(server.Addr(), TCPTransport{}, testConfig())
	defer conn.Close()
	conn.Connect()
	require.Equal(t, network.EventConnected, nextEvent(t, conn).Kind)

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the connection")
	}
	require.Equal(t, 1, manager.Count())
	require.NoError(t, server.Sender().BroadcastMessage(manager.Connections(), p_common.NewBlock, []byte{7}))

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventInbound, ev.Kind)
	assert.Equal(t, p_common.NewBlock, ev.Message.Command())
	assert.Equal(t, []byte{7}, ev.Message.Body())
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport("quic")
	require.NoError(t, err)
	assert.IsType(t, QUICTransport{}, tr)
	_, err = NewTransport("carrier-pigeon")
	assert.Error(t, err)
}
