package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

func TestConnectionCorrelatesOutOfOrderResponses(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())

	first := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, []byte{1}, nil)
	second := network.NewTask(network.CapabilityAccountProof, p_common.GetAccountProof, []byte{2}, nil)
	require.NoError(t, conn.Add(first))
	require.NoError(t, conn.Add(second))

	// FIFO on the wire.
	assert.Equal(t, first.ID, readMessage(t, peer).ID())
	assert.Equal(t, second.ID, readMessage(t, peer).ID())

	writeMessage(t, peer, NewMessage(p_common.AccountProof, "1", second.ID, []byte{0xb}))
	writeMessage(t, peer, NewMessage(p_common.BlockHeaders, "1", first.ID, []byte{0xa}))

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventTaskPerformed, ev.Kind)
	assert.Same(t, second, ev.Task)
	assert.Equal(t, []byte{0xb}, ev.Message.Body())

	ev = nextEvent(t, conn)
	require.Equal(t, network.EventTaskPerformed, ev.Kind)
	assert.Same(t, first, ev.Task)
	assert.Equal(t, []byte{0xa}, ev.Message.Body())
}

func TestConnectionDisconnectFailsEveryPendingTask(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())
	go func() {
		for {
			if _, err := peer.Read(make([]byte, 512)); err != nil {
				return
			}
		}
	}()

	var tasks []*network.Task
	for i := 0; i < 3; i++ {
		task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, i)
		require.NoError(t, conn.Add(task))
		tasks = append(tasks, task)
	}
	cause := errors.New("going away")
	conn.Disconnect(cause)

	for _, task := range tasks {
		ev := nextEvent(t, conn)
		require.Equal(t, network.EventTaskFailed, ev.Kind)
		assert.Same(t, task, ev.Task)
		assert.ErrorIs(t, ev.Err, ErrConnectionLost)
		assert.ErrorIs(t, ev.Err, cause)
	}
	ev := nextEvent(t, conn)
	require.Equal(t, network.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrConnectionLost)
	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Add(network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)), ErrDisconnected)
}

func TestConnectionPeerHangupIsConnectionLost(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())
	task := network.NewTask(network.CapabilityHandshake, p_common.Handshake, nil, nil)
	require.NoError(t, conn.Add(task))
	readMessage(t, peer)
	require.NoError(t, peer.Close())

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventTaskFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrConnectionLost)
	require.Equal(t, network.EventDisconnected, nextEvent(t, conn).Kind)
}

func TestConnectionTaskTimeoutKeepsSession(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())

	task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)
	task.Timeout = 30 * time.Millisecond
	require.NoError(t, conn.Add(task))
	readMessage(t, peer)

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventTaskFailed, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrTimeout)
	assert.True(t, conn.IsConnected())

	// A late answer is no longer correlated.
	writeMessage(t, peer, NewMessage(p_common.BlockHeaders, "1", task.ID, nil))
	ev = nextEvent(t, conn)
	assert.Equal(t, network.EventInbound, ev.Kind)
}

func TestConnectionDropsAfterConsecutiveTimeouts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveTimeouts = 2
	conn, peer := pipeConnection(t, cfg)
	go func() {
		for {
			if _, err := peer.Read(make([]byte, 512)); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		task := network.NewTask(network.CapabilityHeaders, p_common.GetBlockHeaders, nil, nil)
		task.Timeout = time.Duration(10*(i+1)) * time.Millisecond
		require.NoError(t, conn.Add(task))
	}
	assert.ErrorIs(t, nextEvent(t, conn).Err, ErrTimeout)
	assert.ErrorIs(t, nextEvent(t, conn).Err, ErrTimeout)

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrTooManyTimeouts)
}

func TestConnectionDropsMalformedMessageOnly(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())
	task := network.NewTask(network.CapabilityTransaction, p_common.SendTransaction, nil, nil)
	require.NoError(t, conn.Add(task))
	readMessage(t, peer)

	writeFrame(t, peer, []byte{0xff, 0xff, 0xff})
	writeMessage(t, peer, NewMessage(p_common.SendTransactionResult, "1", task.ID, nil))

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventTaskPerformed, ev.Kind)
	assert.Same(t, task, ev.Task)
	assert.True(t, conn.IsConnected())
}

func TestConnectionUnsolicitedMessage(t *testing.T) {
	conn, peer := pipeConnection(t, testConfig())
	writeMessage(t, peer, NewMessage(p_common.NewBlock, "1", "announcement", []byte{1}))

	ev := nextEvent(t, conn)
	require.Equal(t, network.EventInbound, ev.Kind)
	assert.Equal(t, p_common.NewBlock, ev.Message.Command())
}

func TestConnectionDialFailure(t *testing.T) {
	dialErr := errors.New("refused")
	conn := NewConnection("nowhere", DialFunc(func(ctx context.Context, address string) (Stream, error) {
		return nil, dialErr
	}), testConfig())
	defer conn.Close()

	conn.Connect()
	ev := nextEvent(t, conn)
	require.Equal(t, network.EventDisconnected, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrConnectionLost)
	assert.ErrorIs(t, ev.Err, dialErr)
}

func TestConnectionAddBeforeConnect(t *testing.T) {
	conn := NewConnection("idle", TCPTransport{}, testConfig())
	defer conn.Close()
	err := conn.Add(network.NewTask(network.CapabilityHandshake, p_common.Handshake, nil, nil))
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestConnectionClosedRejectsWork(t *testing.T) {
	conn := NewConnection("idle", TCPTransport{}, testConfig())
	conn.Close()
	conn.Close()
	assert.ErrorIs(t, conn.Add(network.NewTask(network.CapabilityHandshake, p_common.Handshake, nil, nil)), ErrClosed)
	assert.ErrorIs(t, conn.Send(NewMessage(p_common.NewBlock, "1", "x", nil)), ErrClosed)
}
