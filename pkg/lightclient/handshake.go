package lightclient

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	p_network "github.com/meta-node-blockchain/meta-spv/pkg/network"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var ErrHandshakeMismatch = errors.New("lightclient: handshake mismatch")

// handshake opens every session. The peer must agree on protocol version,
// network id and genesis before anything else is requested.
type handshake struct {
	networkID uint64
	genesis   common.Hash

	inflight *network.Task
	onAccept func(*protocol.HandshakePacket)
	onReject func(error)
}

func (h *handshake) Capability() network.Capability { return network.CapabilityHandshake }

func (h *handshake) start(queue network.TaskQueue, tip *types.Header) error {
	body, err := protocol.Encode(&protocol.HandshakePacket{
		ProtocolVersion: protocol.ProtocolVersion,
		NetworkID:       h.networkID,
		GenesisHash:     h.genesis,
		HeadNumber:      tip.Number.Uint64(),
		HeadHash:        tip.Hash(),
	})
	if err != nil {
		return err
	}
	task := network.NewTask(network.CapabilityHandshake, p_common.Handshake, body, nil)
	if err := queue.Add(task); err != nil {
		return err
	}
	h.inflight = task
	return nil
}

func (h *handshake) reset() { h.inflight = nil }

func (h *handshake) check(packet *protocol.HandshakePacket) error {
	switch {
	case packet.ProtocolVersion != protocol.ProtocolVersion:
		return fmt.Errorf("%w: protocol version %d, want %d", ErrHandshakeMismatch, packet.ProtocolVersion, protocol.ProtocolVersion)
	case packet.NetworkID != h.networkID:
		return fmt.Errorf("%w: network id %d, want %d", ErrHandshakeMismatch, packet.NetworkID, h.networkID)
	case h.genesis != (common.Hash{}) && packet.GenesisHash != h.genesis:
		return fmt.Errorf("%w: genesis %x, want %x", ErrHandshakeMismatch, packet.GenesisHash, h.genesis)
	}
	return nil
}

func (h *handshake) OnTaskPerformed(task *network.Task, response network.Message) error {
	if task != h.inflight {
		return nil
	}
	h.inflight = nil
	if response.Command() != p_common.HandshakeResponse {
		err := fmt.Errorf("%w: handshake answered with %s", protocol.ErrMalformedMessage, response.Command())
		h.onReject(err)
		return err
	}
	packet, err := protocol.DecodeHandshake(response.Body())
	if err != nil {
		h.onReject(err)
		return err
	}
	if err := h.check(packet); err != nil {
		h.onReject(err)
		return err
	}
	h.onAccept(packet)
	return nil
}

func (h *handshake) OnTaskFailed(task *network.Task, err error) {
	if task != h.inflight {
		return
	}
	h.inflight = nil
	// A lost connection reports itself; anything else leaves a session
	// nobody can use.
	if !errors.Is(err, p_network.ErrConnectionLost) {
		h.onReject(fmt.Errorf("lightclient: handshake: %w", err))
	}
}

func (h *handshake) OnMessage(message network.Message) error {
	return fmt.Errorf("%w: %s", p_network.ErrUnhandledMessage, message.Command())
}

var _ network.TaskHandler = (*handshake)(nil)
