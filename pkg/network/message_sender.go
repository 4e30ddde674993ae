package network

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

// MessageSender wraps packets into envelopes. A packet is either raw body
// bytes, nil, or a value of pkg/protocol.
type MessageSender struct {
	version string
}

func NewMessageSender(version string) *MessageSender {
	return &MessageSender{version: version}
}

// SendMessage sends an unsolicited message under a fresh ID.
func (s *MessageSender) SendMessage(connection network.Connection, command string, packet interface{}) error {
	return s.send(connection, command, uuid.New().String(), packet)
}

// Reply answers request, echoing its ID so the caller can correlate it.
func (s *MessageSender) Reply(request network.Request, command string, packet interface{}) error {
	return s.send(request.Connection(), command, request.Message().ID(), packet)
}

func (s *MessageSender) BroadcastMessage(connections []network.Connection, command string, packet interface{}) error {
	body, err := encodeBody(packet)
	if err != nil {
		return err
	}
	logger.Debug("Broadcasting message", "command", command, "connections", len(connections))

	var errs []error
	for _, conn := range connections {
		if conn == nil {
			continue
		}
		if err := conn.Send(NewMessage(command, s.version, uuid.New().String(), body)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.RemoteAddr(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *MessageSender) send(connection network.Connection, command, id string, packet interface{}) error {
	if connection == nil {
		return fmt.Errorf("network: nil connection for command %s", command)
	}
	body, err := encodeBody(packet)
	if err != nil {
		return err
	}
	return connection.Send(NewMessage(command, s.version, id, body))
}

func encodeBody(packet interface{}) ([]byte, error) {
	switch p := packet.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	default:
		body, err := protocol.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("network: encode %T: %w", packet, err)
		}
		return body, nil
	}
}

var _ network.MessageSender = (*MessageSender)(nil)
