package network

import (
	"encoding/hex"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meta-node-blockchain/meta-spv/pkg/protocol"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

// Envelope field numbers.
//
//	message Header  { string command = 1; string version = 2; string id = 3; bytes to_address = 4; }
//	message Message { Header header = 1; bytes body = 2; }
const (
	fieldHeader protowire.Number = 1
	fieldBody   protowire.Number = 2

	fieldCommand   protowire.Number = 1
	fieldVersion   protowire.Number = 2
	fieldID        protowire.Number = 3
	fieldToAddress protowire.Number = 4
)

type Header struct {
	Command   string
	Version   string
	ID        string
	ToAddress []byte
}

type Message struct {
	header Header
	body   []byte
}

func NewMessage(command, version, id string, body []byte) *Message {
	return &Message{
		header: Header{Command: command, Version: version, ID: id},
		body:   body,
	}
}

func (m *Message) Marshal() ([]byte, error) {
	if m == nil {
		return nil, errors.New("network: cannot marshal nil message")
	}
	var h []byte
	h = appendString(h, fieldCommand, m.header.Command)
	h = appendString(h, fieldVersion, m.header.Version)
	h = appendString(h, fieldID, m.header.ID)
	if len(m.header.ToAddress) > 0 {
		h = protowire.AppendTag(h, fieldToAddress, protowire.BytesType)
		h = protowire.AppendBytes(h, m.header.ToAddress)
	}

	b := make([]byte, 0, len(h)+len(m.body)+16)
	b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
	b = protowire.AppendBytes(b, h)
	if len(m.body) > 0 {
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, m.body)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalMessage decodes an envelope. The returned message does not alias b.
func UnmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	err := walkFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case fieldHeader:
			return walkFields(v, func(num protowire.Number, v []byte) error {
				switch num {
				case fieldCommand:
					m.header.Command = string(v)
				case fieldVersion:
					m.header.Version = string(v)
				case fieldID:
					m.header.ID = string(v)
				case fieldToAddress:
					m.header.ToAddress = append([]byte(nil), v...)
				}
				return nil
			})
		case fieldBody:
			m.body = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.header.Command == "" {
		return nil, fmt.Errorf("%w: envelope without command", protocol.ErrMalformedMessage)
	}
	return m, nil
}

// walkFields calls fn for every length-delimited field and skips the rest.
func walkFields(b []byte, fn func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, protowire.ParseError(n))
		}
		if err := fn(num, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (m *Message) String() string {
	if m == nil {
		return "<Message: nil>"
	}
	return fmt.Sprintf("Message[ID: %s, Command: %s, Version: %s, Body: %s]",
		m.header.ID, m.header.Command, m.header.Version, hex.EncodeToString(m.body))
}

func (m *Message) Command() string { return m.header.Command }
func (m *Message) Version() string { return m.header.Version }
func (m *Message) ID() string      { return m.header.ID }
func (m *Message) Body() []byte    { return m.body }

var _ network.Message = (*Message)(nil)
