package network

import (
	"time"

	"github.com/google/uuid"
)

// Capability identifies the protocol feature a task or message belongs to.
type Capability uint8

const (
	CapabilityHandshake Capability = iota + 1
	CapabilityHeaders
	CapabilityAccountProof
	CapabilityTransaction
)

func (c Capability) String() string {
	switch c {
	case CapabilityHandshake:
		return "handshake"
	case CapabilityHeaders:
		return "headers"
	case CapabilityAccountProof:
		return "account-proof"
	case CapabilityTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// Task is one outbound request awaiting a response. The connection writes it
// as a message whose ID is the task ID; the peer echoes that ID back.
type Task struct {
	ID         string
	Capability Capability
	Command    string
	Body       []byte
	// Timeout overrides the connection's default task deadline when non-zero.
	Timeout time.Duration
	// Context is owned by the handler that built the task.
	Context interface{}
}

func NewTask(capability Capability, command string, body []byte, context interface{}) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Capability: capability,
		Command:    command,
		Body:       body,
		Context:    context,
	}
}
