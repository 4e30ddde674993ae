package network

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	p_common "github.com/meta-node-blockchain/meta-spv/pkg/common"
	"github.com/meta-node-blockchain/meta-spv/pkg/logger"
	"github.com/meta-node-blockchain/meta-spv/types/network"
)

var (
	ErrUnhandledMessage    = errors.New("network: unhandled message")
	ErrDuplicateCapability = errors.New("network: capability already registered")
	ErrServerBusy          = errors.New("network: peer is busy")
)

// Dispatcher routes connection events to the handler owning the capability
// of the task, or for unsolicited messages, the capability their command was
// registered under. It is not safe for concurrent use; a single event loop
// owns it.
type Dispatcher struct {
	handlers map[network.Capability]network.TaskHandler
	inbound  map[string]network.Capability
	log      log.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[network.Capability]network.TaskHandler),
		inbound:  make(map[string]network.Capability),
		log:      logger.New("module", "dispatcher"),
	}
}

// Register binds handler to its capability. Unsolicited messages carrying one
// of inboundCommands are routed to it as well.
func (d *Dispatcher) Register(handler network.TaskHandler, inboundCommands ...string) error {
	capability := handler.Capability()
	if _, exists := d.handlers[capability]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, capability)
	}
	for _, command := range inboundCommands {
		if owner, exists := d.inbound[command]; exists {
			return fmt.Errorf("%w: command %s already owned by %s", ErrDuplicateCapability, command, owner)
		}
	}
	d.handlers[capability] = handler
	for _, command := range inboundCommands {
		d.inbound[command] = capability
	}
	return nil
}

func (d *Dispatcher) Handler(capability network.Capability) network.TaskHandler {
	return d.handlers[capability]
}

// Dispatch delivers one task or message event. Lifecycle events are ignored.
// An event nobody owns yields ErrUnhandledMessage; it is logged and the
// caller carries on.
func (d *Dispatcher) Dispatch(ev network.Event) error {
	switch ev.Kind {
	case network.EventTaskPerformed, network.EventTaskFailed:
		if ev.Task == nil {
			return fmt.Errorf("%w: %s event without task", ErrUnhandledMessage, ev.Kind)
		}
		h, ok := d.handlers[ev.Task.Capability]
		if !ok {
			d.log.Debug("No handler for task", "capability", ev.Task.Capability, "command", ev.Task.Command)
			return fmt.Errorf("%w: capability %s", ErrUnhandledMessage, ev.Task.Capability)
		}
		if ev.Kind == network.EventTaskFailed {
			h.OnTaskFailed(ev.Task, ev.Err)
			return nil
		}
		if ev.Message.Command() == p_common.ServerBusy {
			h.OnTaskFailed(ev.Task, fmt.Errorf("%w: %s", ErrServerBusy, ev.Task.Command))
			return nil
		}
		if err := h.OnTaskPerformed(ev.Task, ev.Message); err != nil {
			return fmt.Errorf("%s %s: %w", ev.Task.Capability, ev.Task.Command, err)
		}
		return nil

	case network.EventInbound:
		capability, ok := d.inbound[ev.Message.Command()]
		if !ok {
			d.log.Debug("Unhandled message", "command", ev.Message.Command(), "id", ev.Message.ID())
			return fmt.Errorf("%w: command %s", ErrUnhandledMessage, ev.Message.Command())
		}
		return d.handlers[capability].OnMessage(ev.Message)
	}
	return nil
}
