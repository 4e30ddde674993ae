package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meta-node-blockchain/meta-spv/types/network"
)

// Handler routes requests to the function registered for their command.
type Handler struct {
	routes map[string]func(network.Request) error

	mu     sync.Mutex
	counts map[string]int64
}

func NewHandler(routes map[string]func(network.Request) error) *Handler {
	if routes == nil {
		routes = make(map[string]func(network.Request) error)
	}
	return &Handler{
		routes: routes,
		counts: make(map[string]int64),
	}
}

func (h *Handler) HandleRequest(r network.Request) error {
	if r == nil || r.Message() == nil {
		return errors.New("invalid request")
	}
	cmd := r.Message().Command()

	h.mu.Lock()
	h.counts[cmd]++
	h.mu.Unlock()

	route, ok := h.routes[cmd]
	if !ok {
		return fmt.Errorf("%w: command %s", ErrUnhandledMessage, cmd)
	}
	return route(r)
}

// Counts returns how many requests each command received so far.
func (h *Handler) Counts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}
