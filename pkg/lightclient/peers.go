package lightclient

import (
	"errors"
	"sync"
)

var ErrNoPeers = errors.New("lightclient: no peer addresses")

// PeerSelector chooses the address dialed on every (re)connection attempt.
type PeerSelector interface {
	Next() (string, error)
}

// StaticPeers cycles through a fixed list of addresses.
type StaticPeers struct {
	mu    sync.Mutex
	addrs []string
	next  int
}

func NewStaticPeers(addrs ...string) *StaticPeers {
	return &StaticPeers{addrs: append([]string(nil), addrs...)}
}

func (p *StaticPeers) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.addrs) == 0 {
		return "", ErrNoPeers
	}
	addr := p.addrs[p.next%len(p.addrs)]
	p.next++
	return addr, nil
}
