package network

import (
	"sort"
	"sync"

	"github.com/meta-node-blockchain/meta-spv/types/network"
)

type ConnectionsManager struct {
	mu          sync.RWMutex
	connections map[string]network.Connection
}

func NewConnectionsManager() *ConnectionsManager {
	return &ConnectionsManager{connections: make(map[string]network.Connection)}
}

func (cm *ConnectionsManager) AddConnection(conn network.Connection) {
	if conn == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn.RemoteAddr()] = conn
}

func (cm *ConnectionsManager) RemoveConnection(conn network.Connection) {
	if conn == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if current, ok := cm.connections[conn.RemoteAddr()]; ok && current == conn {
		delete(cm.connections, conn.RemoteAddr())
	}
}

// Connections returns a snapshot ordered by remote address.
func (cm *ConnectionsManager) Connections() []network.Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]network.Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteAddr() < out[j].RemoteAddr() })
	return out
}

func (cm *ConnectionsManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

var _ network.ConnectionsManager = (*ConnectionsManager)(nil)
