package lspmgr

import (
	"fmt"
	"sync"
)

// ClientChannel is the delivery side of a client connection: a WebSocket, an
// MCP session, or a test recorder. Emit must tolerate being called from
// transport goroutines.
type ClientChannel interface {
	ID() string
	Emit(event string, payload any)
}

// connection binds one client channel to one server instance.
type connection struct {
	id         string
	instanceID string
	channel    ClientChannel
	workspace  string

	mu       sync.Mutex
	openDocs map[string]struct{}
}

func connectionID(instanceID, channelID string) string {
	return instanceID + "-" + channelID
}

// CreateConnection attaches channel to the instance and returns the
// connection id. Repeating the call for the same (instance, channel) pair
// returns the existing id. The instance must be ready.
func (m *Manager) CreateConnection(instanceID string, channel ClientChannel, workspaceRoot string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return "", fmt.Errorf("lspmgr: %w: %q", ErrServerNotFound, instanceID)
	}
	if inst.State() != StateReady {
		return "", fmt.Errorf("lspmgr: %w: %q is %s", ErrServerNotReady, instanceID, inst.State())
	}

	id := connectionID(instanceID, channel.ID())
	if _, exists := m.conns[id]; exists {
		return id, nil
	}

	m.conns[id] = &connection{
		id:         id,
		instanceID: instanceID,
		channel:    channel,
		workspace:  workspaceRoot,
		openDocs:   make(map[string]struct{}),
	}
	inst.attach(id)
	return id, nil
}

// RemoveConnection detaches the connection and reports whether it existed.
// Documents only this connection had open are closed on the server; uris
// still referenced by sibling connections are left alone.
func (m *Manager) RemoveConnection(connID string) bool {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connID)
	inst := m.instances[conn.instanceID]
	m.mu.Unlock()

	if inst == nil {
		return true
	}
	inst.detach(connID)

	conn.mu.Lock()
	uris := make([]string, 0, len(conn.openDocs))
	for uri := range conn.openDocs {
		uris = append(uris, uri)
	}
	conn.openDocs = make(map[string]struct{})
	conn.mu.Unlock()

	for _, uri := range uris {
		if m.uriOpenElsewhere(conn.instanceID, uri, connID) {
			continue
		}
		if inst.State() != StateReady {
			continue
		}
		inst.mu.Lock()
		delete(inst.docs, uri)
		inst.mu.Unlock()
		_ = inst.mux.notify("textDocument/didClose", didCloseParams{
			TextDocument: textDocumentIdentifier{URI: uri},
		})
	}
	return true
}

// ConnectionCount reports how many connections are attached to the
// instance. Unknown instances count zero.
func (m *Manager) ConnectionCount(instanceID string) int {
	m.mu.RLock()
	inst := m.instances[instanceID]
	m.mu.RUnlock()
	if inst == nil {
		return 0
	}
	return inst.connectionCount()
}

// detachInstanceConnections force-removes every connection on the instance
// without emitting didClose. Used when the process is already gone.
func (m *Manager) detachInstanceConnections(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		if conn.instanceID == instanceID {
			delete(m.conns, id)
		}
	}
}

// instanceChannels snapshots the channels attached to an instance.
func (m *Manager) instanceChannels(instanceID string) []*connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*connection
	for _, conn := range m.conns {
		if conn.instanceID == instanceID {
			out = append(out, conn)
		}
	}
	return out
}
