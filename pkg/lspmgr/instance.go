package lspmgr

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
)

// InstanceState is a language-server instance's position in its lifecycle.
// Transitions only move forward: starting, initializing, ready, draining,
// terminated, with failed reachable from any non-terminal state.
type InstanceState string

const (
	StateStarting     InstanceState = "starting"
	StateInitializing InstanceState = "initializing"
	StateReady        InstanceState = "ready"
	StateDraining     InstanceState = "draining"
	StateTerminated   InstanceState = "terminated"
	StateFailed       InstanceState = "failed"
)

// ServerCapabilities is the subset of the initialize result the gateway
// inspects. The full capability object is kept raw for clients that want it.
type ServerCapabilities struct {
	TextDocumentSync       any            `mapstructure:"textDocumentSync"`
	HoverProvider          any            `mapstructure:"hoverProvider"`
	CompletionProvider     map[string]any `mapstructure:"completionProvider"`
	DefinitionProvider     any            `mapstructure:"definitionProvider"`
	ReferencesProvider     any            `mapstructure:"referencesProvider"`
	DocumentSymbolProvider any            `mapstructure:"documentSymbolProvider"`

	Raw map[string]any `mapstructure:",remain"`
}

func decodeCapabilities(result json.RawMessage) (ServerCapabilities, error) {
	var envelope struct {
		Capabilities map[string]any `json:"capabilities"`
		ServerInfo   struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return ServerCapabilities{}, fmt.Errorf("lspmgr: decode initialize result: %w", err)
	}
	var caps ServerCapabilities
	if err := mapstructure.Decode(envelope.Capabilities, &caps); err != nil {
		return ServerCapabilities{}, fmt.Errorf("lspmgr: decode capabilities: %w", err)
	}
	return caps, nil
}

var instanceCounter atomic.Uint64

// newInstanceID derives a sortable, never-reused id from the descriptor's
// primary name, the creation timestamp, and a process-wide counter that
// keeps rapid creations distinct.
func newInstanceID(name string) string {
	return fmt.Sprintf("%s-%013d-%04d", name, time.Now().UnixMilli(), instanceCounter.Add(1)%10000)
}

// serverInstance is one supervised language-server process plus its
// transport and per-instance document state.
type serverInstance struct {
	id            string
	desc          ServerDescriptor
	workspaceRoot string
	createdAt     time.Time

	proc ServerProcess
	mux  *mux

	mu           sync.Mutex
	state        InstanceState
	capabilities ServerCapabilities
	docs         map[string]int32    // uri -> last accepted version
	conns        map[string]struct{} // attached connection ids
}

func newServerInstance(desc ServerDescriptor, workspaceRoot string) *serverInstance {
	return &serverInstance{
		id:            newInstanceID(desc.Name),
		desc:          desc,
		workspaceRoot: workspaceRoot,
		createdAt:     time.Now(),
		state:         StateStarting,
		docs:          make(map[string]int32),
		conns:         make(map[string]struct{}),
	}
}

func (s *serverInstance) State() InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *serverInstance) setState(state InstanceState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// transitionFrom moves to next only if the current state matches from,
// reporting whether the transition happened.
func (s *serverInstance) transitionFrom(from, next InstanceState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = next
	return true
}

func (s *serverInstance) setCapabilities(caps ServerCapabilities) {
	s.mu.Lock()
	s.capabilities = caps
	s.mu.Unlock()
}

func (s *serverInstance) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

func (s *serverInstance) attach(connID string) {
	s.mu.Lock()
	s.conns[connID] = struct{}{}
	s.mu.Unlock()
}

func (s *serverInstance) detach(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *serverInstance) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServerInfo is a point-in-time view of one instance for status reporting.
type ServerInfo struct {
	ServerID    string        `json:"serverId"`
	Name        string        `json:"name"`
	Language    string        `json:"language"`
	Workspace   string        `json:"workspace"`
	Status      InstanceState `json:"status"`
	Connections int           `json:"connections"`
}

func (s *serverInstance) info() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerInfo{
		ServerID:    s.id,
		Name:        s.desc.Name,
		Language:    s.desc.Name,
		Workspace:   s.workspaceRoot,
		Status:      s.state,
		Connections: len(s.conns),
	}
}
