package lspmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Manager supervises language-server instances and multiplexes client
// connections onto them. Each Manager owns its registries, so several
// independent gateways can coexist in one process.
type Manager struct {
	opts     ManagerOptions
	registry *Registry
	progress *progressTracker

	mu        sync.RWMutex
	instances map[string]*serverInstance
	conns     map[string]*connection

	changedMu sync.Mutex
	onChanged []func()
}

// NewManager builds a manager over the given registry. A nil registry falls
// back to the built-in descriptor table.
func NewManager(registry *Registry, opts *ManagerOptions) *Manager {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Manager{
		opts:      opts.normalized(),
		registry:  registry,
		progress:  newProgressTracker(),
		instances: make(map[string]*serverInstance),
		conns:     make(map[string]*connection),
	}
}

// SupportedLanguages lists every language id the registry can serve.
func (m *Manager) SupportedLanguages() []string {
	return m.registry.SupportedLanguages()
}

// ServerConfig resolves the descriptor that would serve languageID.
func (m *Manager) ServerConfig(languageID string) (ServerDescriptor, bool) {
	return m.registry.ServerConfig(NormalizeLanguageID(languageID))
}

// OnServersChanged registers a callback invoked whenever the active
// instance set changes. Callbacks run on manager goroutines and must not
// block.
func (m *Manager) OnServersChanged(fn func()) {
	if fn == nil {
		return
	}
	m.changedMu.Lock()
	m.onChanged = append(m.onChanged, fn)
	m.changedMu.Unlock()
}

func (m *Manager) notifyServersChanged() {
	m.changedMu.Lock()
	handlers := append([]func(){}, m.onChanged...)
	m.changedMu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// StartServer spawns and initializes a language server for languageID in
// workspaceRoot, returning the new instance id once the server is ready.
func (m *Manager) StartServer(ctx context.Context, languageID, workspaceRoot string) (string, error) {
	desc, ok := m.ServerConfig(languageID)
	if !ok {
		return "", fmt.Errorf("lspmgr: %w for %q", ErrNoLanguageConfig, languageID)
	}

	inst := newServerInstance(desc, workspaceRoot)

	proc, err := m.opts.Spawner.Spawn(desc, workspaceRoot)
	if err != nil {
		inst.setState(StateFailed)
		return "", err
	}
	inst.proc = proc
	inst.mux = newMux(inst.id, proc, codecFor(desc.Framing), m.opts, func(msg *Message) {
		m.dispatchServerMessage(inst, msg)
	})
	inst.mux.start()

	m.mu.Lock()
	m.instances[inst.id] = inst
	m.mu.Unlock()
	go m.watchExit(inst)
	m.notifyServersChanged()

	inst.setState(StateInitializing)
	if err := m.initializeInstance(ctx, inst); err != nil {
		m.failInstance(inst, err)
		return "", fmt.Errorf("lspmgr: initialize %s: %w", inst.id, err)
	}

	if !inst.transitionFrom(StateInitializing, StateReady) {
		// The process died while the handshake was completing.
		return "", fmt.Errorf("lspmgr: initialize %s: %w", inst.id, ErrServerTerminated)
	}
	m.notifyServersChanged()
	return inst.id, nil
}

type initializeParams struct {
	ProcessID  int    `json:"processId"`
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
	RootURI          string            `json:"rootUri"`
	Capabilities     map[string]any    `json:"capabilities"`
	WorkspaceFolders []workspaceFolder `json:"workspaceFolders,omitempty"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

func (m *Manager) initializeInstance(ctx context.Context, inst *serverInstance) error {
	params := initializeParams{
		ProcessID:    pid(),
		RootURI:      fileURI(inst.workspaceRoot),
		Capabilities: clientCapabilities(),
		WorkspaceFolders: []workspaceFolder{
			{URI: fileURI(inst.workspaceRoot), Name: inst.desc.Name},
		},
	}
	params.ClientInfo.Name = m.opts.ClientName
	params.ClientInfo.Version = m.opts.ClientVersion

	ictx, cancel := context.WithTimeout(ctx, m.opts.StartupTimeout)
	defer cancel()

	result, err := inst.mux.call(ictx, "", "initialize", params)
	if err != nil {
		return err
	}
	caps, err := decodeCapabilities(result)
	if err != nil {
		return err
	}
	inst.setCapabilities(caps)
	return inst.mux.notify("initialized", struct{}{})
}

// watchExit turns an unexpected process exit into instance failure. Exits
// observed while draining or terminated are the normal stop path.
func (m *Manager) watchExit(inst *serverInstance) {
	<-inst.proc.Done()
	switch inst.State() {
	case StateDraining, StateTerminated:
		return
	default:
		m.failInstance(inst, inst.proc.Err())
	}
}

// failInstance marks the instance failed, rejects its in-flight requests,
// force-detaches its connections, and drops it from the registry.
func (m *Manager) failInstance(inst *serverInstance, cause error) {
	inst.setState(StateFailed)
	if cause != nil {
		inst.mux.close(fmt.Errorf("lspmgr: %w: %v", ErrServerTerminated, cause))
	} else {
		inst.mux.close(ErrServerTerminated)
	}
	inst.proc.Terminate(m.opts.TerminateGrace)

	m.detachInstanceConnections(inst.id)
	m.progress.dropInstance(inst.id)

	m.mu.Lock()
	delete(m.instances, inst.id)
	m.mu.Unlock()
	m.notifyServersChanged()
}

// StopServer drains the instance: shutdown request, exit notification, then
// process termination with escalation. Reports whether the instance existed
// and was stoppable.
func (m *Manager) StopServer(ctx context.Context, instanceID string) bool {
	inst := m.instance(instanceID)
	if inst == nil {
		return false
	}
	if !inst.transitionFrom(StateReady, StateDraining) {
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.ShutdownTimeout)
	_, _ = inst.mux.call(sctx, "", "shutdown", nil)
	cancel()
	_ = inst.mux.notify("exit", nil)

	inst.proc.Terminate(m.opts.TerminateGrace)
	select {
	case <-inst.proc.Done():
	case <-ctx.Done():
	case <-time.After(m.opts.TerminateGrace + time.Second):
	}

	inst.setState(StateTerminated)
	inst.mux.close(ErrServerTerminated)

	m.detachInstanceConnections(instanceID)
	m.progress.dropInstance(instanceID)

	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()
	m.notifyServersChanged()
	return true
}

// Shutdown stops every instance concurrently and waits for all of them.
// Ready instances drain through StopServer; anything else is failed outright
// so no instance remains registered when Shutdown returns.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if m.StopServer(ctx, id) {
				return
			}
			inst := m.instance(id)
			if inst == nil {
				return
			}
			switch inst.State() {
			case StateDraining, StateTerminated:
				// A concurrent StopServer owns the teardown.
			default:
				m.failInstance(inst, nil)
			}
		}(id)
	}
	wg.Wait()
	return ctx.Err()
}

// ActiveServers reports every live instance, sorted by instance id.
func (m *Manager) ActiveServers() []ServerInfo {
	m.mu.RLock()
	infos := make([]ServerInfo, 0, len(m.instances))
	for _, inst := range m.instances {
		infos = append(infos, inst.info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
	return infos
}

// ServerCapabilities returns the decoded capabilities of a ready instance.
func (m *Manager) ServerCapabilities(instanceID string) (ServerCapabilities, error) {
	inst := m.instance(instanceID)
	if inst == nil {
		return ServerCapabilities{}, fmt.Errorf("lspmgr: %w: %q", ErrServerNotFound, instanceID)
	}
	return inst.Capabilities(), nil
}

// ServerStderr returns the recent stderr lines captured from the instance's
// process, for diagnostics only.
func (m *Manager) ServerStderr(instanceID string) ([]string, error) {
	inst := m.instance(instanceID)
	if inst == nil {
		return nil, fmt.Errorf("lspmgr: %w: %q", ErrServerNotFound, instanceID)
	}
	return inst.proc.Stderr(), nil
}

// SendRequest forwards a request through the connection's instance and
// blocks for the response. The pending entry carries the connection id, so
// progress reports for the request route back to the issuing client.
func (m *Manager) SendRequest(ctx context.Context, connID, method string, params any) (json.RawMessage, error) {
	m.mu.RLock()
	conn := m.conns[connID]
	m.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("lspmgr: %w: %q", ErrConnectionNotFound, connID)
	}

	inst := m.instance(conn.instanceID)
	if inst == nil {
		return nil, fmt.Errorf("lspmgr: %w: %q", ErrServerNotFound, conn.instanceID)
	}
	if inst.State() != StateReady {
		return nil, fmt.Errorf("lspmgr: %w: %q is %s", ErrServerNotReady, inst.id, inst.State())
	}

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("lspmgr: marshal params: %w", err)
		}
		raw = encoded
	}

	cleanup := m.progress.track(inst.id, connID, raw)
	defer cleanup()

	if raw == nil {
		return inst.mux.call(ctx, connID, method, nil)
	}
	return inst.mux.call(ctx, connID, method, raw)
}

// dispatchServerMessage routes server-initiated traffic. It runs on the
// instance's reader goroutine, so per-instance delivery order matches
// arrival order.
func (m *Manager) dispatchServerMessage(inst *serverInstance, msg *Message) {
	switch msg.Method {
	case "textDocument/publishDiagnostics":
		m.routeDiagnostics(inst, msg)
	case "$/progress":
		m.routeProgress(inst, msg)
	default:
		for _, conn := range m.instanceChannels(inst.id) {
			conn.channel.Emit(msg.Method, msg.Params)
		}
	}
}

// routeDiagnostics delivers publishDiagnostics only to connections that
// have the uri open.
func (m *Manager) routeDiagnostics(inst *serverInstance, msg *Message) {
	var fields map[string]any
	if err := json.Unmarshal(msg.Params, &fields); err != nil {
		return
	}
	var probe struct {
		URI string `mapstructure:"uri"`
	}
	if err := mapstructureDecode(fields, &probe); err != nil || probe.URI == "" {
		return
	}
	for _, conn := range m.instanceChannels(inst.id) {
		conn.mu.Lock()
		_, open := conn.openDocs[probe.URI]
		conn.mu.Unlock()
		if open {
			conn.channel.Emit(msg.Method, msg.Params)
		}
	}
}

// routeProgress delivers $/progress to the connection that registered the
// token; reports for unknown tokens are dropped.
func (m *Manager) routeProgress(inst *serverInstance, msg *Message) {
	var probe struct {
		Token any `json:"token"`
	}
	if err := json.Unmarshal(msg.Params, &probe); err != nil || probe.Token == nil {
		return
	}
	connID := m.progress.lookup(inst.id, probe.Token)
	if connID == "" {
		return
	}
	m.mu.RLock()
	conn := m.conns[connID]
	m.mu.RUnlock()
	if conn != nil {
		conn.channel.Emit(msg.Method, msg.Params)
	}
}

func (m *Manager) instance(instanceID string) *serverInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[instanceID]
}
