package lspmgr

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeProcess is an in-memory ServerProcess backed by io.Pipe pairs so the
// manager's transport and a scripted server can talk without a real child
// process.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	once sync.Once
	done chan struct{}
	err  error

	mu           sync.Mutex
	terminations int
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *fakeProcess) Write(b []byte) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if _, err := p.stdinW.Write(b); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return err
		}
	}
	return nil
}

func (p *fakeProcess) Output() io.Reader { return p.stdoutR }

func (p *fakeProcess) Stderr() []string { return nil }

func (p *fakeProcess) Terminate(grace time.Duration) {
	p.mu.Lock()
	p.terminations++
	p.mu.Unlock()
	p.exit(nil)
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error { return p.err }

func (p *fakeProcess) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminations
}

// exit simulates process death: both pipes close and the done channel
// fires, exactly once.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.stdinW.Close()
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.done)
	})
}

type fakeMessage struct {
	Method string
	ID     *int64
	Params json.RawMessage
}

// responder produces the result or error for a request the fake server
// received.
type responder func(method string, params json.RawMessage) (any, *RPCError)

func defaultResponder(method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case "initialize":
		return map[string]any{
			"capabilities": map[string]any{
				"textDocumentSync": 1,
				"hoverProvider":    true,
			},
			"serverInfo": map[string]any{"name": "fake-ls", "version": "0.1"},
		}, nil
	case "shutdown":
		return nil, nil
	default:
		return map[string]any{"ok": true, "method": method}, nil
	}
}

// fakeServer speaks Content-Length framed JSON-RPC over a fakeProcess,
// answering requests through its responder and recording everything it
// receives.
type fakeServer struct {
	proc    *fakeProcess
	respond responder

	mu       sync.Mutex
	received []fakeMessage
}

func newFakeServer(proc *fakeProcess, respond responder) *fakeServer {
	if respond == nil {
		respond = defaultResponder
	}
	s := &fakeServer{proc: proc, respond: respond}
	go s.loop()
	return s
}

func (s *fakeServer) loop() {
	reader := bufio.NewReader(s.proc.stdinR)
	codec := contentLengthCodec{}
	for {
		payload, err := codec.Decode(reader)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, fakeMessage{Method: msg.Method, ID: msg.ID, Params: msg.Params})
		s.mu.Unlock()

		if msg.ID != nil && msg.Method != "" {
			result, rpcErr := s.respond(msg.Method, msg.Params)
			reply := map[string]any{"jsonrpc": "2.0", "id": *msg.ID}
			if rpcErr != nil {
				reply["error"] = rpcErr
			} else {
				reply["result"] = result
			}
			s.write(reply)
			continue
		}
		if msg.Method == "exit" {
			s.proc.exit(nil)
			return
		}
	}
}

// push sends a server-initiated notification to the client side.
func (s *fakeServer) push(method string, params any) {
	s.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *fakeServer) write(msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = contentLengthCodec{}.Encode(s.proc.stdoutW, payload)
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, msg := range s.received {
		out = append(out, msg.Method)
	}
	return out
}

func (s *fakeServer) messagesFor(method string) []fakeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeMessage
	for _, msg := range s.received {
		if msg.Method == method {
			out = append(out, msg)
		}
	}
	return out
}

// fakeSpawner hands out fakeProcess instances wired to fakeServers.
type fakeSpawner struct {
	respond  responder
	spawnErr error

	mu      sync.Mutex
	procs   []*fakeProcess
	servers []*fakeServer
}

func (f *fakeSpawner) Spawn(desc ServerDescriptor, workspaceRoot string) (ServerProcess, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	proc := newFakeProcess()
	server := newFakeServer(proc, f.respond)
	f.mu.Lock()
	f.procs = append(f.procs, proc)
	f.servers = append(f.servers, server)
	f.mu.Unlock()
	return proc, nil
}

func (f *fakeSpawner) lastServer(t *testing.T) *fakeServer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		t.Fatal("no server spawned")
	}
	return f.servers[len(f.servers)-1]
}

func (f *fakeSpawner) currentServer() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		return nil
	}
	return f.servers[len(f.servers)-1]
}

func (f *fakeSpawner) lastProcess(t *testing.T) *fakeProcess {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		t.Fatal("no process spawned")
	}
	return f.procs[len(f.procs)-1]
}

// fakeChannel records events emitted to a client.
type fakeChannel struct {
	id string

	mu     sync.Mutex
	events []channelEvent
}

type channelEvent struct {
	Event   string
	Payload any
}

func newFakeChannel(id string) *fakeChannel { return &fakeChannel{id: id} }

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Emit(event string, payload any) {
	c.mu.Lock()
	c.events = append(c.events, channelEvent{Event: event, Payload: payload})
	c.mu.Unlock()
}

func (c *fakeChannel) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Event)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, spawner *fakeSpawner) *Manager {
	t.Helper()
	mgr := NewManager(nil, &ManagerOptions{
		Spawner:         spawner,
		StartupTimeout:  2 * time.Second,
		ShutdownTimeout: time.Second,
		TerminateGrace:  100 * time.Millisecond,
	})
	return mgr
}
