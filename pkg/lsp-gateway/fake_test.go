package lspgateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

// pipeProcess is an in-memory lspmgr.ServerProcess whose other end is a
// scripted language server.
type pipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	once sync.Once
	done chan struct{}
}

func newPipeProcess() *pipeProcess {
	p := &pipeProcess{done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *pipeProcess) Write(b []byte) error {
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

func (p *pipeProcess) Output() io.Reader { return p.stdoutR }

func (p *pipeProcess) Stderr() []string { return nil }

func (p *pipeProcess) Terminate(grace time.Duration) { p.exit() }

func (p *pipeProcess) Done() <-chan struct{} { return p.done }

func (p *pipeProcess) Err() error { return nil }

func (p *pipeProcess) exit() {
	p.once.Do(func() {
		p.stdinW.Close()
		p.stdinR.Close()
		p.stdoutW.Close()
		close(p.done)
	})
}

// scriptedSpawner satisfies lspmgr.Spawner with servers that complete the
// initialize handshake and echo request results.
type scriptedSpawner struct {
	mu    sync.Mutex
	procs []*pipeProcess
}

func (s *scriptedSpawner) Spawn(desc lspmgr.ServerDescriptor, workspaceRoot string) (lspmgr.ServerProcess, error) {
	proc := newPipeProcess()
	s.mu.Lock()
	s.procs = append(s.procs, proc)
	s.mu.Unlock()
	go serveScripted(proc)
	return proc, nil
}

func serveScripted(proc *pipeProcess) {
	reader := bufio.NewReader(proc.stdinR)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			return
		}
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			if msg.Method == "exit" {
				proc.exit()
				return
			}
			continue
		}
		var result any
		switch msg.Method {
		case "initialize":
			result = map[string]any{
				"capabilities": map[string]any{"hoverProvider": true, "textDocumentSync": 1},
				"serverInfo":   map[string]any{"name": "scripted-ls"},
			}
		case "shutdown":
			result = nil
		case "textDocument/hover":
			result = map[string]any{"contents": "scripted hover"}
		default:
			result = map[string]any{"ok": true}
		}
		reply, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *msg.ID, "result": result})
		if err != nil {
			continue
		}
		writeFrame(proc.stdoutW, reply)
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, err = strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, err
			}
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("missing Content-Length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFrame(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload))
	w.Write(payload)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGatewayManager() *lspmgr.Manager {
	return lspmgr.NewManager(nil, &lspmgr.ManagerOptions{
		Spawner:         &scriptedSpawner{},
		StartupTimeout:  2 * time.Second,
		ShutdownTimeout: time.Second,
		TerminateGrace:  100 * time.Millisecond,
	})
}
