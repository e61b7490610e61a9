package lspmgr

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ServerProcess is a running language-server process as seen by the
// multiplexer. The production implementation wraps exec.Cmd; tests inject
// in-memory fakes through the Spawner option.
type ServerProcess interface {
	// Write sends raw bytes to the server's stdin. Writes after the process
	// has exited are dropped without error.
	Write(p []byte) error

	// Output is the server's stdout stream.
	Output() io.Reader

	// Stderr returns the most recent stderr lines, captured for diagnostics.
	Stderr() []string

	// Terminate asks the process to exit, escalating to a hard kill after
	// the grace period. Safe to call more than once.
	Terminate(grace time.Duration)

	// Done is closed exactly once, when the process has exited.
	Done() <-chan struct{}

	// Err reports the exit error after Done is closed.
	Err() error
}

// Spawner launches server processes. Injectable through ManagerOptions so
// lifecycle tests can run against in-memory servers.
type Spawner interface {
	Spawn(desc ServerDescriptor, workspaceRoot string) (ServerProcess, error)
}

type execSpawner struct{}

func (execSpawner) Spawn(desc ServerDescriptor, workspaceRoot string) (ServerProcess, error) {
	path, err := exec.LookPath(desc.Command)
	if err != nil {
		return nil, fmt.Errorf("lspmgr: %w: %q", ErrExecutableNotFound, desc.Command)
	}

	cmd := exec.Command(path, desc.Args...)
	cmd.Dir = workspaceRoot
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("lspmgr: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("lspmgr: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("lspmgr: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("lspmgr: start %q: %w", desc.Command, err)
	}

	p := &osProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: newStderrRing(stderrRingSize),
		done:   make(chan struct{}),
	}
	go p.captureStderr(stderr)
	go p.wait()
	return p, nil
}

const stderrRingSize = 64

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrRing

	done    chan struct{}
	exitErr error

	terminating atomic.Bool
}

func (p *osProcess) Write(b []byte) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if _, err := p.stdin.Write(b); err != nil {
		select {
		case <-p.done:
			return nil
		default:
			return fmt.Errorf("lspmgr: write to server: %w", err)
		}
	}
	return nil
}

func (p *osProcess) Output() io.Reader { return p.stdout }

func (p *osProcess) Stderr() []string { return p.stderr.lines() }

func (p *osProcess) Terminate(grace time.Duration) {
	if p.terminating.Swap(true) {
		return
	}
	select {
	case <-p.done:
		return
	default:
	}
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
	}()
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Err() error { return p.exitErr }

func (p *osProcess) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

func (p *osProcess) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 256*1024)
	for scanner.Scan() {
		p.stderr.append(scanner.Text())
	}
}

// stderrRing keeps the most recent stderr lines for diagnostics reporting.
type stderrRing struct {
	mu    sync.Mutex
	max   int
	ring  []string
	start int
	count int
}

func newStderrRing(max int) *stderrRing {
	return &stderrRing{max: max, ring: make([]string, max)}
}

func (s *stderrRing) append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count < s.max {
		s.ring[(s.start+s.count)%s.max] = line
		s.count++
		return
	}
	s.ring[s.start] = line
	s.start = (s.start + 1) % s.max
}

func (s *stderrRing) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.count)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.start+i)%s.max])
	}
	return out
}
