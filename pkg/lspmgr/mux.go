package lspmgr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// pendingRequest correlates an outbound request id with the connection that
// issued it. The response resolves the buffered channel; the issuer awaits
// it.
type pendingRequest struct {
	connID string
	ch     chan *Message
}

// mux owns one server's stdio transport: a single reader goroutine
// dispatching inbound messages in arrival order, and a write path where id
// allocation, pending registration, and the frame write happen atomically
// per instance.
type mux struct {
	serverID string
	proc     ServerProcess
	codec    frameCodec
	opts     ManagerOptions

	// onMessage receives notifications and server-initiated requests on the
	// reader goroutine, in strict arrival order.
	onMessage func(*Message)

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newMux(serverID string, proc ServerProcess, codec frameCodec, opts ManagerOptions, onMessage func(*Message)) *mux {
	return &mux{
		serverID:  serverID,
		proc:      proc,
		codec:     codec,
		opts:      opts,
		onMessage: onMessage,
		pending:   make(map[int64]*pendingRequest),
		closed:    make(chan struct{}),
	}
}

func (x *mux) start() {
	go x.readLoop()
}

func (x *mux) readLoop() {
	r := bufio.NewReaderSize(x.proc.Output(), 64*1024)
	for {
		payload, err := x.codec.Decode(r)
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				// Resync on the next frame.
				continue
			}
			return
		}
		x.opts.rpcLog(RPCDirectionReceive, x.serverID, payload)

		msg, err := decodeMessage(payload)
		if err != nil {
			continue
		}
		switch msg.Kind() {
		case KindResponse, KindError:
			x.resolve(msg)
		default:
			if x.onMessage != nil {
				x.onMessage(msg)
			}
		}
	}
}

func (x *mux) resolve(msg *Message) {
	x.pendingMu.Lock()
	pr, ok := x.pending[*msg.ID]
	if ok {
		delete(x.pending, *msg.ID)
	}
	x.pendingMu.Unlock()
	if !ok {
		return
	}
	pr.ch <- msg
}

// call sends a request and blocks until the matching response arrives, ctx
// expires, or the mux is torn down. connID attributes the pending entry to
// the issuing connection; empty for manager-internal traffic.
func (x *mux) call(ctx context.Context, connID, method string, params any) (json.RawMessage, error) {
	select {
	case <-x.closed:
		return nil, x.closeCause()
	default:
	}

	pr := &pendingRequest{connID: connID, ch: make(chan *Message, 1)}

	x.writeMu.Lock()
	x.nextID++
	id := x.nextID
	x.pendingMu.Lock()
	x.pending[id] = pr
	x.pendingMu.Unlock()
	err := x.writeLocked(outboundRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	x.writeMu.Unlock()
	if err != nil {
		x.unregister(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		x.unregister(id)
		return nil, ctx.Err()
	case <-x.closed:
		x.unregister(id)
		return nil, x.closeCause()
	case msg := <-pr.ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// notify sends a fire-and-forget notification.
func (x *mux) notify(method string, params any) error {
	select {
	case <-x.closed:
		return x.closeCause()
	default:
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.writeLocked(outboundNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (x *mux) writeLocked(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("lspmgr: marshal message: %w", err)
	}
	var buf bytes.Buffer
	if err := x.codec.Encode(&buf, payload); err != nil {
		return fmt.Errorf("lspmgr: encode frame: %w", err)
	}
	if err := x.proc.Write(buf.Bytes()); err != nil {
		return err
	}
	x.opts.rpcLog(RPCDirectionSend, x.serverID, payload)
	return nil
}

func (x *mux) unregister(id int64) {
	x.pendingMu.Lock()
	delete(x.pending, id)
	x.pendingMu.Unlock()
}

// close tears down the mux and fails every pending request with cause.
func (x *mux) close(cause error) {
	x.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrServerTerminated
		}
		x.closeErr = cause
		close(x.closed)
		x.pendingMu.Lock()
		x.pending = make(map[int64]*pendingRequest)
		x.pendingMu.Unlock()
	})
}

func (x *mux) closeCause() error {
	select {
	case <-x.closed:
		if x.closeErr != nil {
			return x.closeErr
		}
		return ErrServerTerminated
	default:
		return nil
	}
}
