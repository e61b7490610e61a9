package lspgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

const (
	wsWriteWait      = 10 * time.Second
	wsSendBufferSize = 64
)

// wsCommand is one client operation on the WebSocket wire.
type wsCommand struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	Language     string `json:"language,omitempty"`
	Workspace    string `json:"workspace,omitempty"`
	ServerID     string `json:"serverId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`

	URI            string          `json:"uri,omitempty"`
	LanguageID     string          `json:"languageId,omitempty"`
	Version        int32           `json:"version,omitempty"`
	Text           string          `json:"text,omitempty"`
	ContentChanges json.RawMessage `json:"contentChanges,omitempty"`

	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wsFrame is one gateway message to the client.
type wsFrame struct {
	Op      string `json:"op"`
	ID      string `json:"id,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// wsChannel is one WebSocket client as a manager channel. A single writer
// goroutine drains send; events are dropped rather than blocking transport
// goroutines when the client stops reading.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	send chan wsFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{
		id:     "ws-" + ksuid.New().String(),
		conn:   conn,
		send:   make(chan wsFrame, wsSendBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Emit(event string, payload any) {
	c.enqueue(wsFrame{Op: "event", Event: event, Payload: payload})
}

func (c *wsChannel) enqueue(frame wsFrame) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
	}
}

func (c *wsChannel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (g *Gateway) upgrader() websocket.Upgrader {
	allowed := g.opts.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket turns an HTTP request into a client channel and serves its
// command loop until the socket drops.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := g.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logError("websocket upgrade", err)
		return
	}

	ch := newWSChannel(conn)
	g.channels.add(ch)
	go ch.writeLoop()

	g.opts.Logger.Info("client channel connected", "channel", ch.ID())
	ch.enqueue(wsFrame{Op: "hello", Result: map[string]any{
		"channelId": ch.ID(),
		"languages": g.manager.SupportedLanguages(),
	}})

	defer func() {
		for _, connID := range g.channels.remove(ch.ID()) {
			g.manager.RemoveConnection(connID)
		}
		ch.close()
		g.opts.Logger.Info("client channel disconnected", "channel", ch.ID())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			ch.enqueue(wsFrame{Op: "error", Error: "malformed command"})
			continue
		}
		g.dispatchCommand(r.Context(), ch, cmd)
	}
}

func (g *Gateway) dispatchCommand(ctx context.Context, ch *wsChannel, cmd wsCommand) {
	reply := func(result any, err error) {
		if err != nil {
			ch.enqueue(wsFrame{Op: "error", ID: cmd.ID, Error: err.Error()})
			return
		}
		ch.enqueue(wsFrame{Op: "result", ID: cmd.ID, Result: result})
	}

	switch cmd.Op {
	case "languages":
		reply(g.manager.SupportedLanguages(), nil)

	case "servers":
		reply(g.manager.ActiveServers(), nil)

	case "startServer":
		root, err := g.opts.Workspaces(cmd.Workspace)
		if err != nil {
			reply(nil, err)
			return
		}
		id, err := g.manager.StartServer(ctx, cmd.Language, root)
		reply(map[string]any{"serverId": id}, err)

	case "stopServer":
		reply(map[string]any{"stopped": g.manager.StopServer(ctx, cmd.ServerID)}, nil)

	case "connect":
		connID, err := g.manager.CreateConnection(cmd.ServerID, ch, cmd.Workspace)
		if err != nil {
			reply(nil, err)
			return
		}
		g.channels.trackConnection(ch.ID(), connID)
		reply(map[string]any{"connectionId": connID}, nil)

	case "disconnect":
		removed := g.manager.RemoveConnection(cmd.ConnectionID)
		g.channels.forgetConnection(ch.ID(), cmd.ConnectionID)
		reply(map[string]any{"removed": removed}, nil)

	case "open":
		err := g.manager.HandleDocumentOpen(cmd.ServerID, lspmgr.DocumentOpen{
			URI:          cmd.URI,
			LanguageID:   cmd.LanguageID,
			Version:      cmd.Version,
			Text:         cmd.Text,
			ConnectionID: cmd.ConnectionID,
		})
		reply(map[string]any{"ok": err == nil}, err)

	case "change":
		err := g.manager.HandleDocumentChange(cmd.ServerID, lspmgr.DocumentChange{
			URI:            cmd.URI,
			Version:        cmd.Version,
			ContentChanges: cmd.ContentChanges,
			ConnectionID:   cmd.ConnectionID,
		})
		reply(map[string]any{"ok": err == nil}, err)

	case "close":
		err := g.manager.HandleDocumentClose(cmd.ServerID, lspmgr.DocumentClose{
			URI:          cmd.URI,
			ConnectionID: cmd.ConnectionID,
		})
		reply(map[string]any{"ok": err == nil}, err)

	case "request":
		callCtx, cancel := context.WithTimeout(context.Background(), g.opts.RequestTimeout)
		var params any
		if len(cmd.Params) > 0 {
			params = cmd.Params
		}
		go func() {
			defer cancel()
			result, err := g.manager.SendRequest(callCtx, cmd.ConnectionID, cmd.Method, params)
			if err != nil {
				ch.enqueue(wsFrame{Op: "error", ID: cmd.ID, Error: err.Error()})
				return
			}
			var decoded any
			if len(result) > 0 {
				if err := json.Unmarshal(result, &decoded); err != nil {
					decoded = string(result)
				}
			}
			ch.enqueue(wsFrame{Op: "result", ID: cmd.ID, Result: decoded})
		}()

	default:
		ch.enqueue(wsFrame{Op: "error", ID: cmd.ID, Error: "unknown op " + cmd.Op})
	}
}
