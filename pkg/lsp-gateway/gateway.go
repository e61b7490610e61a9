package lspgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bep/debounce"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

// Gateway fronts a lspmgr.Manager with outward surfaces: a Streamable MCP
// server for agent clients and a WebSocket endpoint for browser tabs, both
// mounted on one CORS-wrapped HTTP handler.
type Gateway struct {
	manager *lspmgr.Manager
	opts    Options

	channels *channelRegistry

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	sessionMu       sync.Mutex
	sessionChannels map[*mcp.ServerSession]*sessionChannel

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over the manager, registers the MCP tool
// surface, and wires the debounced status broadcast.
func NewGateway(mgr *lspmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("lspgateway: manager is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		manager:         mgr,
		opts:            options,
		channels:        newChannelRegistry(),
		sessionChannels: make(map[*mcp.ServerSession]*sessionChannel),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools: true,
	})
	g.registerTools()
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	statusFlush := debounce.New(options.StatusDebounce)
	mgr.OnServersChanged(func() {
		statusFlush(g.broadcastStatus)
	})

	return g, nil
}

// Manager exposes the underlying manager for callers that mix surfaces.
func (g *Gateway) Manager() *lspmgr.Manager {
	return g.manager
}

// Handler exposes the CORS-wrapped HTTP handler serving both endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("lspgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.RequestTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running. The manager and
// its language servers are left to the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// broadcastStatus pushes the current server list to every client channel.
func (g *Gateway) broadcastStatus() {
	g.channels.broadcast("gateway/servers", g.manager.ActiveServers())
}

// ServeMux exposes the underlying mux so callers can add custom routes
// alongside the MCP and WebSocket endpoints.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

func (g *Gateway) mountHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(normalizePath(g.opts.MCPPath), g.streamHandler)
	mux.HandleFunc(normalizePath(g.opts.WSPath), g.handleWebSocket)
	g.mux = mux

	c := cors.New(cors.Options{
		AllowedOrigins: g.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
