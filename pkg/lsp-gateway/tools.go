package lspgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/segmentio/ksuid"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

func (g *Gateway) registerTools() {
	g.server.AddTool(&mcp.Tool{
		Name:        "lsp_languages",
		Description: "List the language ids this gateway can start a language server for.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, g.handleLanguages)

	g.server.AddTool(&mcp.Tool{
		Name:        "lsp_servers",
		Description: "List the running language-server instances with status and connection counts.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, g.handleServers)

	g.server.AddTool(&mcp.Tool{
		Name:        "lsp_start_server",
		Description: "Start a language server for a language in a workspace and return its instance id.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"language": {
					Type:        "string",
					Description: "Language id, e.g. typescript or go",
				},
				"workspace": {
					Type:        "string",
					Description: "Workspace identifier, resolved under the gateway's workspace root",
				},
			},
			Required: []string{"language", "workspace"},
		},
	}, g.handleStartServer)

	g.server.AddTool(&mcp.Tool{
		Name:        "lsp_stop_server",
		Description: "Stop a running language-server instance by id.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"serverId": {
					Type:        "string",
					Description: "Instance id returned by lsp_start_server",
				},
			},
			Required: []string{"serverId"},
		},
	}, g.handleStopServer)

	g.server.AddTool(&mcp.Tool{
		Name:        "lsp_request",
		Description: "Forward an LSP request to a running server and return the raw result.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"serverId": {
					Type:        "string",
					Description: "Instance id to send the request to",
				},
				"method": {
					Type:        "string",
					Description: "LSP method, e.g. textDocument/hover",
				},
				"params": {
					Type:        "object",
					Description: "Request params, forwarded verbatim",
				},
			},
			Required: []string{"serverId", "method"},
		},
	}, g.handleRequest)
}

type startServerArgs struct {
	Language  string `mapstructure:"language"`
	Workspace string `mapstructure:"workspace"`
}

type stopServerArgs struct {
	ServerID string `mapstructure:"serverId"`
}

type requestArgs struct {
	ServerID string         `mapstructure:"serverId"`
	Method   string         `mapstructure:"method"`
	Params   map[string]any `mapstructure:"params"`
}

func (g *Gateway) handleLanguages(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return structuredResult(map[string]any{"languages": g.manager.SupportedLanguages()})
}

func (g *Gateway) handleServers(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return structuredResult(map[string]any{"servers": g.manager.ActiveServers()})
}

func (g *Gateway) handleStartServer(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args startServerArgs
	if err := decodeArgs(req, &args); err != nil {
		return toolError(err), nil
	}
	root, err := g.opts.Workspaces(args.Workspace)
	if err != nil {
		return toolError(err), nil
	}
	id, err := g.manager.StartServer(ctx, args.Language, root)
	if err != nil {
		return toolError(err), nil
	}
	return structuredResult(map[string]any{"serverId": id})
}

func (g *Gateway) handleStopServer(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args stopServerArgs
	if err := decodeArgs(req, &args); err != nil {
		return toolError(err), nil
	}
	stopped := g.manager.StopServer(ctx, args.ServerID)
	return structuredResult(map[string]any{"stopped": stopped})
}

func (g *Gateway) handleRequest(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args requestArgs
	if err := decodeArgs(req, &args); err != nil {
		return toolError(err), nil
	}

	connID, err := g.sessionConnection(req.Session, args.ServerID)
	if err != nil {
		return toolError(err), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
	defer cancel()
	result, err := g.manager.SendRequest(callCtx, connID, args.Method, args.Params)
	if err != nil {
		return toolError(err), nil
	}

	var decoded any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			decoded = string(result)
		}
	}
	return structuredResult(map[string]any{"result": decoded})
}

// sessionConnection lazily creates a manager connection binding the MCP
// session to the instance, so progress and notifications attribute to it.
func (g *Gateway) sessionConnection(session *mcp.ServerSession, serverID string) (string, error) {
	ch := g.channelForSession(session)
	connID, err := g.manager.CreateConnection(serverID, ch, "")
	if err != nil {
		return "", err
	}
	g.channels.trackConnection(ch.ID(), connID)
	return connID, nil
}

func (g *Gateway) channelForSession(session *mcp.ServerSession) *sessionChannel {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if ch, ok := g.sessionChannels[session]; ok {
		return ch
	}
	ch := &sessionChannel{id: "mcp-" + ksuid.New().String(), logger: g.opts.Logger}
	g.sessionChannels[session] = ch
	g.channels.add(ch)
	go g.watchSession(session, ch)
	return ch
}

// watchSession detaches the session's channel and connections once the MCP
// session ends, so agent sessions don't accumulate manager state.
func (g *Gateway) watchSession(session *mcp.ServerSession, ch *sessionChannel) {
	_ = session.Wait()
	g.sessionMu.Lock()
	delete(g.sessionChannels, session)
	g.sessionMu.Unlock()
	for _, connID := range g.channels.remove(ch.ID()) {
		g.manager.RemoveConnection(connID)
	}
}

// sessionChannel adapts an MCP tool session to the manager's channel
// interface. The MCP surface is request/response, so server-initiated events
// are only logged.
type sessionChannel struct {
	id     string
	logger *slog.Logger
}

func (c *sessionChannel) ID() string { return c.id }

func (c *sessionChannel) Emit(event string, payload any) {
	c.logger.Debug("dropped server event for mcp session", "channel", c.id, "event", event)
}

func decodeArgs(req *mcp.CallToolRequest, out any) error {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return fmt.Errorf("lspgateway: missing tool arguments")
	}
	var args map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return fmt.Errorf("lspgateway: decode arguments: %w", err)
	}
	if err := mapstructure.Decode(args, out); err != nil {
		return fmt.Errorf("lspgateway: decode arguments: %w", err)
	}
	return nil
}

func structuredResult(payload map[string]any) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("lspgateway: marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: payload,
	}, nil
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

var _ lspmgr.ClientChannel = (*sessionChannel)(nil)
