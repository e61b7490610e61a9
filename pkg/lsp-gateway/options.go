package lspgateway

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// WorkspaceResolver maps a client-supplied workspace identifier to the
// absolute path language servers should run in.
type WorkspaceResolver func(workspace string) (string, error)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8750".
	Addr string
	// MCPPath mounts the Streamable MCP handler. Defaults to "/mcp".
	MCPPath string
	// WSPath mounts the WebSocket client-channel endpoint. Defaults to "/ws".
	WSPath string
	// WorkspaceRoot is the directory workspace identifiers resolve under when
	// no Workspaces resolver is provided.
	WorkspaceRoot string
	// Workspaces resolves workspace identifiers to absolute paths.
	Workspaces WorkspaceResolver
	// AllowedOrigins feeds the CORS layer and the WebSocket origin check.
	// Empty allows any origin.
	AllowedOrigins []string
	// RequestTimeout bounds forwarded LSP requests issued through gateway
	// surfaces.
	RequestTimeout time.Duration
	// StatusDebounce coalesces server-status broadcasts when the active
	// instance set changes in bursts.
	StatusDebounce time.Duration
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "lsp-gateway",
			Title:   "LSP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8750"
	}
	if opts.MCPPath == "" {
		opts.MCPPath = "/mcp"
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = "/workspaces"
	}
	if opts.Workspaces == nil {
		root := opts.WorkspaceRoot
		opts.Workspaces = func(workspace string) (string, error) {
			return resolveUnderRoot(root, workspace)
		}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.StatusDebounce <= 0 {
		opts.StatusDebounce = 150 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// resolveUnderRoot joins workspace onto root, rejecting identifiers that
// would escape it.
func resolveUnderRoot(root, workspace string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("lspgateway: empty workspace identifier")
	}
	if filepath.IsAbs(workspace) {
		return "", fmt.Errorf("lspgateway: workspace identifier %q must be relative", workspace)
	}
	joined := filepath.Join(root, workspace)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("lspgateway: workspace identifier %q escapes root", workspace)
	}
	return joined, nil
}
