package lspgateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	opts := (*Options)(nil).withDefaults()
	if opts.Addr != ":8750" || opts.MCPPath != "/mcp" || opts.WSPath != "/ws" {
		t.Fatalf("defaults = %+v", opts)
	}
	if opts.Implementation == nil || opts.Implementation.Name != "lsp-gateway" {
		t.Fatalf("default implementation = %+v", opts.Implementation)
	}
	if opts.Workspaces == nil || opts.Logger == nil {
		t.Fatal("defaults missing resolver or logger")
	}

	custom := &Options{Implementation: &mcp.Implementation{Name: "x"}}
	got := custom.withDefaults()
	if got.Implementation == custom.Implementation {
		t.Fatal("withDefaults did not copy Implementation")
	}
}

func TestResolveUnderRoot(t *testing.T) {
	t.Parallel()

	if _, err := resolveUnderRoot("/workspaces", ""); err == nil {
		t.Fatal("empty workspace accepted")
	}
	if _, err := resolveUnderRoot("/workspaces", "/etc"); err == nil {
		t.Fatal("absolute workspace accepted")
	}
	if _, err := resolveUnderRoot("/workspaces", "../escape"); err == nil {
		t.Fatal("escaping workspace accepted")
	}
	path, err := resolveUnderRoot("/workspaces", "demo/app")
	if err != nil || path != "/workspaces/demo/app" {
		t.Fatalf("resolveUnderRoot = %q, %v", path, err)
	}
}

func TestChannelRegistry(t *testing.T) {
	t.Parallel()

	reg := newChannelRegistry()
	ch := &sessionChannel{id: "chan-1", logger: discardLogger()}
	reg.add(ch)
	reg.trackConnection("chan-1", "conn-a")
	reg.trackConnection("chan-1", "conn-b")
	reg.forgetConnection("chan-1", "conn-b")

	if got := reg.count(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	conns := reg.remove("chan-1")
	if len(conns) != 1 || conns[0] != "conn-a" {
		t.Fatalf("remove returned %v, want [conn-a]", conns)
	}
	if got := reg.count(); got != 0 {
		t.Fatalf("count after remove = %d, want 0", got)
	}
	// Tracking against a removed channel is a no-op.
	reg.trackConnection("chan-1", "conn-c")
	if conns := reg.remove("chan-1"); len(conns) != 0 {
		t.Fatalf("stale remove returned %v", conns)
	}
}

func TestGatewayServeMuxAllowsCustomRoutes(t *testing.T) {
	t.Parallel()

	gateway, err := NewGateway(newTestGatewayManager(), &Options{})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	gateway.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := httptest.NewServer(gateway.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("GET /healthz = %d %q", res.StatusCode, body)
	}
}

func TestGatewayToolFlow(t *testing.T) {
	t.Parallel()

	manager := newTestGatewayManager()
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	gateway, err := NewGateway(manager, &Options{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gateway.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: srv.Client(),
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		t.Fatalf("connect to gateway: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	wantTools := map[string]bool{
		"lsp_languages": false, "lsp_servers": false, "lsp_start_server": false,
		"lsp_stop_server": false, "lsp_request": false,
	}
	for _, tool := range tools.Tools {
		if _, ok := wantTools[tool.Name]; ok {
			wantTools[tool.Name] = true
		}
	}
	for name, seen := range wantTools {
		if !seen {
			t.Fatalf("tool %s not advertised", name)
		}
	}

	languages, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "lsp_languages", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool(lsp_languages): %v", err)
	}
	if !resultContains(t, languages, "typescript") {
		t.Fatalf("lsp_languages result missing typescript: %+v", languages)
	}

	started, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lsp_start_server",
		Arguments: map[string]any{"language": "typescript", "workspace": "demo"},
	})
	if err != nil {
		t.Fatalf("CallTool(lsp_start_server): %v", err)
	}
	if started.IsError {
		t.Fatalf("lsp_start_server errored: %s", resultText(t, started))
	}
	serverID := extractField(t, started, "serverId")

	servers, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "lsp_servers", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool(lsp_servers): %v", err)
	}
	if !resultContains(t, servers, serverID) || !resultContains(t, servers, "ready") {
		t.Fatalf("lsp_servers result = %s", resultText(t, servers))
	}

	hover, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "lsp_request",
		Arguments: map[string]any{
			"serverId": serverID,
			"method":   "textDocument/hover",
			"params": map[string]any{
				"textDocument": map[string]any{"uri": "file:///demo/main.ts"},
				"position":     map[string]any{"line": 0, "character": 0},
			},
		},
	})
	if err != nil {
		t.Fatalf("CallTool(lsp_request): %v", err)
	}
	if hover.IsError || !resultContains(t, hover, "scripted hover") {
		t.Fatalf("lsp_request result = %s", resultText(t, hover))
	}

	stopped, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lsp_stop_server",
		Arguments: map[string]any{"serverId": serverID},
	})
	if err != nil {
		t.Fatalf("CallTool(lsp_stop_server): %v", err)
	}
	if !resultContains(t, stopped, "true") {
		t.Fatalf("lsp_stop_server result = %s", resultText(t, stopped))
	}

	// Bad workspace identifiers surface as tool errors, not transport errors.
	escape, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lsp_start_server",
		Arguments: map[string]any{"language": "go", "workspace": "../outside"},
	})
	if err != nil {
		t.Fatalf("CallTool(lsp_start_server escape): %v", err)
	}
	if !escape.IsError {
		t.Fatal("escaping workspace did not produce a tool error")
	}
}

func TestMCPSessionCleanup(t *testing.T) {
	t.Parallel()

	manager := newTestGatewayManager()
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	gateway, err := NewGateway(manager, &Options{WorkspaceRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	srv := httptest.NewServer(gateway.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: srv.Client(),
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "cleanup-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		t.Fatalf("connect to gateway: %v", err)
	}

	started, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "lsp_start_server",
		Arguments: map[string]any{"language": "typescript", "workspace": "demo"},
	})
	if err != nil {
		t.Fatalf("CallTool(lsp_start_server): %v", err)
	}
	serverID := extractField(t, started, "serverId")

	// lsp_request binds the session to the instance through a lazy connection.
	if _, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: "lsp_request",
		Arguments: map[string]any{
			"serverId": serverID,
			"method":   "textDocument/hover",
			"params":   map[string]any{"textDocument": map[string]any{"uri": "file:///demo/main.ts"}},
		},
	}); err != nil {
		t.Fatalf("CallTool(lsp_request): %v", err)
	}
	if got := manager.ConnectionCount(serverID); got != 1 {
		t.Fatalf("ConnectionCount before close = %d, want 1", got)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("session.Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gateway.sessionMu.Lock()
		sessions := len(gateway.sessionChannels)
		gateway.sessionMu.Unlock()
		if sessions == 0 && gateway.channels.count() == 0 && manager.ConnectionCount(serverID) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	gateway.sessionMu.Lock()
	sessions := len(gateway.sessionChannels)
	gateway.sessionMu.Unlock()
	t.Fatalf("after session close: sessions=%d channels=%d connections=%d, want 0/0/0",
		sessions, gateway.channels.count(), manager.ConnectionCount(serverID))
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func resultContains(t *testing.T, result *mcp.CallToolResult, want string) bool {
	t.Helper()
	return strings.Contains(resultText(t, result), want)
}

func extractField(t *testing.T, result *mcp.CallToolResult, field string) string {
	t.Helper()
	text := resultText(t, result)
	marker := `"` + field + `":"`
	at := strings.Index(text, marker)
	if at == -1 {
		t.Fatalf("field %q not in result %s", field, text)
	}
	rest := text[at+len(marker):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		t.Fatalf("field %q malformed in result %s", field, text)
	}
	return rest[:end]
}
