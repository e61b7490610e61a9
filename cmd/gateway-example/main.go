package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	lspgateway "github.com/idelab/lsp-gateway-go/pkg/lsp-gateway"
	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

func main() {
	addr := pflag.String("addr", ":8750", "listen address")
	workspaceRoot := pflag.String("workspace-root", "/workspaces", "directory workspace identifiers resolve under")
	registryPath := pflag.String("registry", "", "optional YAML language-server registry")
	origins := pflag.StringSlice("origin", nil, "allowed CORS/WebSocket origins (default: any)")
	logWire := pflag.Bool("log-jsonrpc", false, "log raw JSON-RPC traffic at debug level")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := lspmgr.DefaultRegistry()
	if *registryPath != "" {
		loaded, err := lspmgr.LoadRegistryFile(*registryPath)
		if err != nil {
			log.Fatalf("failed to load registry %s: %v", *registryPath, err)
		}
		registry = loaded
	}

	managerOpts := &lspmgr.ManagerOptions{ClientName: "gateway-example"}
	if *logWire {
		managerOpts.LogJSONRPC = true
		managerOpts.RPCLogger = func(event lspmgr.RPCLogEvent) {
			logger.Debug("jsonrpc", "direction", event.Direction, "server", event.ServerID, "payload", string(event.Payload))
		}
	}
	manager := lspmgr.NewManager(registry, managerOpts)

	gateway, err := lspgateway.NewGateway(manager, &lspgateway.Options{
		Addr:           *addr,
		WorkspaceRoot:  *workspaceRoot,
		AllowedOrigins: *origins,
		Logger:         logger,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	log.Printf("gateway serving MCP on %s/mcp and WebSocket on %s/ws", *addr, *addr)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("manager shutdown: %v", err)
	}
}
