package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	lspgateway "github.com/idelab/lsp-gateway-go/pkg/lsp-gateway"
	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

// LspService embeds the gateway into a larger IDE backend process.
type LspService struct {
	gateway *lspgateway.Gateway
	manager *lspmgr.Manager
}

func NewLspService(workspaceRoot string) *LspService {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	manager := lspmgr.NewManager(nil, &lspmgr.ManagerOptions{ClientName: "lsp-ide-backend"})
	gateway, err := lspgateway.NewGateway(manager, &lspgateway.Options{
		Addr:          ":8750",
		WorkspaceRoot: workspaceRoot,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	// Run the gateway server in a separate goroutine so it doesn't block.
	go func() {
		err := gateway.ListenAndServe(ctx)
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("gateway server stopped: %v", err)
		}
	}()

	return &LspService{gateway: gateway, manager: manager}
}

// Servers reports the running language-server instances for a UI listing.
func (s *LspService) Servers() []lspmgr.ServerInfo {
	return s.manager.ActiveServers()
}

// Languages reports the language ids a UI can offer to start.
func (s *LspService) Languages() []string {
	return s.manager.SupportedLanguages()
}

// Stop tears down the HTTP surface and every language server.
func (s *LspService) Stop(ctx context.Context) error {
	return errors.Join(s.gateway.Shutdown(ctx), s.manager.Shutdown(ctx))
}

func main() {
	root := "/workspaces"
	if len(os.Args) > 1 {
		root = os.Args[1]
	}
	service := NewLspService(root)
	log.Printf("lsp service running with %d active servers", len(service.Servers()))
	select {}
}
