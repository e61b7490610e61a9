package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

type printChannel struct{ id string }

func (c printChannel) ID() string { return c.id }

func (c printChannel) Emit(event string, payload any) {
	fmt.Printf("event %s: %v\n", event, payload)
}

func main() {
	language := pflag.String("language", "go", "language id to start a server for")
	workspace := pflag.String("workspace", ".", "workspace root to run the server in")
	pflag.Parse()

	manager := lspmgr.NewManager(nil, &lspmgr.ManagerOptions{ClientName: "manager-example"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverID, err := manager.StartServer(ctx, *language, *workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start server: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("started %s\n", serverID)

	connID, err := manager.CreateConnection(serverID, printChannel{id: "cli"}, *workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create connection: %v\n", err)
		os.Exit(1)
	}

	for _, info := range manager.ActiveServers() {
		fmt.Printf("server %s status=%s connections=%d\n", info.ServerID, info.Status, info.Connections)
	}

	if files := pflag.Args(); len(files) > 0 {
		data, err := os.ReadFile(files[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", files[0], err)
			os.Exit(1)
		}
		uri := "file://" + files[0]
		if err := manager.HandleDocumentOpen(serverID, lspmgr.DocumentOpen{
			URI:          uri,
			LanguageID:   *language,
			Version:      1,
			Text:         string(data),
			ConnectionID: connID,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", uri, err)
		}
		// Give the server a moment to publish diagnostics for the file.
		time.Sleep(2 * time.Second)
	}

	if err := manager.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}
