// Package lspmgr supervises language-server processes and multiplexes many
// client connections onto each server's single stdio transport. It layers
// process lifecycle tracking, JSON-RPC request correlation, and document
// synchronization routing so callers can share one typescript-language-server
// or gopls process across every editor tab in a workspace instead of paying
// for a process per client.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then call StartServer / StopServer to control instances and
//     CreateConnection / RemoveConnection to attach client channels.
//   - Registry (see NewRegistry, DefaultRegistry, LoadRegistryFile) maps
//     language ids to ServerDescriptor launch configurations, with a built-in
//     table plus YAML overrides.
//   - ManagerOptions tune handshake and shutdown timeouts, client identity,
//     JSON-RPC wire logging, and the process Spawner (injectable for tests).
//
// Once a connection exists, HandleDocumentOpen / HandleDocumentChange /
// HandleDocumentClose route textDocument sync to the server with per-instance
// version tracking, and SendRequest forwards arbitrary LSP requests with
// responses scoped to the issuing connection. Server-initiated notifications
// fan out to attached channels; textDocument/publishDiagnostics is filtered
// to connections holding the uri open, and $/progress is routed by work-done
// token.
//
// Instances walk a one-way lifecycle: starting, initializing, ready,
// draining, terminated, with failed reachable from any non-terminal state on
// unexpected process exit. Stopping is two-phase: a polite shutdown/exit
// exchange with bounded timeouts, then SIGTERM escalating to a hard kill.
package lspmgr
