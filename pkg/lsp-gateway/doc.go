// Package lspgateway exposes a lspmgr.Manager over network surfaces: a
// Streamable MCP server whose tools start, stop, list, and query language
// servers, and a WebSocket endpoint that turns each browser tab into a
// client channel with document sync and request forwarding. Both mount on
// one CORS-wrapped HTTP handler.
//
// Construct a Gateway with NewGateway, then either mount Handler into an
// existing server or call ListenAndServe. Server-status changes are
// broadcast to all channels, debounced so bursts of lifecycle transitions
// coalesce into one update.
package lspgateway
