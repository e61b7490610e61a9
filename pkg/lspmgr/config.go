package lspmgr

import "time"

// RPCDirection indicates whether a logged JSON-RPC message was sent to or
// received from a language server.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent describes a single JSON-RPC message crossing a server's stdio
// boundary.
type RPCLogEvent struct {
	Direction RPCDirection
	ServerID  string
	Payload   []byte
}

// RPCLogger receives wire-level traffic when LogJSONRPC is enabled. The
// callback runs on the transport goroutines and must not block.
type RPCLogger func(event RPCLogEvent)

// ManagerOptions tune manager behaviour. The zero value is usable; missing
// fields fall back to defaults.
type ManagerOptions struct {
	// Spawner launches server processes. Defaults to exec.Cmd on the host.
	Spawner Spawner

	// StartupTimeout bounds the initialize handshake.
	StartupTimeout time.Duration

	// ShutdownTimeout bounds the polite shutdown request while draining.
	ShutdownTimeout time.Duration

	// TerminateGrace is how long a process gets between SIGTERM and a hard
	// kill.
	TerminateGrace time.Duration

	// ClientName and ClientVersion are reported in the initialize handshake.
	ClientName    string
	ClientVersion string

	// LogJSONRPC enables RPCLogger delivery of raw wire traffic.
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

const (
	defaultStartupTimeout  = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultTerminateGrace  = 3 * time.Second
	defaultClientName      = "lsp-gateway"
	defaultClientVersion   = "1.0.0"
)

func (o *ManagerOptions) normalized() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.Spawner == nil {
		opts.Spawner = execSpawner{}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = defaultTerminateGrace
	}
	if opts.ClientName == "" {
		opts.ClientName = defaultClientName
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = defaultClientVersion
	}
	return opts
}

func (o ManagerOptions) rpcLog(direction RPCDirection, serverID string, payload []byte) {
	if !o.LogJSONRPC || o.RPCLogger == nil {
		return
	}
	o.RPCLogger(RPCLogEvent{Direction: direction, ServerID: serverID, Payload: payload})
}
