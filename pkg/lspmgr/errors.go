package lspmgr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by the manager facade. Callers branch with
// errors.Is; the wrapped message carries the offending identifier.
var (
	// ErrNoLanguageConfig reports a language id with no registered server
	// descriptor.
	ErrNoLanguageConfig = errors.New("no language server configured")

	// ErrExecutableNotFound reports that a descriptor's command could not be
	// resolved on PATH. Spawning is never attempted in that case.
	ErrExecutableNotFound = errors.New("language server executable not found")

	// ErrServerNotFound reports an instance id with no live entry in the
	// instance registry.
	ErrServerNotFound = errors.New("server not found")

	// ErrServerNotReady reports an instance that exists but has not completed
	// its initialize handshake, or is already draining.
	ErrServerNotReady = errors.New("server not ready")

	// ErrServerTerminated rejects in-flight requests when the instance's
	// process exits or is torn down.
	ErrServerTerminated = errors.New("server terminated")

	// ErrConnectionNotFound reports an unknown connection id.
	ErrConnectionNotFound = errors.New("connection not found")
)

// JSON-RPC error codes, including the LSP-reserved extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestFailed        = -32803
	CodeServerCancelled      = -32802
	CodeContentModified      = -32801
	CodeRequestCancelled     = -32800
)

// RPCError is a JSON-RPC 2.0 error object as received from a language
// server. It is returned from Call/SendRequest so callers can inspect the
// code the server chose.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("lspmgr: server error %d: %s", e.Code, e.Message)
}
