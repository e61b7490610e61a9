package lspmgr

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// fileURI converts an absolute filesystem path into a file:// URI.
func fileURI(path string) string {
	path = filepath.ToSlash(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "file://" + path
}

func pid() int { return os.Getpid() }

// clientCapabilities is the fixed capability set the gateway advertises in
// the initialize handshake. Document sync is full-text with versioning;
// everything else is pass-through.
func clientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"synchronization": map[string]any{
				"didSave":             true,
				"willSave":            false,
				"dynamicRegistration": false,
			},
			"publishDiagnostics": map[string]any{
				"versionSupport": true,
			},
			"hover": map[string]any{
				"contentFormat": []string{"markdown", "plaintext"},
			},
			"completion": map[string]any{
				"completionItem": map[string]any{
					"snippetSupport": false,
				},
			},
		},
		"workspace": map[string]any{
			"workspaceFolders": true,
			"configuration":    false,
		},
		"window": map[string]any{
			"workDoneProgress": true,
		},
	}
}

// mapstructureDecode decodes a loosely-typed JSON map into a tagged struct.
func mapstructureDecode(input map[string]any, out any) error {
	return mapstructure.Decode(input, out)
}

// FramingOf reports the effective framing of a descriptor, applying the
// default when unset.
func FramingOf(desc ServerDescriptor) Framing {
	if desc.Framing == FramingLine {
		return FramingLine
	}
	return FramingContentLength
}

// UsesContentLength reports whether the descriptor speaks the standard LSP
// base protocol framing.
func UsesContentLength(desc ServerDescriptor) bool {
	return FramingOf(desc) == FramingContentLength
}

// SplitConnectionID recovers the channel id suffix from a connection id,
// given the instance it belongs to.
func SplitConnectionID(connID, instanceID string) (channelID string, ok bool) {
	prefix := instanceID + "-"
	if !strings.HasPrefix(connID, prefix) {
		return "", false
	}
	return connID[len(prefix):], true
}
