package lspmgr

import "encoding/json"

// DocumentOpen announces that a client opened uri with the given full text.
// ConnectionID, when set, scopes the open to that connection so didClose can
// be withheld while other connections still reference the uri.
type DocumentOpen struct {
	URI          string `json:"uri"`
	LanguageID   string `json:"languageId"`
	Version      int32  `json:"version"`
	Text         string `json:"text"`
	ConnectionID string `json:"-"`
}

// DocumentChange carries incremental or full-text edits. ContentChanges is
// forwarded verbatim; the gateway never interprets edit ranges.
type DocumentChange struct {
	URI            string          `json:"uri"`
	Version        int32           `json:"version"`
	ContentChanges json.RawMessage `json:"contentChanges"`
	ConnectionID   string          `json:"-"`
}

// DocumentClose announces that a client closed uri.
type DocumentClose struct {
	URI          string `json:"uri"`
	ConnectionID string `json:"-"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int32  `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int32  `json:"version"`
}

type didOpenParams struct {
	TextDocument textDocumentItem `json:"textDocument"`
}

type didChangeParams struct {
	TextDocument   versionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges json.RawMessage                 `json:"contentChanges"`
}

type didCloseParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

// HandleDocumentOpen forwards textDocument/didOpen to the instance. Unknown
// or not-ready instances make it a no-op; a reopen at a lower-or-equal
// version than the tracked one is dropped as stale.
func (m *Manager) HandleDocumentOpen(instanceID string, ev DocumentOpen) error {
	inst := m.instance(instanceID)
	if inst == nil || inst.State() != StateReady {
		return nil
	}

	// The connection references the uri even when the forward below is
	// suppressed, so a later close is withheld correctly.
	m.markDocumentOpen(instanceID, ev.ConnectionID, ev.URI)

	inst.mu.Lock()
	if current, ok := inst.docs[ev.URI]; ok && ev.Version <= current {
		inst.mu.Unlock()
		return nil
	}
	inst.docs[ev.URI] = ev.Version
	inst.mu.Unlock()

	return inst.mux.notify("textDocument/didOpen", didOpenParams{
		TextDocument: textDocumentItem{
			URI:        ev.URI,
			LanguageID: ev.LanguageID,
			Version:    ev.Version,
			Text:       ev.Text,
		},
	})
}

// HandleDocumentChange forwards textDocument/didChange. Changes for uris
// that are not open, and changes whose version does not advance the tracked
// one, are dropped silently.
func (m *Manager) HandleDocumentChange(instanceID string, ev DocumentChange) error {
	inst := m.instance(instanceID)
	if inst == nil || inst.State() != StateReady {
		return nil
	}

	inst.mu.Lock()
	current, open := inst.docs[ev.URI]
	if !open || ev.Version <= current {
		inst.mu.Unlock()
		return nil
	}
	inst.docs[ev.URI] = ev.Version
	inst.mu.Unlock()

	return inst.mux.notify("textDocument/didChange", didChangeParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: ev.URI, Version: ev.Version},
		ContentChanges: ev.ContentChanges,
	})
}

// HandleDocumentClose forwards textDocument/didClose once the last
// connection referencing the uri lets go of it. Closing a uri that is not
// open is a no-op.
func (m *Manager) HandleDocumentClose(instanceID string, ev DocumentClose) error {
	inst := m.instance(instanceID)
	if inst == nil || inst.State() != StateReady {
		return nil
	}

	inst.mu.Lock()
	_, open := inst.docs[ev.URI]
	inst.mu.Unlock()
	if !open {
		return nil
	}

	m.markDocumentClosed(instanceID, ev.ConnectionID, ev.URI)
	if m.uriOpenElsewhere(instanceID, ev.URI, ev.ConnectionID) {
		return nil
	}

	inst.mu.Lock()
	delete(inst.docs, ev.URI)
	inst.mu.Unlock()

	return inst.mux.notify("textDocument/didClose", didCloseParams{
		TextDocument: textDocumentIdentifier{URI: ev.URI},
	})
}

// markDocumentOpen records the uri on the connection, ignoring connection
// ids that belong to a different instance.
func (m *Manager) markDocumentOpen(instanceID, connID, uri string) {
	if connID == "" {
		return
	}
	m.mu.RLock()
	conn := m.conns[connID]
	m.mu.RUnlock()
	if conn == nil || conn.instanceID != instanceID {
		return
	}
	conn.mu.Lock()
	conn.openDocs[uri] = struct{}{}
	conn.mu.Unlock()
}

func (m *Manager) markDocumentClosed(instanceID, connID, uri string) {
	if connID == "" {
		return
	}
	m.mu.RLock()
	conn := m.conns[connID]
	m.mu.RUnlock()
	if conn == nil || conn.instanceID != instanceID {
		return
	}
	conn.mu.Lock()
	delete(conn.openDocs, uri)
	conn.mu.Unlock()
}

// uriOpenElsewhere reports whether any other connection on the instance
// still has uri open.
func (m *Manager) uriOpenElsewhere(instanceID, uri, excludeConnID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, conn := range m.conns {
		if id == excludeConnID || conn.instanceID != instanceID {
			continue
		}
		conn.mu.Lock()
		_, open := conn.openDocs[uri]
		conn.mu.Unlock()
		if open {
			return true
		}
	}
	return false
}
