package lspmgr

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// progressTracker routes $/progress notifications back to the connection
// whose request registered the work-done token. Registrations outlive the
// request by a short grace period because servers commonly emit the final
// progress report after the response.
type progressTracker struct {
	seq atomic.Uint64

	mu     sync.RWMutex
	tokens map[string]progressRegistration

	cleanupGrace time.Duration
}

type progressRegistration struct {
	connID string
	seq    uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker() *progressTracker {
	return &progressTracker{
		tokens:       make(map[string]progressRegistration),
		cleanupGrace: progressCleanupGrace,
	}
}

// track inspects a request's params for a workDoneToken and, when present,
// maps it to connID. The returned cleanup schedules removal after the grace
// period.
func (pt *progressTracker) track(instanceID, connID string, params json.RawMessage) func() {
	if connID == "" || len(params) == 0 {
		return func() {}
	}
	var probe struct {
		WorkDoneToken any `json:"workDoneToken"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.WorkDoneToken == nil {
		return func() {}
	}
	return pt.register(instanceID, connID, probe.WorkDoneToken)
}

func (pt *progressTracker) register(instanceID, connID string, token any) func() {
	key, ok := progressMapKey(instanceID, token)
	if !ok {
		return func() {}
	}
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.tokens[key] = progressRegistration{connID: connID, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, connID, seq)
	}
}

func (pt *progressTracker) removeLater(key, connID string, seq uint64) {
	grace := pt.cleanupGrace
	if grace <= 0 {
		pt.removeIfMatch(key, connID, seq)
		return
	}
	time.AfterFunc(grace, func() {
		pt.removeIfMatch(key, connID, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key, connID string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.tokens[key]; ok && current.seq == seq && current.connID == connID {
		delete(pt.tokens, key)
	}
	pt.mu.Unlock()
}

// lookup resolves the connection a token belongs to; empty when unknown.
func (pt *progressTracker) lookup(instanceID string, token any) string {
	key, ok := progressMapKey(instanceID, token)
	if !ok {
		return ""
	}
	pt.mu.RLock()
	connID := pt.tokens[key].connID
	pt.mu.RUnlock()
	return connID
}

// dropInstance forgets every token registered against an instance.
func (pt *progressTracker) dropInstance(instanceID string) {
	prefix := instanceID + "|"
	pt.mu.Lock()
	for key := range pt.tokens {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(pt.tokens, key)
		}
	}
	pt.mu.Unlock()
}

func progressMapKey(instanceID string, token any) (string, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return "", false
	}
	switch v := normalized.(type) {
	case string:
		return instanceID + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", instanceID, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken collapses the integer and string shapes LSP allows
// for progress tokens into a canonical form.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}
