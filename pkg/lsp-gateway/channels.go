package lspgateway

import (
	"sync"

	"github.com/idelab/lsp-gateway-go/pkg/lspmgr"
)

// channelRegistry tracks the live client channels and the connection ids
// each of them created, so a dropped channel can be detached cleanly.
type channelRegistry struct {
	mu           sync.RWMutex
	channels     map[string]lspmgr.ClientChannel
	channelConns map[string]map[string]struct{}
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{
		channels:     make(map[string]lspmgr.ClientChannel),
		channelConns: make(map[string]map[string]struct{}),
	}
}

func (r *channelRegistry) add(ch lspmgr.ClientChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
	if r.channelConns[ch.ID()] == nil {
		r.channelConns[ch.ID()] = make(map[string]struct{})
	}
}

// remove drops the channel and returns the connection ids it owned.
func (r *channelRegistry) remove(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.channelConns[channelID]
	delete(r.channels, channelID)
	delete(r.channelConns, channelID)
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

func (r *channelRegistry) trackConnection(channelID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns := r.channelConns[channelID]; conns != nil {
		conns[connID] = struct{}{}
	}
}

func (r *channelRegistry) forgetConnection(channelID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns := r.channelConns[channelID]; conns != nil {
		delete(conns, connID)
	}
}

// broadcast emits an event to every live channel.
func (r *channelRegistry) broadcast(event string, payload any) {
	r.mu.RLock()
	channels := make([]lspmgr.ClientChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.RUnlock()
	for _, ch := range channels {
		ch.Emit(event, payload)
	}
}

func (r *channelRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
