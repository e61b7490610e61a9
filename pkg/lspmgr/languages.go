package lspmgr

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

// ServerDescriptor declares how to launch one language server and which
// language ids it serves. Name doubles as the primary language id.
type ServerDescriptor struct {
	Name      string            `yaml:"name" json:"name"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args,omitempty"`
	Languages []string          `yaml:"languages" json:"languages,omitempty"`
	Env       map[string]string `yaml:"env" json:"env,omitempty"`
	Framing   Framing           `yaml:"framing" json:"framing,omitempty"`
}

// Serves reports whether the descriptor claims languageID, either as its
// primary name or as an alias.
func (d ServerDescriptor) Serves(languageID string) bool {
	if d.Name == languageID {
		return true
	}
	for _, l := range d.Languages {
		if l == languageID {
			return true
		}
	}
	return false
}

// Registry maps language ids to server descriptors. Descriptors live in
// priority tiers: a lookup consults earlier tiers first, and within a tier a
// primary-name match beats an alias. The zero value is not usable; construct
// with NewRegistry or DefaultRegistry.
type Registry struct {
	mu    sync.RWMutex
	tiers [][]ServerDescriptor
}

// NewRegistry builds a single-tier registry from the given descriptors.
func NewRegistry(descriptors ...ServerDescriptor) *Registry {
	return &Registry{tiers: [][]ServerDescriptor{append([]ServerDescriptor(nil), descriptors...)}}
}

// DefaultRegistry returns a registry preloaded with the built-in descriptor
// table for the toolchains the workspace containers ship.
func DefaultRegistry() *Registry {
	return NewRegistry(builtinDescriptors()...)
}

func builtinDescriptors() []ServerDescriptor {
	return []ServerDescriptor{
		{
			Name:      "typescript",
			Command:   "typescript-language-server",
			Args:      []string{"--stdio"},
			Languages: []string{"typescript", "javascript", "typescriptreact", "javascriptreact"},
		},
		{
			Name:      "go",
			Command:   "gopls",
			Languages: []string{"go", "gomod", "gosum"},
		},
		{
			Name:      "python",
			Command:   "pyright-langserver",
			Args:      []string{"--stdio"},
			Languages: []string{"python"},
		},
		{
			Name:      "rust",
			Command:   "rust-analyzer",
			Languages: []string{"rust"},
		},
		{
			Name:      "cpp",
			Command:   "clangd",
			Args:      []string{"--background-index"},
			Languages: []string{"cpp", "c", "cuda-cpp"},
		},
		{
			Name:      "java",
			Command:   "jdtls",
			Languages: []string{"java"},
		},
	}
}

// registryFile is the on-disk YAML shape: a servers list, optionally merged
// over the built-in table.
type registryFile struct {
	IncludeDefaults bool               `yaml:"includeDefaults"`
	Servers         []ServerDescriptor `yaml:"servers"`
}

// ParseRegistryYAML builds a registry from YAML configuration. Configured
// descriptors take priority over built-ins when includeDefaults is set: they
// form their own tier, so even an alias claim in the config beats a built-in
// primary name.
func ParseRegistryYAML(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("lspmgr: parse registry config: %w", err)
	}
	for i, d := range file.Servers {
		if d.Name == "" {
			return nil, fmt.Errorf("lspmgr: registry config: server %d has no name", i)
		}
		if d.Command == "" {
			return nil, fmt.Errorf("lspmgr: registry config: server %q has no command", d.Name)
		}
		if d.Framing != "" && d.Framing != FramingContentLength && d.Framing != FramingLine {
			return nil, fmt.Errorf("lspmgr: registry config: server %q has unknown framing %q", d.Name, d.Framing)
		}
	}
	reg := NewRegistry(file.Servers...)
	if file.IncludeDefaults {
		reg.tiers = append(reg.tiers, builtinDescriptors())
	}
	return reg, nil
}

// LoadRegistryFile reads a registry configuration from path.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lspmgr: read registry config: %w", err)
	}
	return ParseRegistryYAML(data)
}

// Register adds or replaces a descriptor by name. New descriptors land in
// the highest-priority tier.
func (r *Registry) Register(desc ServerDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ti, tier := range r.tiers {
		for i, d := range tier {
			if d.Name == desc.Name {
				r.tiers[ti][i] = desc
				return
			}
		}
	}
	if len(r.tiers) == 0 {
		r.tiers = [][]ServerDescriptor{nil}
	}
	r.tiers[0] = append(r.tiers[0], desc)
}

// SupportedLanguages returns every language id any descriptor claims,
// deduplicated and sorted.
func (r *Registry) SupportedLanguages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tier := range r.tiers {
		for _, d := range tier {
			seen[d.Name] = struct{}{}
			for _, l := range d.Languages {
				seen[l] = struct{}{}
			}
		}
	}
	languages := make([]string, 0, len(seen))
	for l := range seen {
		languages = append(languages, l)
	}
	sort.Strings(languages)
	return languages
}

// ServerConfig resolves the descriptor for languageID. Earlier tiers win
// outright; within a tier, a descriptor whose primary name matches wins over
// one that only lists the id as an alias.
func (r *Registry) ServerConfig(languageID string) (ServerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, tier := range r.tiers {
		for _, d := range tier {
			if d.Name == languageID {
				return d, true
			}
		}
		for _, d := range tier {
			if d.Serves(languageID) {
				return d, true
			}
		}
	}
	return ServerDescriptor{}, false
}

// Descriptors returns a snapshot of the registered descriptors in priority
// order.
func (r *Registry) Descriptors() []ServerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServerDescriptor
	for _, tier := range r.tiers {
		out = append(out, tier...)
	}
	return out
}

// NormalizeLanguageID lowercases and trims a client-supplied language id so
// lookup is tolerant of editor casing.
func NormalizeLanguageID(languageID string) string {
	return strings.ToLower(strings.TrimSpace(languageID))
}
