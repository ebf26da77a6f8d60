package scanner

import (
	"fmt"
	"sort"

	"github.com/DrSkyle/reaper/pkg/resources"
)

// Constructor builds a fresh plugin instance.
type Constructor func() Plugin

type entry struct {
	key  string
	ctor Constructor
}

// Registry maps providers to their plugins and detectors. It is populated
// at process start and only read afterwards.
type Registry struct {
	plugins   map[resources.Provider][]entry
	detectors map[resources.Provider]Detector
}

// Default is filled by the provider packages' init functions.
var Default = NewRegistry()

// NewRegistry creates a new scanner registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:   make(map[resources.Provider][]entry),
		detectors: make(map[resources.Provider]Detector),
	}
}

// Register adds a plugin constructor for provider. It panics on a duplicate
// or reserved category key, which is a programming error.
func (r *Registry) Register(provider resources.Provider, ctor Constructor) {
	key := ctor().CategoryKey()
	if key == "" {
		panic(fmt.Sprintf("scanner: empty category key for provider %s", provider))
	}
	if _, reserved := reservedKeys[key]; reserved {
		panic(fmt.Sprintf("scanner: category key %q is reserved", key))
	}
	for _, e := range r.plugins[provider] {
		if e.key == key {
			panic(fmt.Sprintf("scanner: duplicate category %q for provider %s", key, provider))
		}
	}
	r.plugins[provider] = append(r.plugins[provider], entry{key: key, ctor: ctor})
}

// RegisterDetector sets the detector for its provider.
func (r *Registry) RegisterDetector(d Detector) {
	r.detectors[d.ProviderName()] = d
}

// PluginsFor returns fresh plugin instances in registration order.
func (r *Registry) PluginsFor(provider resources.Provider) []Plugin {
	entries := r.plugins[provider]
	out := make([]Plugin, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ctor())
	}
	return out
}

// Categories returns the category keys registered for provider.
func (r *Registry) Categories(provider resources.Provider) []string {
	entries := r.plugins[provider]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.key)
	}
	return out
}

// Detector returns the detector for provider, if any.
func (r *Registry) Detector(provider resources.Provider) (Detector, bool) {
	d, ok := r.detectors[provider]
	return d, ok
}

// Providers lists providers with at least one plugin.
func (r *Registry) Providers() []resources.Provider {
	out := make([]resources.Provider, 0, len(r.plugins))
	for p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
