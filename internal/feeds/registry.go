package feeds

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
)

// Registry collects feed sources by service before a binary hands them to
// the engine.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]importer.FeedSource
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]importer.FeedSource)}
}

// Register adds a source; registering a service twice is a programming error.
func (r *Registry) Register(src importer.FeedSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sources[src.Service()]; dup {
		return fmt.Errorf("feed source for %q already registered", src.Service())
	}
	r.sources[src.Service()] = src
	return nil
}

// Lookup returns the source for a service.
func (r *Registry) Lookup(service string) (importer.FeedSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[service]
	return src, ok
}

// Services lists registered services, sorted.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for svc := range r.sources {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// All returns every registered source.
func (r *Registry) All() []importer.FeedSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]importer.FeedSource, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src)
	}
	return out
}
