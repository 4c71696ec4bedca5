// Package plugins defines the statistics providers the cache layer fronts
package plugins

import (
	"sort"
	"sync"
	"time"

	"github.com/briangreenhill/statcache/fetch"
)

// Source is one statistics provider
type Source interface {
	// Name returns the name of the source (e.g., "nba", "odds")
	Name() string

	// Resolve turns an entity request into the upstream call and its cache
	// policy. Unknown entities and missing parameters are validation errors.
	Resolve(entity string, params map[string]string) (Request, error)
}

// Request is a resolved provider call
type Request struct {
	Source   string
	Entity   string
	Key      string
	Category string
	TTL      time.Duration
	URL      string
	Fetch    fetch.Options

	// FieldURLs is set for partial entities: one upstream URL per
	// independently retriable sub-result
	FieldURLs map[string]string
}

// Fields returns the sub-result names of a partial request, sorted
func (r Request) Fields() []string {
	names := make([]string, 0, len(r.FieldURLs))
	for k := range r.FieldURLs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Partial reports whether the request is made of sub-results
func (r Request) Partial() bool { return len(r.FieldURLs) > 0 }

// Registry manages available sources
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a new source registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Source),
	}
}

// Register adds a source to the registry, replacing one with the same name
func (r *Registry) Register(source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source.Name()] = source
}

// Get retrieves a source by name
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	source, exists := r.sources[name]
	return source, exists
}

// List returns all registered source names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
