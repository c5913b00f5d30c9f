// Package source maps normalized host keys to site parser factories.
package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Factory builds a Source for one job.
type Factory func() crawler.Source

// Registry resolves job URLs to site parsers. It is populated once at
// startup and is safe for concurrent lookups.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds each host to factory. Hosts are normalized the same way
// job URLs are, so "www.example.com" and "example.com" share one entry.
func (r *Registry) Register(hosts []string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, host := range hosts {
		key, err := crawler.HostKey(host)
		if err != nil {
			return fmt.Errorf("register %q: %w", host, err)
		}
		if _, exists := r.factories[key]; exists {
			return fmt.Errorf("host %q already registered", key)
		}
		r.factories[key] = factory
	}
	return nil
}

// Resolve returns a fresh Source for the URL's host.
func (r *Registry) Resolve(rawURL string) (crawler.Source, error) {
	key, err := crawler.HostKey(rawURL)
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrNoSource, key)
	}
	return factory(), nil
}

// Hosts lists registered host keys in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]string, 0, len(r.factories))
	for host := range r.factories {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}
