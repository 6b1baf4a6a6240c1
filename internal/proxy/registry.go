package proxy

import (
	"sync"

	"github.com/trust0/trust0/internal/metrics"
)

// Registry is the process-wide services_by_proxy_key map (spec §4.1): the
// sole cross-component handle used to route Closed events back to the
// owning service. Lock scope is a single get/insert/remove, matching the
// concurrency model in spec §5.
type Registry struct {
	mu  sync.Mutex
	m   map[Key]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[Key]uint64)}
}

// Insert records that key belongs to serviceID. Called from the accept
// path before the corresponding Open* event is published.
func (r *Registry) Insert(key Key, serviceID uint64) {
	r.mu.Lock()
	r.m[key] = serviceID
	r.mu.Unlock()
	metrics.ProxiesOpen(serviceID).Inc()
}

// Lookup returns the service id for key, if it is currently registered.
func (r *Registry) Lookup(key Key) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.m[key]
	return id, ok
}

// Remove deletes key from the registry. Called only after the owning
// service's visitor has removed its local entry (local set → registry
// ordering, per spec §4.1, so a lookup never resolves to a stale service).
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	serviceID, ok := r.m[key]
	delete(r.m, key)
	r.mu.Unlock()
	if ok {
		metrics.ProxiesOpen(serviceID).Dec()
	}
}

// Len returns the number of live entries; used by tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
