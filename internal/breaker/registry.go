package breaker

import (
	"sync"

	"github.com/threadcast/threadcast/internal/logger"
)

// Registry owns the set of named breakers. It creates breakers lazily and
// never mutates their state: transitions are the sole responsibility of the
// Breaker itself.
//
// Registries are explicitly constructed and dependency-injected; there is
// no package-level instance.
type Registry struct {
	breakers map[string]*Breaker
	defaults Config
	mu       sync.Mutex
}

// NewRegistry creates an empty registry. The defaults config applies to
// breakers created without an explicit config.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// GetOrCreate returns the breaker for name, creating it on first use.
// Creation is idempotent: concurrent calls for the same unseen name yield
// exactly one instance.
func (r *Registry) GetOrCreate(name string) *Breaker {
	return r.GetOrCreateWith(name, r.defaults)
}

// GetOrCreateWith is GetOrCreate with a per-breaker config. The config only
// applies on first creation; an existing breaker is returned unchanged.
func (r *Registry) GetOrCreateWith(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg)
	r.breakers[name] = b
	logger.Info("Circuit breaker created: %s (threshold: %d, cooldown: %v)",
		name, b.cfg.FailureThreshold, b.cfg.Cooldown)
	return b
}

// Get returns the breaker for name if it exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Remove detaches the named breaker. A subsequent GetOrCreate for the same
// name starts a fresh CLOSED breaker.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return false
	}
	delete(r.breakers, name)
	logger.Info("Circuit breaker removed: %s", name)
	return true
}

// AggregateMetrics returns a health snapshot of every registered breaker.
func (r *Registry) AggregateMetrics() map[string]Metrics {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	// Snapshot outside the registry lock: each breaker guards its own
	// state, and no component holds more than one cross-component lock.
	result := make(map[string]Metrics, len(breakers))
	for _, b := range breakers {
		result[b.Name()] = b.Snapshot()
	}
	return result
}

// Names returns the names of all registered breakers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
