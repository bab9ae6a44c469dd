// Package registry holds the global insertion-ordered list of pending
// create_disk requests, kept whether or not their base device has appeared,
// per spec §4.6.
package registry

import (
	"sync"

	"github.com/simplyblock-io/vbdev-passthru/internal/config"
)

// Registry is the pending-names list: create_disk requests are recorded
// here regardless of whether the base device is present yet, and stay
// recorded after successful registration so a later hot-remove/reattach
// cycle can find them again. Entries are removed only by explicit
// deletion.
type Registry struct {
	mu      sync.Mutex
	pending []*config.VirtualDeviceConfig
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert records cfg as pending, keyed by its VbdevName. Returns false if
// an entry with the same VbdevName already exists.
func (r *Registry) Insert(cfg *config.VirtualDeviceConfig) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pending {
		if p.VbdevName == cfg.VbdevName {
			return false
		}
	}
	r.pending = append(r.pending, cfg)
	return true
}

// Remove deletes the entry for vbdevName, if present.
func (r *Registry) Remove(vbdevName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.pending {
		if p.VbdevName == vbdevName {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Get returns the pending entry for vbdevName, if any.
func (r *Registry) Get(vbdevName string) (*config.VirtualDeviceConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.pending {
		if p.VbdevName == vbdevName {
			return p, true
		}
	}
	return nil, false
}

// MatchingBase returns, in insertion order, every pending entry whose
// BaseBdevName equals baseBdevName — the set of registration attempts a
// base-device-arrival event must retry.
func (r *Registry) MatchingBase(baseBdevName string) []*config.VirtualDeviceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*config.VirtualDeviceConfig
	for _, p := range r.pending {
		if p.BaseBdevName == baseBdevName {
			out = append(out, p)
		}
	}
	return out
}

// All returns every pending entry in insertion order.
func (r *Registry) All() []*config.VirtualDeviceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*config.VirtualDeviceConfig, len(r.pending))
	copy(out, r.pending)
	return out
}

// Drain empties the registry, returning what it held. Used at module
// teardown (spec's "Finish").
func (r *Registry) Drain() []*config.VirtualDeviceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.pending
	r.pending = nil
	return out
}
