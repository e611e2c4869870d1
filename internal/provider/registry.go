package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	desc  Descriptor
	impl  Provider
	slots *semaphore.Weighted
}

// Registry maps capabilities to an ordered list of providers. Order of
// registration is the fallback order.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*entry
	byCap  map[string][]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
		byCap:  make(map[string][]*entry),
	}
}

// Register adds a provider. Names are unique across capabilities.
func (r *Registry) Register(desc Descriptor, p Provider) error {
	if desc.Name == "" || desc.Capability == "" || p == nil {
		return fmt.Errorf("register provider: name, capability and implementation are required")
	}
	if desc.MaxConcurrent <= 0 {
		desc.MaxConcurrent = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[desc.Name]; dup {
		return fmt.Errorf("register provider %s: duplicate name", desc.Name)
	}
	e := &entry{desc: desc, impl: p, slots: semaphore.NewWeighted(int64(desc.MaxConcurrent))}
	r.byName[desc.Name] = e
	r.byCap[desc.Capability] = append(r.byCap[desc.Capability], e)
	return nil
}

// Resolve returns the first healthy provider for capability.
func (r *Registry) Resolve(capability string) (Descriptor, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byCap[capability] {
		if e.desc.Healthy {
			return e.desc, e.impl, nil
		}
	}
	return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, capability)
}

// Next returns the healthy provider that follows after in the fallback
// order, wrapping around. When after is the only healthy provider it is
// returned again; when after is unknown Next behaves like Resolve.
func (r *Registry) Next(capability, after string) (Descriptor, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byCap[capability]
	start := -1
	for i, e := range list {
		if e.desc.Name == after {
			start = i
			break
		}
	}
	for step := 1; step <= len(list); step++ {
		e := list[(start+step+len(list))%len(list)]
		if e.desc.Healthy {
			return e.desc, e.impl, nil
		}
	}
	return Descriptor{}, nil, fmt.Errorf("%w: %s", ErrCapabilityUnavailable, capability)
}

// Lookup finds a provider by name regardless of health.
func (r *Registry) Lookup(name string) (Descriptor, Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc, e.impl, true
}

// SetHealthy flips a provider in or out of rotation.
func (r *Registry) SetHealthy(name string, healthy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if ok {
		e.desc.Healthy = healthy
	}
	return ok
}

// HasCapability reports whether any provider, healthy or not, is registered
// for capability.
func (r *Registry) HasCapability(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCap[capability]) > 0
}

// Capabilities lists registered capabilities, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCap))
	for c := range r.byCap {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Descriptors lists every provider, grouped by capability in fallback order.
func (r *Registry) Descriptors() []Descriptor {
	caps := r.Capabilities()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Descriptor
	for _, c := range caps {
		for _, e := range r.byCap[c] {
			out = append(out, e.desc)
		}
	}
	return out
}

// Acquire takes one of the provider's concurrency slots, blocking until one
// frees up or ctx is done.
func (r *Registry) Acquire(ctx context.Context, name string) (func(), error) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", ErrCapabilityUnavailable, name)
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { e.slots.Release(1) }) }, nil
}
