package model

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps the module names of one topology slot to their builders. Names declared
// External have no built-in implementation and resolve once a builder is added for them.
type Registry[B any] struct {
	kind     Kind
	mu       sync.RWMutex
	builders map[string]B
	external map[string]bool
}

// NewRegistry creates an empty registry for kind.
func NewRegistry[B any](kind Kind) *Registry[B] {
	return &Registry[B]{
		kind:     kind,
		builders: make(map[string]B),
		external: make(map[string]bool),
	}
}

// Add registers b under name, replacing an earlier builder or external declaration.
func (r *Registry[B]) Add(name string, b B) *Registry[B] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
	delete(r.external, name)
	return r
}

// External declares names that need an external kernel.
func (r *Registry[B]) External(names ...string) *Registry[B] {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if _, ok := r.builders[n]; !ok {
			r.external[n] = true
		}
	}
	return r
}

// Lookup returns the builder registered under name. It fails with ErrKernelRequired for an
// external name without an implementation and ErrUnknownModule for any other missing name.
func (r *Registry[B]) Lookup(name string) (B, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.builders[name]; ok {
		return b, nil
	}
	var zero B
	if r.external[name] {
		return zero, errors.Wrapf(ErrKernelRequired, "%s %q", r.kind, name)
	}
	return zero, errors.Wrapf(ErrUnknownModule, "%s %q", r.kind, name)
}

// Names returns every registered and external name in sorted order.
func (r *Registry[B]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders)+len(r.external))
	for n := range r.builders {
		out = append(out, n)
	}
	for n := range r.external {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Implemented reports whether name has a builder.
func (r *Registry[B]) Implemented(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}
