// Package registry holds explicit name→factory maps for every plugin kind
// (parser, exporter, policy, …). Registries are plain values constructed at
// startup and passed by dependency injection; there is no register-on-import
// side effect and no global state, so tests can build isolated sets.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one plugin instance. Factories must be cheap and
// side-effect free; options live on the built value, not the factory.
type Factory[T any] func() T

type Registry[T any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// New creates an empty registry. kind is only used in error messages
// ("parser", "exporter", …).
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]Factory[T]),
	}
}

func (r *Registry[T]) Register(id string, f Factory[T]) error {
	if id == "" {
		return fmt.Errorf("%s registry: 插件 id 不能为空", r.kind)
	}
	if f == nil {
		return fmt.Errorf("%s registry: 插件 %q 的工厂不能为空", r.kind, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("%s registry: 插件 %q 重复注册", r.kind, id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister panics on a duplicate id. Intended for the default registry
// construction at startup where a duplicate is a programmer error.
func (r *Registry[T]) MustRegister(id string, f Factory[T]) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Build constructs a new instance of the plugin registered under id.
func (r *Registry[T]) Build(id string) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s registry: 未知插件 %q", r.kind, id)
	}
	return f(), nil
}

func (r *Registry[T]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
