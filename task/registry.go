package task

import (
	"fmt"
	"sort"
	"sync"
)

// ResourceRequirement declares a named external service a task type needs.
// Tasks of the type are claimable only while the resource is advertised, and
// the resource's max concurrency (if any) is enforced at claim time.
type ResourceRequirement struct {
	Name string
}

// TypeSpec binds a task type string to its handler and static resource
// declarations.
type TypeSpec struct {
	Type      string
	Handler   Handler
	Resources []ResourceRequirement
}

// Registry maps task type strings to their specs. Populated once at startup
// and read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]TypeSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: map[string]TypeSpec{}}
}

// Register adds a type. Registering a duplicate type panics: the registry is
// static configuration and a duplicate is a programming error.
func (r *Registry) Register(spec TypeSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec.Type == "" || spec.Handler == nil {
		panic("task type registration requires a type string and a handler")
	}
	if _, ok := r.specs[spec.Type]; ok {
		panic(fmt.Sprintf("task type %q registered twice", spec.Type))
	}
	r.specs[spec.Type] = spec
}

func (r *Registry) Lookup(taskType string) (TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[taskType]
	return spec, ok
}

// Types lists registered type strings, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
