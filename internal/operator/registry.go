// Package operator turns declarative task specs into task work.
package operator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/connector"
	"github.com/kination/dagrun/internal/warehouse"
	"github.com/kination/dagrun/pkg/task"
)

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	Warehouse   warehouse.Opener
	Connections *connector.Registry
	Kube        client.Client
	Namespace   string
}

// Factory builds the work of a task from its spec.
type Factory func(spec v1.TaskSpec, deps Deps) (task.Func, error)

// Registry manages operator registration and lookup
type Registry struct {
	mu        sync.RWMutex
	factories map[v1.OperatorKind]Factory
}

// NewRegistry creates a registry that already knows the noop operator
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[v1.OperatorKind]Factory),
	}
	r.Register(v1.OperatorNoop, func(v1.TaskSpec, Deps) (task.Func, error) { return Noop, nil })
	return r
}

// Register adds or replaces the factory of an operator kind
func (r *Registry) Register(kind v1.OperatorKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Get retrieves the factory for the given kind
func (r *Registry) Get(kind v1.OperatorKind) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("no operator registered for kind: %s", kind)
	}
	return f, nil
}

// Has checks if an operator kind is registered
func (r *Registry) Has(kind v1.OperatorKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[kind]
	return ok
}

// Kinds returns all registered operator kinds, sorted
func (r *Registry) Kinds() []v1.OperatorKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]v1.OperatorKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Build resolves the factory of spec.Operator and builds the task work.
func (r *Registry) Build(spec v1.TaskSpec, deps Deps) (task.Func, error) {
	f, err := r.Get(spec.Operator)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", spec.Name, err)
	}
	work, err := f(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", spec.Name, err)
	}
	return work, nil
}

// Resolver binds deps to Build. The result satisfies sdk.Resolver.
func (r *Registry) Resolver(deps Deps) func(v1.TaskSpec) (task.Func, error) {
	return func(spec v1.TaskSpec) (task.Func, error) { return r.Build(spec, deps) }
}

// Noop does nothing. It marks the start and end of pipelines.
func Noop(context.Context, *task.Context) error { return nil }

// Require returns the named params, failing on the first missing one.
func Require(spec v1.TaskSpec, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, ok := spec.Params[k]
		if !ok || v == "" {
			return nil, fmt.Errorf("operator %s requires param %q", spec.Operator, k)
		}
		out[k] = v
	}
	return out, nil
}

// Param returns an optional param or def.
func Param(spec v1.TaskSpec, key, def string) string {
	if v, ok := spec.Params[key]; ok && v != "" {
		return v
	}
	return def
}
