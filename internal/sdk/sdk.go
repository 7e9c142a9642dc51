// Package sdk is the fluent API for defining pipelines in Go.
//
//	dag := sdk.NewDAG("udac_example_dag", sdk.WithDefaults(task.WithRetryLimit(3)))
//	begin := dag.Task("Begin_execution", operator.Noop)
//	stage := sdk.Group(dag.Task("Stage_events", stageEvents), dag.Task("Stage_songs", stageSongs))
//	dag.Chain(begin, stage, dag.Task("Load_songplays_fact_table", loadFact))
//	g, err := dag.Build()
//
// Every builder is self-contained; nothing is registered globally.
package sdk

import (
	"errors"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/pkg/task"
)

// Ref is a set of task ids used as one side of a dependency.
type Ref []string

// Group merges refs so they can be chained as one step.
func Group(refs ...Ref) Ref {
	var out Ref
	for _, r := range refs {
		out = append(out, r...)
	}
	return out
}

// Resolver builds the work of a declarative task.
type Resolver func(spec v1.TaskSpec) (task.Func, error)

// DAGBuilder provides fluent API for building pipelines
type DAGBuilder struct {
	name     string
	defaults task.Options
	resolve  Resolver
	b        *graph.Builder
	errs     []error

	// specs keeps the declarative form of tasks added through Operator.
	specs map[string]*v1.TaskSpec
	order []string
}

// DAGOption configures a DAGBuilder.
type DAGOption func(*DAGBuilder)

// WithDefaults applies opts to every task before its own options.
func WithDefaults(opts ...task.Option) DAGOption {
	return func(d *DAGBuilder) { d.defaults = d.defaults.Apply(opts...) }
}

// WithResolver sets how Operator turns specs into work.
func WithResolver(r Resolver) DAGOption {
	return func(d *DAGBuilder) { d.resolve = r }
}

// NewDAG creates a new pipeline builder
func NewDAG(name string, opts ...DAGOption) *DAGBuilder {
	d := &DAGBuilder{
		name:     name,
		defaults: task.DefaultOptions(),
		b:        graph.NewBuilder(name),
		specs:    make(map[string]*v1.TaskSpec),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the pipeline name
func (d *DAGBuilder) Name() string { return d.name }

// Task adds Go work under id. Errors are collected and reported by Build.
func (d *DAGBuilder) Task(id string, fn task.Func, opts ...task.Option) Ref {
	node := &graph.Node{ID: id, Work: fn, Options: d.defaults.Apply(opts...)}
	if err := d.b.AddTask(node); err != nil {
		d.errs = append(d.errs, err)
	}
	d.order = append(d.order, id)
	return Ref{id}
}

// Operator adds a declarative task whose work comes from the resolver.
// Spec overrides (retries, timeout...) win over the DAG defaults.
func (d *DAGBuilder) Operator(spec v1.TaskSpec) Ref {
	if d.resolve == nil {
		d.errs = append(d.errs, fmt.Errorf("task %s: no operator resolver configured", spec.Name))
		return Ref{spec.Name}
	}
	work, err := d.resolve(spec)
	if err != nil {
		d.errs = append(d.errs, err)
		return Ref{spec.Name}
	}
	ref := d.Task(spec.Name, work, SpecOptions(spec)...)
	s := spec
	s.Dependencies = nil
	d.specs[spec.Name] = &s
	return ref
}

// Before makes every task of up run before every task of down.
func (d *DAGBuilder) Before(up, down Ref) *DAGBuilder {
	if err := d.b.AddEdges(up, down); err != nil {
		d.errs = append(d.errs, err)
		return d
	}
	for _, dn := range down {
		s, ok := d.specs[dn]
		if !ok {
			continue
		}
		for _, u := range up {
			if !contains(s.Dependencies, u) {
				s.Dependencies = append(s.Dependencies, u)
			}
		}
	}
	return d
}

// Chain links consecutive steps, the equivalent of a >> [b, c] >> d.
func (d *DAGBuilder) Chain(steps ...Ref) *DAGBuilder {
	for i := 1; i < len(steps); i++ {
		d.Before(steps[i-1], steps[i])
	}
	return d
}

// Build validates the pipeline and returns its graph. All errors collected
// while building are returned together.
func (d *DAGBuilder) Build() (*graph.Graph, error) {
	if len(d.errs) > 0 {
		return nil, fmt.Errorf("pipeline %s: %w", d.name, errors.Join(d.errs...))
	}
	return d.b.Build()
}

// Manifest returns the declarative form of the pipeline. It fails when a
// task was added as Go code, since such work has no manifest form.
func (d *DAGBuilder) Manifest() (*v1.Pipeline, error) {
	p := &v1.Pipeline{
		TypeMeta:   metav1.TypeMeta{APIVersion: v1.APIVersion, Kind: v1.PipelineKind},
		ObjectMeta: metav1.ObjectMeta{Name: d.name},
	}
	p.Spec.Defaults = DefaultArgs(d.defaults)
	for _, id := range d.order {
		s, ok := d.specs[id]
		if !ok {
			return nil, fmt.Errorf("task %s is Go code and has no manifest form", id)
		}
		p.Spec.Tasks = append(p.Spec.Tasks, *s)
	}
	return p, nil
}

// SpecOptions converts the overrides of a task spec into options.
func SpecOptions(spec v1.TaskSpec) []task.Option {
	var opts []task.Option
	if spec.RetryLimit != nil {
		opts = append(opts, task.WithRetryLimit(int(*spec.RetryLimit)))
	}
	if spec.RetryDelay != nil {
		opts = append(opts, task.WithRetryDelay(spec.RetryDelay.Duration))
	}
	if spec.ExponentialBackoff != nil {
		on := *spec.ExponentialBackoff
		opts = append(opts, func(o *task.Options) { o.ExponentialBackoff = on })
	}
	if spec.MaxRetryDelay != nil {
		opts = append(opts, func(o *task.Options) { o.MaxRetryDelay = spec.MaxRetryDelay.Duration })
	}
	if spec.Timeout != nil {
		opts = append(opts, task.WithTimeout(spec.Timeout.Duration))
	}
	if spec.Priority != nil {
		opts = append(opts, task.WithPriority(int(*spec.Priority)))
	}
	return opts
}

// DefaultOptions converts pipeline defaults into options.
func DefaultOptions(args v1.DefaultArgs) []task.Option {
	var opts []task.Option
	if args.RetryLimit != nil {
		opts = append(opts, task.WithRetryLimit(int(*args.RetryLimit)))
	}
	if args.RetryDelay != nil {
		opts = append(opts, task.WithRetryDelay(args.RetryDelay.Duration))
	}
	if args.ExponentialBackoff {
		var max time.Duration
		if args.MaxRetryDelay != nil {
			max = args.MaxRetryDelay.Duration
		}
		opts = append(opts, task.WithExponentialBackoff(max))
	}
	if args.Timeout != nil {
		opts = append(opts, task.WithTimeout(args.Timeout.Duration))
	}
	return opts
}

// DefaultArgs is the inverse of DefaultOptions.
func DefaultArgs(o task.Options) v1.DefaultArgs {
	limit := int32(o.RetryLimit)
	args := v1.DefaultArgs{
		RetryLimit:         &limit,
		RetryDelay:         &metav1.Duration{Duration: o.RetryDelay},
		ExponentialBackoff: o.ExponentialBackoff,
	}
	if o.MaxRetryDelay > 0 {
		args.MaxRetryDelay = &metav1.Duration{Duration: o.MaxRetryDelay}
	}
	if o.Timeout > 0 {
		args.Timeout = &metav1.Duration{Duration: o.Timeout}
	}
	return args
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}
