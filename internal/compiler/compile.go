package compiler

import (
	"fmt"
	"time"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/sdk"
	"github.com/kination/dagrun/internal/trigger"
)

// Compile turns a manifest into a validated graph. Task dependencies and
// flows both become edges; resolve builds the work of every task.
func Compile(p *v1.Pipeline, resolve sdk.Resolver) (*graph.Graph, error) {
	dag := sdk.NewDAG(p.Name,
		sdk.WithDefaults(sdk.DefaultOptions(p.Spec.Defaults)...),
		sdk.WithResolver(resolve),
	)
	for _, spec := range p.Spec.Tasks {
		dag.Operator(spec)
	}
	for _, spec := range p.Spec.Tasks {
		for _, dep := range spec.Dependencies {
			dag.Before(sdk.Ref{dep}, sdk.Ref{spec.Name})
		}
	}
	for _, flow := range p.Spec.Flows {
		steps := make([]sdk.Ref, 0, len(flow.Steps))
		for _, step := range flow.Steps {
			steps = append(steps, sdk.Ref(step))
		}
		dag.Chain(steps...)
	}
	return dag.Build()
}

// SchedulerConfig returns the scheduler settings of p over the defaults.
func SchedulerConfig(p *v1.Pipeline) (scheduler.Config, error) {
	cfg := scheduler.DefaultConfig()
	if p.Spec.MaxParallelTasks > 0 {
		cfg.MaxParallelTasks = int(p.Spec.MaxParallelTasks)
	}
	if p.Spec.FailFast != nil {
		cfg.FailFast = *p.Spec.FailFast
	}
	switch scheduler.Policy(p.Spec.Policy) {
	case "":
	case scheduler.PolicyFIFO, scheduler.PolicyPriority:
		cfg.Policy = scheduler.Policy(p.Spec.Policy)
	default:
		return cfg, fmt.Errorf("pipeline %s: unknown policy %q", p.Name, p.Spec.Policy)
	}
	return cfg, nil
}

// TriggerConfig returns the cadence settings of p over the defaults.
func TriggerConfig(p *v1.Pipeline) trigger.Config {
	s := p.Spec.Schedule
	cfg := trigger.DefaultConfig()
	cfg.Schedule = s.Cron
	cfg.Catchup = s.Catchup
	cfg.Location = time.UTC
	if s.MaxActiveRuns > 0 {
		cfg.MaxActiveRuns = int(s.MaxActiveRuns)
	}
	if s.Overlap != "" {
		cfg.Overlap = s.Overlap
	}
	if s.StartDate != nil {
		cfg.StartDate = s.StartDate.Time
	}
	if s.EndDate != nil {
		cfg.EndDate = s.EndDate.Time
	}
	return cfg
}
