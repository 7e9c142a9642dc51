package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/runstate"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/store"
)

var log = ctrl.Log.WithName("runner")

// DefaultRunner implements the Runner interface on top of a scheduler.
type DefaultRunner struct {
	graph     *graph.Graph
	scheduler *scheduler.Scheduler
	store     store.RunStore
	config    RunnerConfig
	newID     func() string

	mu     sync.RWMutex
	active []*runstate.RunState
}

// NewRunner creates a runner for g. st may be nil to skip persistence.
func NewRunner(g *graph.Graph, s *scheduler.Scheduler, st store.RunStore, config RunnerConfig) *DefaultRunner {
	return &DefaultRunner{
		graph:     g,
		scheduler: s,
		store:     st,
		config:    config,
		newID:     uuid.NewString,
	}
}

// NewDefaultRunner creates a runner with default configuration and no store
func NewDefaultRunner(g *graph.Graph, s *scheduler.Scheduler) *DefaultRunner {
	return NewRunner(g, s, nil, DefaultRunnerConfig())
}

// Run executes one run of the graph
func (r *DefaultRunner) Run(ctx context.Context, logicalDate time.Time) (*v1.RunStatus, error) {
	ids := make([]string, 0, r.graph.Len())
	for _, n := range r.graph.Nodes() {
		ids = append(ids, n.ID)
	}
	rs := runstate.New(r.newID(), r.graph.Name(), logicalDate, ids)

	r.track(rs)
	defer r.untrack(rs)

	log.Info("Running pipeline", "pipeline", r.graph.Name(), "run", rs.RunID(), "logicalDate", logicalDate.Format(time.RFC3339))
	runErr := r.scheduler.Execute(ctx, r.graph, rs, r.config.Params)

	status := rs.Snapshot()
	r.persist(ctx, &status)
	return &status, runErr
}

// Trigger adapts Run to a cadence callback.
func (r *DefaultRunner) Trigger(ctx context.Context, logicalDate time.Time) error {
	_, err := r.Run(ctx, logicalDate)
	return err
}

func (r *DefaultRunner) persist(ctx context.Context, status *v1.RunStatus) {
	if r.store == nil {
		return
	}
	// The record is saved even when the run was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PersistTimeout)
	defer cancel()
	if err := r.store.SaveRun(saveCtx, status); err != nil {
		log.Error(err, "Failed to save run", "run", status.RunID)
	}
}

// Current returns a snapshot of the most recently started active run
func (r *DefaultRunner) Current() (v1.RunStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.active) == 0 {
		return v1.RunStatus{}, false
	}
	return r.active[len(r.active)-1].Snapshot(), true
}

// Active returns snapshots of every run in progress, oldest first
func (r *DefaultRunner) Active() []v1.RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]v1.RunStatus, 0, len(r.active))
	for _, rs := range r.active {
		out = append(out, rs.Snapshot())
	}
	return out
}

// Graph returns the graph the runner executes
func (r *DefaultRunner) Graph() *graph.Graph {
	return r.graph
}

func (r *DefaultRunner) track(rs *runstate.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, rs)
}

func (r *DefaultRunner) untrack(rs *runstate.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.active {
		if a == rs {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}
