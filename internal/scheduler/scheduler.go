package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	ctrl "sigs.k8s.io/controller-runtime"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/executor"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/retry"
	"github.com/kination/dagrun/internal/runstate"
	"github.com/kination/dagrun/internal/store"
	"github.com/kination/dagrun/pkg/task"
)

var log = ctrl.Log.WithName("scheduler")

// Scheduler executes runs of a graph. It holds no per-run state, so one
// Scheduler may drive several runs.
type Scheduler struct {
	config Config
	exec   executor.Executor
	events Publisher
	now    func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEvents publishes lifecycle events to p.
func WithEvents(p Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithClock replaces time.Now for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that runs attempts through exec.
func New(config Config, exec executor.Executor, opts ...Option) *Scheduler {
	if config.MaxParallelTasks < 1 {
		config.MaxParallelTasks = 1
	}
	if config.Policy == "" {
		config.Policy = PolicyFIFO
	}
	s := &Scheduler{config: config, exec: exec, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDefault creates a Scheduler with the default configuration and a local executor.
func NewDefault() *Scheduler {
	return New(DefaultConfig(), executor.NewLocal())
}

// Config returns the scheduler configuration
func (s *Scheduler) Config() Config {
	return s.config
}

// Execute drives rs to completion over g and returns nil when every task
// succeeded, or a *RunError. Cancelling ctx cancels the run. params are
// handed to every task through its context.
func (s *Scheduler) Execute(ctx context.Context, g *graph.Graph, rs *runstate.RunState, params map[string]string) error {
	r := &run{
		s:           s,
		g:           g,
		rs:          rs,
		params:      params,
		log:         log.WithValues("run", rs.RunID(), "pipeline", rs.Pipeline()),
		ready:       newReadyQueue(s.config.Policy),
		waiting:     make(map[string]int, g.Len()),
		outputs:     make(map[string]any),
		causes:      make(map[string]error),
		timers:      make(map[string]*time.Timer),
		completions: make(chan completion, g.Len()),
		retryDue:    make(chan string, g.Len()),
		workers:     pool.New().WithMaxGoroutines(s.config.MaxParallelTasks),
	}
	return r.loop(ctx)
}

type completion struct {
	id      string
	outcome executor.Outcome
}

// run is the coordinator of one run. Every field is owned by the goroutine
// running loop; workers only send on completions and timers on retryDue.
type run struct {
	s      *Scheduler
	g      *graph.Graph
	rs     *runstate.RunState
	params map[string]string
	log    logr.Logger

	ready   *readyQueue
	waiting map[string]int
	outputs map[string]any
	causes  map[string]error
	timers  map[string]*time.Timer
	running int

	completions chan completion
	retryDue    chan string
	workers     *pool.Pool

	cancelled bool
}

func (r *run) loop(ctx context.Context) error {
	r.rs.Start(r.s.now())
	r.log.Info("Run started", "tasks", r.g.Len())
	r.publish(ctx, store.EventTypeRunStarted, "", 0, nil)

	for _, n := range r.g.Nodes() {
		deps, _ := r.g.DependenciesOf(n.ID)
		r.waiting[n.ID] = len(deps)
		if len(deps) == 0 {
			r.release(n.ID)
		}
	}

	done := ctx.Done()
	for {
		r.dispatch(ctx)
		if r.running == 0 && len(r.timers) == 0 && r.ready.Len() == 0 {
			break
		}
		select {
		case c := <-r.completions:
			r.complete(ctx, c)
		case id := <-r.retryDue:
			if _, ok := r.timers[id]; !ok {
				// Fired after being stopped.
				continue
			}
			delete(r.timers, id)
			node, _ := r.g.Node(id)
			r.ready.push(node)
		case <-done:
			done = nil
			r.cancel(ctx)
		}
	}
	r.workers.Wait()

	return r.finish(ctx)
}

// release marks a Pending task Ready and queues it.
func (r *run) release(id string) {
	if r.cancelled {
		return
	}
	if err := r.rs.Transition(id, v1.StateReady); err != nil {
		r.log.Error(err, "Cannot release task", "task", id)
		return
	}
	node, _ := r.g.Node(id)
	r.ready.push(node)
}

// dispatch starts queued tasks while capacity remains.
func (r *run) dispatch(ctx context.Context) {
	if !r.cancelled && ctx.Err() != nil {
		r.cancel(ctx)
	}
	if r.cancelled {
		return
	}
	for r.running < r.s.config.MaxParallelTasks && r.ready.Len() > 0 {
		id := r.ready.pop()
		if err := r.rs.Transition(id, v1.StateRunning); err != nil {
			r.log.Error(err, "Cannot start task", "task", id)
			continue
		}
		node, _ := r.g.Node(id)
		attempt := r.rs.BeginAttempt(id, r.s.now())
		tc := task.NewContext(r.rs.RunID(), r.rs.Pipeline(), id, attempt, r.rs.LogicalDate(), r.params, r.upstreamOutputs(id))
		taskLog := r.log.WithValues("task", id, "attempt", attempt)
		taskCtx := logf.IntoContext(ctx, taskLog)

		r.running++
		taskLog.Info("Starting task")
		r.publish(ctx, store.EventTypeTaskStarted, id, attempt, nil)

		r.workers.Go(func() {
			r.completions <- completion{id: id, outcome: r.s.exec.Execute(taskCtx, node, tc)}
		})
	}
}

func (r *run) upstreamOutputs(id string) map[string]any {
	deps, _ := r.g.DependenciesOf(id)
	out := make(map[string]any, len(deps))
	for _, dep := range deps {
		if v, ok := r.outputs[dep]; ok {
			out[dep] = v
		}
	}
	return out
}

func (r *run) complete(ctx context.Context, c completion) {
	r.running--
	out := c.outcome
	attempt := r.rs.AttemptCount(c.id)
	r.rs.EndAttempt(c.id, out.Status, out.Err, out.End)
	taskLog := r.log.WithValues("task", c.id, "attempt", attempt, "outcome", out.Status)

	if out.Status == v1.OutcomeSucceeded {
		r.mustTransition(c.id, v1.StateSucceeded)
		if out.Output != nil {
			r.outputs[c.id] = out.Output
		}
		taskLog.Info("Task succeeded", "duration", out.End.Sub(out.Start).String())
		r.publish(ctx, store.EventTypeTaskSucceeded, c.id, attempt, nil)
		r.releaseDependents(c.id)
		return
	}

	if r.cancelled || out.Status == v1.OutcomeCancelled {
		r.mustTransition(c.id, v1.StateFailed)
		r.causes[c.id] = out.Err
		taskLog.Info("Task stopped by cancellation")
		r.publish(ctx, store.EventTypeTaskFailed, c.id, attempt, map[string]interface{}{"error": errString(out.Err)})
		return
	}

	node, _ := r.g.Node(c.id)
	verdict := retry.Decide(attempt, node.Options)
	if !verdict.Exhausted() {
		r.mustTransition(c.id, v1.StateRetrying)
		taskLog.Info("Task failed, retrying", "delay", verdict.Delay.String(), "error", errString(out.Err))
		r.publish(ctx, store.EventTypeTaskRetrying, c.id, attempt, map[string]interface{}{
			"error": errString(out.Err),
			"delay": verdict.Delay.String(),
		})
		r.scheduleRetry(c.id, verdict.Delay)
		return
	}

	r.mustTransition(c.id, v1.StateFailed)
	r.causes[c.id] = fmt.Errorf("%w after %d attempt(s): %w", ErrRetryExhausted, attempt, out.Err)
	taskLog.Error(out.Err, "Task failed")
	r.publish(ctx, store.EventTypeTaskFailed, c.id, attempt, map[string]interface{}{"error": errString(out.Err)})

	if r.s.config.FailFast {
		r.skipDescendants(ctx, c.id)
		return
	}
	r.releaseDependents(c.id)
}

// releaseDependents records that id reached a terminal state and releases the
// dependents left without unresolved upstream tasks.
func (r *run) releaseDependents(id string) {
	downs, _ := r.g.DependentsOf(id)
	for _, d := range downs {
		r.waiting[d]--
		if r.waiting[d] == 0 && r.rs.State(d) == v1.StatePending {
			r.release(d)
		}
	}
}

func (r *run) skipDescendants(ctx context.Context, cause string) {
	msg := fmt.Sprintf("upstream task %s failed", cause)
	for _, d := range r.g.Descendants(cause) {
		if r.rs.State(d) != v1.StatePending {
			continue
		}
		if err := r.rs.Skip(d, cause, msg); err != nil {
			r.log.Error(err, "Cannot skip task", "task", d)
			continue
		}
		r.log.Info("Skipping task", "task", d, "cause", cause)
		r.publish(ctx, store.EventTypeTaskSkipped, d, 0, map[string]interface{}{"cause": cause})
	}
}

func (r *run) scheduleRetry(id string, delay time.Duration) {
	r.timers[id] = time.AfterFunc(delay, func() {
		r.retryDue <- id
	})
}

// cancel stops the run: nothing new starts, queued tasks are skipped and
// tasks waiting for a retry fail. Running tasks observe the cancelled context.
func (r *run) cancel(ctx context.Context) {
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.log.Info("Run cancelled", "running", r.running)

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
		r.failWaiting(ctx, id)
	}
	for _, id := range r.ready.drain() {
		switch r.rs.State(id) {
		case v1.StateRetrying:
			r.failWaiting(ctx, id)
		case v1.StateReady:
			r.skipCancelled(ctx, id)
		}
	}
}

func (r *run) failWaiting(ctx context.Context, id string) {
	r.mustTransition(id, v1.StateFailed)
	r.causes[id] = fmt.Errorf("%w while waiting for retry", ErrRunCancelled)
	r.publish(ctx, store.EventTypeTaskFailed, id, r.rs.AttemptCount(id), map[string]interface{}{"error": ErrRunCancelled.Error()})
}

func (r *run) skipCancelled(ctx context.Context, id string) {
	if err := r.rs.Skip(id, "", "run cancelled"); err != nil {
		r.log.Error(err, "Cannot skip task", "task", id)
		return
	}
	r.publish(ctx, store.EventTypeTaskSkipped, id, 0, map[string]interface{}{"cause": "cancelled"})
}

func (r *run) finish(ctx context.Context) error {
	// Tasks never reached: left behind by cancellation.
	for _, id := range r.rs.InState(v1.StatePending) {
		r.skipCancelled(ctx, id)
	}

	failed := r.rs.InState(v1.StateFailed)
	var (
		phase v1.RunPhase
		kind  error
		event store.EventType
	)
	switch {
	case r.cancelled:
		phase, kind, event = v1.RunCancelled, ErrRunCancelled, store.EventTypeRunCancelled
	case len(failed) > 0:
		phase, kind, event = v1.RunFailed, ErrRunFailed, store.EventTypeRunFailed
	default:
		phase, event = v1.RunSucceeded, store.EventTypeRunSucceeded
	}

	var err error
	msg := ""
	if kind != nil {
		err = &RunError{
			Kind:    kind,
			RunID:   r.rs.RunID(),
			Failed:  failed,
			Skipped: r.rs.InState(v1.StateSkipped),
			Causes:  r.causes,
		}
		msg = err.Error()
	}
	r.rs.Finish(phase, r.s.now(), msg)
	r.publish(ctx, event, "", 0, nil)
	r.log.Info("Run finished", "phase", phase)
	return err
}

func (r *run) mustTransition(id string, to v1.TaskState) {
	if err := r.rs.Transition(id, to); err != nil {
		r.log.Error(err, "Unexpected state transition", "task", id)
	}
}

func (r *run) publish(ctx context.Context, typ store.EventType, taskID string, attempt int, data map[string]interface{}) {
	if r.s.events == nil {
		return
	}
	ev := &store.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: r.s.now(),
		RunID:     r.rs.RunID(),
		Pipeline:  r.rs.Pipeline(),
		TaskName:  taskID,
		Attempt:   attempt,
		Data:      data,
	}
	if err := r.s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Error(err, "Failed to publish event", "type", typ)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
