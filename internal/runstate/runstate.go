// Package runstate tracks per-task and per-run status for a single run.
//
// A RunState is written by exactly one goroutine, the scheduler's coordinator.
// Readers may take snapshots concurrently.
package runstate

import (
	"fmt"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kination/dagrun/api/v1"
)

var allowed = map[v1.TaskState][]v1.TaskState{
	v1.StatePending:  {v1.StateReady, v1.StateSkipped},
	v1.StateReady:    {v1.StateRunning, v1.StateSkipped},
	v1.StateRunning:  {v1.StateSucceeded, v1.StateFailed, v1.StateRetrying},
	v1.StateRetrying: {v1.StateRunning, v1.StateFailed},
}

type entry struct {
	state     v1.TaskState
	attempts  []v1.Attempt
	skippedBy string
	message   string
}

// RunState is the mutable status of one run.
type RunState struct {
	mu sync.RWMutex

	runID       string
	pipeline    string
	logicalDate time.Time

	phase   v1.RunPhase
	start   time.Time
	end     time.Time
	message string

	order []string
	tasks map[string]*entry
}

// New creates the state of a run in which every task starts Pending.
func New(runID, pipeline string, logicalDate time.Time, taskIDs []string) *RunState {
	rs := &RunState{
		runID:       runID,
		pipeline:    pipeline,
		logicalDate: logicalDate,
		phase:       v1.RunPending,
		order:       append([]string(nil), taskIDs...),
		tasks:       make(map[string]*entry, len(taskIDs)),
	}
	for _, id := range taskIDs {
		rs.tasks[id] = &entry{state: v1.StatePending}
	}
	return rs
}

func (rs *RunState) RunID() string { return rs.runID }

func (rs *RunState) Pipeline() string { return rs.pipeline }

func (rs *RunState) LogicalDate() time.Time { return rs.logicalDate }

// Start marks the run as Running.
func (rs *RunState) Start(at time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.phase = v1.RunRunning
	rs.start = at
}

// Finish records the terminal phase of the run.
func (rs *RunState) Finish(phase v1.RunPhase, at time.Time, message string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.phase = phase
	rs.end = at
	rs.message = message
}

func (rs *RunState) Phase() v1.RunPhase {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.phase
}

// State returns the state of a task.
func (rs *RunState) State(id string) v1.TaskState {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if e, ok := rs.tasks[id]; ok {
		return e.state
	}
	return ""
}

// Transition moves a task to a new state, rejecting moves the state machine
// does not allow.
func (rs *RunState) Transition(id string, to v1.TaskState) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e, ok := rs.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task in run state: %q", id)
	}
	for _, next := range allowed[e.state] {
		if next == to {
			e.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition for %q: %s -> %s", id, e.state, to)
}

// Skip marks a task Skipped because of the failed upstream task cause.
func (rs *RunState) Skip(id, cause, message string) error {
	if err := rs.Transition(id, v1.StateSkipped); err != nil {
		return err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.tasks[id].skippedBy = cause
	rs.tasks[id].message = message
	return nil
}

// BeginAttempt appends a new attempt record and returns its number, starting at 1.
func (rs *RunState) BeginAttempt(id string, at time.Time) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e := rs.tasks[id]
	n := len(e.attempts) + 1
	e.attempts = append(e.attempts, v1.Attempt{Number: n, StartTime: metav1.NewTime(at)})
	return n
}

// EndAttempt completes the latest attempt record of a task.
func (rs *RunState) EndAttempt(id string, outcome v1.Outcome, err error, at time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	e := rs.tasks[id]
	if len(e.attempts) == 0 {
		return
	}
	a := &e.attempts[len(e.attempts)-1]
	end := metav1.NewTime(at)
	a.EndTime = &end
	a.Outcome = outcome
	if err != nil {
		a.Error = err.Error()
		e.message = a.Error
	} else {
		e.message = ""
	}
}

// AttemptCount returns how many attempts a task has started.
func (rs *RunState) AttemptCount(id string) int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if e, ok := rs.tasks[id]; ok {
		return len(e.attempts)
	}
	return 0
}

// Attempts returns a copy of the attempt log of a task.
func (rs *RunState) Attempts(id string) []v1.Attempt {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	e, ok := rs.tasks[id]
	if !ok {
		return nil
	}
	return copyAttempts(e.attempts)
}

// Running returns the number of tasks currently Running.
func (rs *RunState) Running() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	n := 0
	for _, e := range rs.tasks {
		if e.state == v1.StateRunning {
			n++
		}
	}
	return n
}

// InState returns the ids of tasks in the given state, in definition order.
func (rs *RunState) InState(state v1.TaskState) []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	var ids []string
	for _, id := range rs.order {
		if rs.tasks[id].state == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a copy of the run status safe to hand to other goroutines.
func (rs *RunState) Snapshot() v1.RunStatus {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	st := v1.RunStatus{
		RunID:       rs.runID,
		Pipeline:    rs.pipeline,
		LogicalDate: metav1.NewTime(rs.logicalDate),
		Phase:       rs.phase,
		Message:     rs.message,
		Tasks:       make([]v1.TaskStatus, 0, len(rs.order)),
	}
	if !rs.start.IsZero() {
		t := metav1.NewTime(rs.start)
		st.StartTime = &t
	}
	if !rs.end.IsZero() {
		t := metav1.NewTime(rs.end)
		st.EndTime = &t
	}
	for _, id := range rs.order {
		e := rs.tasks[id]
		st.Tasks = append(st.Tasks, v1.TaskStatus{
			Name:      id,
			State:     e.state,
			Attempts:  copyAttempts(e.attempts),
			SkippedBy: e.skippedBy,
			Message:   e.message,
		})
	}
	return st
}

func copyAttempts(in []v1.Attempt) []v1.Attempt {
	if len(in) == 0 {
		return nil
	}
	out := make([]v1.Attempt, len(in))
	for i, a := range in {
		out[i] = a
		if a.EndTime != nil {
			t := *a.EndTime
			out[i].EndTime = &t
		}
	}
	return out
}
