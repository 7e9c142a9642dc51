package v1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TaskState represents the current state of an individual task within a run.
type TaskState string

const (
	StatePending   TaskState = "Pending"
	StateReady     TaskState = "Ready"
	StateRunning   TaskState = "Running"
	StateSucceeded TaskState = "Succeeded"
	StateFailed    TaskState = "Failed"
	StateRetrying  TaskState = "Retrying"
	StateSkipped   TaskState = "Skipped"
)

// IsTerminal reports whether no further transition can leave the state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// RunPhase is the aggregate state of a run.
type RunPhase string

const (
	RunPending   RunPhase = "Pending"
	RunRunning   RunPhase = "Running"
	RunSucceeded RunPhase = "Succeeded"
	RunFailed    RunPhase = "Failed"
	RunCancelled RunPhase = "Cancelled"
)

// IsTerminal reports whether the run has finished.
func (p RunPhase) IsTerminal() bool {
	return p == RunSucceeded || p == RunFailed || p == RunCancelled
}

// Outcome is the result of a single attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeTimedOut  Outcome = "TimedOut"
	OutcomeCancelled Outcome = "Cancelled"
)

// Attempt records one execution of a task.
type Attempt struct {
	Number    int          `json:"number"`
	StartTime metav1.Time  `json:"startTime"`
	EndTime   *metav1.Time `json:"endTime,omitempty"`
	Outcome   Outcome      `json:"outcome,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type TaskStatus struct {
	Name     string    `json:"name"`
	State    TaskState `json:"state"`
	Attempts []Attempt `json:"attempts,omitempty"`
	// SkippedBy names the failed upstream task that caused a skip.
	SkippedBy string `json:"skippedBy,omitempty"`
	Message   string `json:"message,omitempty"`
}

// LastError returns the error of the most recent attempt, if any.
func (s TaskStatus) LastError() string {
	if len(s.Attempts) == 0 {
		return ""
	}
	return s.Attempts[len(s.Attempts)-1].Error
}

// RunStatus is a point-in-time snapshot of a run.
type RunStatus struct {
	RunID       string       `json:"runId"`
	Pipeline    string       `json:"pipeline"`
	LogicalDate metav1.Time  `json:"logicalDate"`
	Phase       RunPhase     `json:"phase"`
	StartTime   *metav1.Time `json:"startTime,omitempty"`
	EndTime     *metav1.Time `json:"endTime,omitempty"`
	Tasks       []TaskStatus `json:"tasks,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Task returns the status of the named task.
func (s *RunStatus) Task(name string) (TaskStatus, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskStatus{}, false
}

// TasksIn returns the names of tasks currently in the given state.
func (s *RunStatus) TasksIn(state TaskState) []string {
	var names []string
	for _, t := range s.Tasks {
		if t.State == state {
			names = append(names, t.Name)
		}
	}
	return names
}

// DeepCopy returns a copy sharing no memory with s.
func (s *RunStatus) DeepCopy() *RunStatus {
	if s == nil {
		return nil
	}
	out := *s
	if s.StartTime != nil {
		t := *s.StartTime
		out.StartTime = &t
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.Tasks != nil {
		out.Tasks = make([]TaskStatus, len(s.Tasks))
		for i, ts := range s.Tasks {
			out.Tasks[i] = ts
			if ts.Attempts != nil {
				out.Tasks[i].Attempts = make([]Attempt, len(ts.Attempts))
				for j, a := range ts.Attempts {
					out.Tasks[i].Attempts[j] = a
					if a.EndTime != nil {
						t := *a.EndTime
						out.Tasks[i].Attempts[j].EndTime = &t
					}
				}
			}
		}
	}
	return &out
}

// SortTime is the time runs are ordered by: the start time, or the logical
// date for runs that never started.
func (s *RunStatus) SortTime() time.Time {
	if s.StartTime != nil {
		return s.StartTime.Time
	}
	return s.LogicalDate.Time
}
