// Package scheduler drives one run of a pipeline graph: it releases tasks whose
// upstream tasks have succeeded, dispatches them to a bounded worker pool,
// applies retries and propagates failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kination/dagrun/internal/store"
)

// Policy defines the order in which ready tasks are dispatched
type Policy string

const (
	// PolicyFIFO dispatches tasks in the order they became ready
	PolicyFIFO Policy = "FIFO"
	// PolicyPriority dispatches higher priority tasks first, then in definition order
	PolicyPriority Policy = "Priority"
)

var (
	ErrRetryExhausted = errors.New("task retries exhausted")
	ErrRunFailed      = errors.New("run failed")
	ErrRunCancelled   = errors.New("run cancelled")
)

// Config holds the scheduler configuration
type Config struct {
	Policy Policy
	// MaxParallelTasks bounds the tasks running at once within a run
	MaxParallelTasks int
	// FailFast skips every downstream task of a task that failed for good.
	// When false, downstream tasks run once all their upstream tasks are
	// terminal, whatever the outcome.
	FailFast bool
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Policy:           PolicyFIFO,
		MaxParallelTasks: 10,
		FailFast:         true,
	}
}

// Publisher receives lifecycle events. store.EventStore implements it.
type Publisher interface {
	Publish(ctx context.Context, event *store.Event) error
}

// RunError reports why a run did not succeed: the failed tasks with their last
// error and the tasks skipped as a consequence.
type RunError struct {
	// Kind is ErrRunFailed or ErrRunCancelled
	Kind    error
	RunID   string
	Failed  []string
	Skipped []string
	Causes  map[string]error
}

func (e *RunError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.RunID, e.Kind)
	for _, id := range e.Failed {
		if cause, ok := e.Causes[id]; ok {
			fmt.Fprintf(&b, "; %s: %v", id, cause)
		} else {
			fmt.Fprintf(&b, "; %s failed", id)
		}
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, "; skipped: %s", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

// Unwrap exposes the run kind and every task cause to errors.Is and errors.As.
func (e *RunError) Unwrap() []error {
	errs := []error{e.Kind}
	ids := make([]string, 0, len(e.Causes))
	for id := range e.Causes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		errs = append(errs, e.Causes[id])
	}
	return errs
}
