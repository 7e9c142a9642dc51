// Package executor runs the work of a single task attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/pkg/task"
)

var log = ctrl.Log.WithName("executor")

var (
	ErrTaskFailed    = errors.New("task failed")
	ErrTaskTimedOut  = errors.New("task timed out")
	ErrTaskCancelled = errors.New("task cancelled")
)

// PanicError is a panic raised by task work, captured with its stack.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error { return ErrTaskFailed }

// Outcome is the result of one attempt.
type Outcome struct {
	Status v1.Outcome
	Err    error
	Output any
	Start  time.Time
	End    time.Time
}

// Executor defines how a task attempt is run.
type Executor interface {
	// Execute runs one attempt of node. It must return even when the work
	// hangs past its timeout or the context is cancelled.
	Execute(ctx context.Context, node *graph.Node, tc *task.Context) Outcome
}

// Local runs work in a dedicated goroutine of the current process.
type Local struct {
	now func() time.Time
}

// NewLocal creates a Local executor.
func NewLocal() *Local {
	return &Local{now: time.Now}
}

// Execute implements Executor.
func (e *Local) Execute(ctx context.Context, node *graph.Node, tc *task.Context) Outcome {
	out := Outcome{Start: e.now()}

	runCtx, cancel := context.WithCancel(ctx)
	if node.Options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, node.Options.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		done <- node.Work(runCtx, tc)
	}()

	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		select {
		case err = <-done:
		default:
			// The work ignores its context; leave it behind.
			log.V(1).Info("Abandoning task that did not honour cancellation", "task", node.ID, "attempt", tc.Attempt)
			err = runCtx.Err()
		}
	}
	out.End = e.now()

	switch {
	case err == nil:
		out.Status = v1.OutcomeSucceeded
		out.Output = tc.Output()
	case ctx.Err() != nil:
		out.Status = v1.OutcomeCancelled
		out.Err = fmt.Errorf("%w: %w", ErrTaskCancelled, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Status = v1.OutcomeTimedOut
		out.Err = fmt.Errorf("%w after %s: %w", ErrTaskTimedOut, node.Options.Timeout, err)
	default:
		out.Status = v1.OutcomeFailed
		if errors.Is(err, ErrTaskFailed) {
			out.Err = err
		} else {
			out.Err = fmt.Errorf("%w: %w", ErrTaskFailed, err)
		}
	}
	return out
}
