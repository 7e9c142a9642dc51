// Package runner executes single pipeline runs: it allocates the run id and
// state, hands the graph to the scheduler and records the result.
package runner

import (
	"context"
	"time"

	v1 "github.com/kination/dagrun/api/v1"
)

// Runner defines the interface for executing pipeline runs.
type Runner interface {
	// Run executes one run for the logical date and returns its final status.
	// The error is the scheduler's *RunError when the run did not succeed.
	Run(ctx context.Context, logicalDate time.Time) (*v1.RunStatus, error)

	// Current returns a live snapshot of the most recently started active run
	Current() (v1.RunStatus, bool)
}

// RunnerConfig holds configuration for the runner
type RunnerConfig struct {
	// Params are handed to every task of every run
	Params map[string]string

	// PersistTimeout bounds saving the final status, even after cancellation
	PersistTimeout time.Duration
}

// DefaultRunnerConfig returns the default runner configuration
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PersistTimeout: 10 * time.Second,
	}
}
