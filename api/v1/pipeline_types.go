// Package v1 contains the serializable pipeline definition and run status types.
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// OperatorKind names the operator that provides a task's work.
type OperatorKind string

const (
	OperatorNoop            OperatorKind = "noop"
	OperatorSQL             OperatorKind = "sql"
	OperatorStageToRedshift OperatorKind = "stage_to_redshift"
	OperatorLoadFact        OperatorKind = "load_fact"
	OperatorLoadDimension   OperatorKind = "load_dimension"
	OperatorDataQuality     OperatorKind = "data_quality"
	OperatorPod             OperatorKind = "pod"
)

// OverlapPolicy decides what happens to a schedule tick while the maximum
// number of runs is already active.
type OverlapPolicy string

const (
	OverlapSkip  OverlapPolicy = "Skip"
	OverlapQueue OverlapPolicy = "Queue"
)

// TaskSpec defines a single task of a pipeline.
type TaskSpec struct {
	Name         string       `json:"name"`
	Operator     OperatorKind `json:"operator"`
	Dependencies []string     `json:"dependencies,omitempty"` // Upstream tasks that must succeed first

	// Overrides of the pipeline defaults. Nil means inherit.
	RetryLimit         *int32           `json:"retryLimit,omitempty"` // Total attempts, the first included
	RetryDelay         *metav1.Duration `json:"retryDelay,omitempty"`
	ExponentialBackoff *bool            `json:"exponentialBackoff,omitempty"`
	MaxRetryDelay      *metav1.Duration `json:"maxRetryDelay,omitempty"`
	Timeout            *metav1.Duration `json:"timeout,omitempty"`
	Priority           *int32           `json:"priority,omitempty"`

	// Params are handed to the operator factory (connection ids, table names, SQL...).
	Params map[string]string `json:"params,omitempty"`
}

// DefaultArgs are applied to every task that does not override them.
type DefaultArgs struct {
	Owner              string           `json:"owner,omitempty"`
	RetryLimit         *int32           `json:"retryLimit,omitempty"`
	RetryDelay         *metav1.Duration `json:"retryDelay,omitempty"`
	ExponentialBackoff bool             `json:"exponentialBackoff,omitempty"`
	MaxRetryDelay      *metav1.Duration `json:"maxRetryDelay,omitempty"`
	Timeout            *metav1.Duration `json:"timeout,omitempty"`
}

// ScheduleSpec controls the cadence of a pipeline.
type ScheduleSpec struct {
	Cron          string        `json:"cron,omitempty"`
	MaxActiveRuns int32         `json:"maxActiveRuns,omitempty"`
	Overlap       OverlapPolicy `json:"overlap,omitempty"`
	StartDate     *metav1.Time  `json:"startDate,omitempty"`
	EndDate       *metav1.Time  `json:"endDate,omitempty"`
	Catchup       bool          `json:"catchup,omitempty"`
}

// FlowSpec expresses grouped dependencies: every task of step i runs before
// every task of step i+1.
type FlowSpec struct {
	Steps [][]string `json:"steps"`
}

// PipelineSpec is the complete declarative definition of a pipeline.
type PipelineSpec struct {
	Description      string       `json:"description,omitempty"`
	Schedule         ScheduleSpec `json:"schedule,omitempty"`
	Defaults         DefaultArgs  `json:"defaults,omitempty"`
	MaxParallelTasks int32        `json:"maxParallelTasks,omitempty"`
	Policy           string       `json:"policy,omitempty"` // FIFO or Priority
	FailFast         *bool        `json:"failFast,omitempty"`
	Tasks            []TaskSpec   `json:"tasks"`
	Flows            []FlowSpec   `json:"flows,omitempty"`
}

// Pipeline is the manifest form of a pipeline definition.
type Pipeline struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec PipelineSpec `json:"spec"`
}

const (
	// APIVersion and Kind identify pipeline manifests.
	APIVersion   = "dagrun.kination.io/v1"
	PipelineKind = "Pipeline"
)
