package task

import (
	"sync"
	"time"
)

// Context carries the run-scoped inputs of one attempt. A fresh Context is
// created for every attempt.
type Context struct {
	RunID       string
	Pipeline    string
	TaskID      string
	Attempt     int
	LogicalDate time.Time

	// Params are run-scoped parameters such as connection identifiers.
	Params map[string]string

	upstream map[string]any

	mu     sync.Mutex
	output any
}

// NewContext builds the context for one attempt. upstream holds the outputs of
// the task's succeeded upstream tasks keyed by task id.
func NewContext(runID, pipeline, taskID string, attempt int, logicalDate time.Time, params map[string]string, upstream map[string]any) *Context {
	return &Context{
		RunID:       runID,
		Pipeline:    pipeline,
		TaskID:      taskID,
		Attempt:     attempt,
		LogicalDate: logicalDate,
		Params:      params,
		upstream:    upstream,
	}
}

// Param returns a run parameter or def when unset.
func (c *Context) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Upstream returns the output published by an upstream task.
func (c *Context) Upstream(taskID string) (any, bool) {
	v, ok := c.upstream[taskID]
	return v, ok
}

// SetOutput publishes a value to downstream tasks. Only the output of a
// succeeded attempt is kept.
func (c *Context) SetOutput(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = v
}

// Output returns the value set by SetOutput.
func (c *Context) Output() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}
