// Package store provides persistence interfaces for run history and events.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/kination/dagrun/api/v1"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunStore persists the final status of pipeline runs.
// Implementations: in-memory (tests, single process) and Redis.
type RunStore interface {
	// SaveRun creates or replaces a run record
	SaveRun(ctx context.Context, run *v1.RunStatus) error
	// GetRun returns ErrNotFound for unknown ids
	GetRun(ctx context.Context, runID string) (*v1.RunStatus, error)
	// ListRuns returns the runs of a pipeline, newest first
	ListRuns(ctx context.Context, pipeline string, opts ListOptions) ([]*v1.RunStatus, error)

	// Health check
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}

// ListOptions defines options for listing operations
type ListOptions struct {
	// Limit is the maximum number of items to return, 0 for all
	Limit int
	// Offset is the number of items to skip
	Offset int
	// Phase filters by run phase
	Phase v1.RunPhase
}

// Apply pages and filters runs that are already sorted newest first.
func (o ListOptions) Apply(runs []*v1.RunStatus) []*v1.RunStatus {
	out := make([]*v1.RunStatus, 0, len(runs))
	for _, r := range runs {
		if o.Phase != "" && r.Phase != o.Phase {
			continue
		}
		out = append(out, r)
	}
	if o.Offset >= len(out) {
		return nil
	}
	out = out[o.Offset:]
	if o.Limit > 0 && len(out) > o.Limit {
		out = out[:o.Limit]
	}
	return out
}

// StoreConfig holds configuration for creating a store
type StoreConfig struct {
	// Type is the store backend type (memory, redis)
	Type StoreType
	// URL is the connection URL of the backend
	URL string
	// TTL expires run records, 0 keeps them forever
	TTL time.Duration
	// Timeout is the default operation timeout
	Timeout time.Duration
}

// StoreType defines the type of store backend
type StoreType string

const (
	// StoreTypeMemory keeps history in process memory
	StoreTypeMemory StoreType = "memory"
	// StoreTypeRedis stores history in Redis
	StoreTypeRedis StoreType = "redis"
)

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:    StoreTypeMemory,
		Timeout: 5 * time.Second,
	}
}

// EventStore defines the interface for event persistence and streaming.
type EventStore interface {
	// Publish publishes an event
	Publish(ctx context.Context, event *Event) error

	// Subscribe subscribes to events matching the filter. The channel is
	// closed when ctx ends.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *Event, error)

	// GetEvents retrieves historical events
	GetEvents(ctx context.Context, filter EventFilter, opts ListOptions) ([]*Event, error)
}

// Event represents a run or task lifecycle event
type Event struct {
	// ID is the unique event identifier
	ID string
	// Type is the event type
	Type EventType
	// Timestamp is when the event occurred
	Timestamp time.Time
	// RunID is the run the event belongs to
	RunID string
	// Pipeline is the name of the pipeline
	Pipeline string
	// TaskName is the name of the related task (if applicable)
	TaskName string
	// Attempt is the attempt number (task events only)
	Attempt int
	// Data contains event-specific data
	Data map[string]interface{}
}

// EventType defines the type of event
type EventType string

const (
	EventTypeRunStarted    EventType = "run.started"
	EventTypeRunSucceeded  EventType = "run.succeeded"
	EventTypeRunFailed     EventType = "run.failed"
	EventTypeRunCancelled  EventType = "run.cancelled"
	EventTypeTaskStarted   EventType = "task.started"
	EventTypeTaskSucceeded EventType = "task.succeeded"
	EventTypeTaskRetrying  EventType = "task.retrying"
	EventTypeTaskFailed    EventType = "task.failed"
	EventTypeTaskSkipped   EventType = "task.skipped"
)

// EventFilter defines criteria for filtering events
type EventFilter struct {
	// Types filters by event types
	Types []EventType
	// RunID filters by run
	RunID string
	// Pipeline filters by pipeline name
	Pipeline string
	// Since filters events after this time
	Since *time.Time
	// Until filters events before this time
	Until *time.Time
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e *Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.Pipeline != "" && f.Pipeline != e.Pipeline {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}
