// Package task defines the contract between the scheduler and the work it runs.
package task

import (
	"context"
	"time"
)

// Func is the work of a task. A nil error is success; any other error, or a
// panic, is a failed attempt.
type Func func(ctx context.Context, tc *Context) error

const (
	DefaultRetryLimit = 3
	DefaultRetryDelay = 3 * time.Minute
)

// Options configures retries and limits for a single task.
type Options struct {
	// RetryLimit caps the total number of attempts, the first one included.
	RetryLimit int
	// RetryDelay is the minimum wait before the next attempt.
	RetryDelay time.Duration
	// ExponentialBackoff doubles RetryDelay after every failed attempt.
	ExponentialBackoff bool
	// MaxRetryDelay bounds the backoff. Zero means unbounded.
	MaxRetryDelay time.Duration
	// Timeout cancels an attempt that runs longer. Zero disables it.
	Timeout time.Duration
	// Priority orders ready tasks under the priority policy, higher first.
	Priority int
}

// DefaultOptions returns the default task options.
func DefaultOptions() Options {
	return Options{
		RetryLimit: DefaultRetryLimit,
		RetryDelay: DefaultRetryDelay,
	}
}

// Option overrides a single field of Options.
type Option func(*Options)

// Apply returns a copy of o with opts applied in order.
func (o Options) Apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithRetryLimit(n int) Option {
	return func(o *Options) { o.RetryLimit = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) { o.RetryDelay = d }
}

func WithExponentialBackoff(max time.Duration) Option {
	return func(o *Options) {
		o.ExponentialBackoff = true
		o.MaxRetryDelay = max
	}
}

func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}
