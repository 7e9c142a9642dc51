// Package trigger starts pipeline runs on a cron cadence while bounding the
// number of runs active at once.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/dagrun/api/v1"
)

var log = ctrl.Log.WithName("trigger")

// RunFunc executes one run for a logical date.
type RunFunc func(ctx context.Context, logicalDate time.Time) error

// Decision is what happened to a trigger.
type Decision string

const (
	Started Decision = "Started"
	Queued  Decision = "Queued"
	Skipped Decision = "Skipped"
)

// Config holds the cadence configuration
type Config struct {
	// Schedule is a standard 5-field cron expression or a descriptor such as @hourly
	Schedule string
	// MaxActiveRuns caps concurrently active runs
	MaxActiveRuns int
	// Overlap decides what happens to a trigger while MaxActiveRuns are active
	Overlap v1.OverlapPolicy
	// QueueLimit bounds the triggers waiting under the Queue policy
	QueueLimit int
	// StartDate suppresses earlier triggers, zero for none
	StartDate time.Time
	// EndDate stops the cadence, zero for none
	EndDate time.Time
	// Catchup runs every tick missed between StartDate and now before the cadence starts
	Catchup bool
	// Location is the time zone of the schedule, UTC when nil
	Location *time.Location
}

// DefaultConfig returns the default cadence configuration
func DefaultConfig() Config {
	return Config{
		MaxActiveRuns: 1,
		Overlap:       v1.OverlapSkip,
		QueueLimit:    16,
	}
}

// Trigger fires runs on the configured cadence and on demand.
type Trigger struct {
	config   Config
	schedule cron.Schedule
	run      RunFunc
	now      func() time.Time

	mu     sync.Mutex
	freed  *sync.Cond
	active int
	queue  []time.Time
	wg     sync.WaitGroup
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock replaces time.Now when computing missed ticks.
func WithClock(now func() time.Time) Option {
	return func(t *Trigger) { t.now = now }
}

// New parses the schedule and creates a Trigger for run.
func New(config Config, run RunFunc, opts ...Option) (*Trigger, error) {
	if config.MaxActiveRuns < 1 {
		config.MaxActiveRuns = 1
	}
	if config.Overlap == "" {
		config.Overlap = v1.OverlapSkip
	}
	if config.Overlap != v1.OverlapSkip && config.Overlap != v1.OverlapQueue {
		return nil, fmt.Errorf("unknown overlap policy %q", config.Overlap)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if !config.StartDate.IsZero() && !config.EndDate.IsZero() && config.EndDate.Before(config.StartDate) {
		return nil, fmt.Errorf("end date %s is before start date %s", config.EndDate, config.StartDate)
	}

	t := &Trigger{config: config, run: run, now: time.Now}
	t.freed = sync.NewCond(&t.mu)
	if config.Schedule != "" {
		sched, err := cron.ParseStandard(config.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", config.Schedule, err)
		}
		t.schedule = sched
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the cadence configuration
func (t *Trigger) Config() Config {
	return t.config
}

// Next returns the first tick after the given time, or zero without a schedule.
func (t *Trigger) Next(after time.Time) time.Time {
	if t.schedule == nil {
		return time.Time{}
	}
	next := t.schedule.Next(after.In(t.config.Location))
	if !t.config.EndDate.IsZero() && next.After(t.config.EndDate) {
		return time.Time{}
	}
	return next
}

// Missed returns the ticks between StartDate and now, oldest first.
func (t *Trigger) Missed() []time.Time {
	if t.schedule == nil || t.config.StartDate.IsZero() {
		return nil
	}
	now := t.now()
	var ticks []time.Time
	for ts := t.schedule.Next(t.config.StartDate.Add(-time.Second).In(t.config.Location)); !ts.After(now); ts = t.schedule.Next(ts) {
		if !t.config.EndDate.IsZero() && ts.After(t.config.EndDate) {
			break
		}
		ticks = append(ticks, ts)
	}
	return ticks
}

// Fire requests a run for logicalDate. With MaxActiveRuns active runs the
// request is queued or skipped per the overlap policy; it never starts in
// parallel beyond the limit.
func (t *Trigger) Fire(ctx context.Context, logicalDate time.Time) Decision {
	if !t.config.StartDate.IsZero() && logicalDate.Before(t.config.StartDate) {
		log.Info("Trigger before start date, skipping", "logicalDate", logicalDate)
		return Skipped
	}
	if !t.config.EndDate.IsZero() && logicalDate.After(t.config.EndDate) {
		log.Info("Trigger after end date, skipping", "logicalDate", logicalDate)
		return Skipped
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active < t.config.MaxActiveRuns {
		t.active++
		t.wg.Add(1)
		go t.execute(ctx, logicalDate)
		return Started
	}
	if t.config.Overlap == v1.OverlapQueue && len(t.queue) < t.config.QueueLimit {
		t.queue = append(t.queue, logicalDate)
		log.Info("Run active, trigger queued", "logicalDate", logicalDate, "queued", len(t.queue))
		return Queued
	}
	log.Info("Run active, trigger skipped", "logicalDate", logicalDate, "active", t.active)
	return Skipped
}

// execute runs logicalDate, then drains the queue on the same slot.
func (t *Trigger) execute(ctx context.Context, logicalDate time.Time) {
	defer t.wg.Done()
	for {
		if err := t.run(ctx, logicalDate); err != nil {
			log.Error(err, "Run did not succeed", "logicalDate", logicalDate)
		}

		t.mu.Lock()
		if len(t.queue) == 0 || ctx.Err() != nil {
			t.active--
			t.freed.Broadcast()
			t.mu.Unlock()
			return
		}
		logicalDate = t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
	}
}

// acquire takes a run slot for a backfill run, waiting while MaxActiveRuns
// runs are active. It returns false once ctx is done.
func (t *Trigger) acquire(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.active >= t.config.MaxActiveRuns {
		if ctx.Err() != nil {
			return false
		}
		t.freed.Wait()
	}
	if ctx.Err() != nil {
		return false
	}
	t.active++
	return true
}

// release gives back a backfill slot. A queued trigger takes it over.
func (t *Trigger) release(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) > 0 && ctx.Err() == nil {
		next := t.queue[0]
		t.queue = t.queue[1:]
		t.wg.Add(1)
		go t.execute(ctx, next)
		return
	}
	t.active--
	t.freed.Broadcast()
}

// Active returns the number of runs in progress.
func (t *Trigger) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Pending returns the number of queued triggers.
func (t *Trigger) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Wait blocks until every active run and queued trigger has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Start runs the cadence until ctx is done or EndDate passes, then waits for
// active runs. With Catchup, missed ticks run one after another first.
func (t *Trigger) Start(ctx context.Context) error {
	if t.schedule == nil {
		return fmt.Errorf("trigger has no schedule")
	}

	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.freed.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	if t.config.Catchup {
		missed := t.Missed()
		log.Info("Catching up missed runs", "count", len(missed))
		for _, ts := range missed {
			if !t.acquire(ctx) {
				break
			}
			if err := t.run(ctx, ts); err != nil {
				log.Error(err, "Backfill run did not succeed", "logicalDate", ts)
			}
			t.release(ctx)
		}
	}

	c := cron.New(cron.WithLocation(t.config.Location), cron.WithLogger(log))
	c.Schedule(t.schedule, cron.FuncJob(func() {
		tick := t.now().In(t.config.Location).Truncate(time.Minute)
		t.Fire(ctx, tick)
	}))
	c.Start()
	log.Info("Cadence started", "schedule", t.config.Schedule, "next", t.Next(t.now()))

	var end <-chan time.Time
	if !t.config.EndDate.IsZero() {
		timer := time.NewTimer(time.Until(t.config.EndDate))
		defer timer.Stop()
		end = timer.C
	}

	select {
	case <-ctx.Done():
	case <-end:
		log.Info("End date reached, stopping cadence")
	}
	<-c.Stop().Done()
	t.Wait()
	return nil
}
