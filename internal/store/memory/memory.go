// Package memory implements the run and event stores in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/store"
)

var log = ctrl.Log.WithName("store.memory")

// subscriberBuffer is the channel capacity of a subscription. Events are
// dropped for subscribers that fall this far behind.
const subscriberBuffer = 64

// DefaultEventLimit is the number of events kept for GetEvents.
const DefaultEventLimit = 10000

var (
	_ store.RunStore   = (*Store)(nil)
	_ store.EventStore = (*Store)(nil)
)

type subscriber struct {
	filter store.EventFilter
	ch     chan *store.Event
}

// Store keeps runs and events in maps guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*v1.RunStatus
	events []*store.Event
	limit  int
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithEventLimit keeps at most n events, dropping the oldest first.
// With n <= 0 events are only delivered to subscribers and never kept.
func WithEventLimit(n int) Option {
	return func(s *Store) { s.limit = n }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		runs:  make(map[string]*v1.RunStatus),
		subs:  make(map[int]*subscriber),
		limit: DefaultEventLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) SaveRun(_ context.Context, run *v1.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run.DeepCopy()
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*v1.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run.DeepCopy(), nil
}

func (s *Store) ListRuns(_ context.Context, pipeline string, opts store.ListOptions) ([]*v1.RunStatus, error) {
	s.mu.RLock()
	var runs []*v1.RunStatus
	for _, r := range s.runs {
		if pipeline == "" || r.Pipeline == pipeline {
			runs = append(runs, r.DeepCopy())
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		ti, tj := runs[i].SortTime(), runs[j].SortTime()
		if ti.Equal(tj) {
			return runs[i].RunID > runs[j].RunID
		}
		return ti.After(tj)
	})
	return opts.Apply(runs), nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Close ends every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	return nil
}

func (s *Store) Publish(_ context.Context, event *store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 {
		if len(s.events) >= s.limit {
			n := copy(s.events, s.events[len(s.events)-s.limit+1:])
			clear(s.events[n:])
			s.events = s.events[:n]
		}
		s.events = append(s.events, event)
	}
	for _, sub := range s.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			log.V(1).Info("Subscriber is behind, dropping event", "type", event.Type, "run", event.RunID)
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, filter store.EventFilter) (<-chan *store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *store.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, nil
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscriber{filter: filter, ch: ch}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			close(sub.ch)
			delete(s.subs, id)
		}
	}()
	return ch, nil
}

func (s *Store) GetEvents(_ context.Context, filter store.EventFilter, opts store.ListOptions) ([]*store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Event
	for _, e := range s.events {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
