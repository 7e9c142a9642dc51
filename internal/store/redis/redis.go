// Package redis stores run history in Redis. Each run is a JSON document under
// dagrun:run:<id>; dagrun:runs:<pipeline> is a sorted set of run ids scored by
// start time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	ctrl "sigs.k8s.io/controller-runtime"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/store"
)

var log = ctrl.Log.WithName("store.redis")

// DefaultPrefix namespaces every key.
const DefaultPrefix = "dagrun"

var _ store.RunStore = (*Store)(nil)

// Store implements store.RunStore on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL expires run records after ttl.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromURL connects to the redis:// URL and verifies the connection.
func NewFromURL(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	s := New(redis.NewClient(redisOpts), opts...)
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return s, nil
}

func (s *Store) runKey(id string) string { return fmt.Sprintf("%s:run:%s", s.prefix, id) }

func (s *Store) indexKey(pipeline string) string { return fmt.Sprintf("%s:runs:%s", s.prefix, pipeline) }

func (s *Store) SaveRun(ctx context.Context, run *v1.RunStatus) error {
	data, err := sonic.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(run.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(run.Pipeline), redis.Z{
		Score:  float64(run.SortTime().UnixMilli()),
		Member: run.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*v1.RunStatus, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run := &v1.RunStatus{}
	if err := sonic.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns reads the pipeline index newest first. Index entries whose record
// has expired are pruned.
func (s *Store) ListRuns(ctx context.Context, pipeline string, opts store.ListOptions) ([]*v1.RunStatus, error) {
	if pipeline == "" {
		return nil, fmt.Errorf("redis store lists runs per pipeline")
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(pipeline), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read runs: %w", err)
	}

	runs := make([]*v1.RunStatus, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		run := &v1.RunStatus{}
		if err := sonic.UnmarshalString(raw, run); err != nil {
			log.Error(err, "Skipping unreadable run record", "run", ids[i])
			continue
		}
		runs = append(runs, run)
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(pipeline), expired...).Err(); err != nil {
			log.Error(err, "Failed to prune expired runs", "pipeline", pipeline)
		}
	}
	return opts.Apply(runs), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
