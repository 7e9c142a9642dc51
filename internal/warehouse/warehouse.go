// Package warehouse gives operators SQL access to Postgres-compatible
// warehouses such as Redshift.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/singleflight"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/kination/dagrun/internal/connector"
)

var log = ctrl.Log.WithName("warehouse")

// ErrNoRows is returned by QueryScalar when the query yields no row.
var ErrNoRows = errors.New("query returned no rows")

// Client is the SQL surface operators need.
type Client interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryScalar(ctx context.Context, query string, args ...any) (any, error)
}

// Opener hands out a Client for a connection id.
type Opener interface {
	Open(ctx context.Context, connID string) (Client, error)
}

// Pool opens one *sql.DB per connection id and reuses it across tasks.
// Concurrent first opens of the same id share a single connect and ping.
type Pool struct {
	conns  *connector.Registry
	driver string
	group  singleflight.Group

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewPool creates a pool that resolves ids through conns.
func NewPool(conns *connector.Registry) *Pool {
	return &Pool{conns: conns, driver: "pgx", dbs: make(map[string]*sql.DB)}
}

// Open implements Opener.
func (p *Pool) Open(ctx context.Context, connID string) (Client, error) {
	if db := p.cached(connID); db != nil {
		return &sqlClient{db: db}, nil
	}

	v, err, _ := p.group.Do(connID, func() (any, error) {
		if db := p.cached(connID); db != nil {
			return db, nil
		}
		return p.connect(ctx, connID)
	})
	if err != nil {
		return nil, err
	}
	return &sqlClient{db: v.(*sql.DB)}, nil
}

func (p *Pool) cached(connID string) *sql.DB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dbs[connID]
}

func (p *Pool) connect(ctx context.Context, connID string) (*sql.DB, error) {
	conn, err := p.conns.Get(connID)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(p.driver, conn.DSN())
	if err != nil {
		return nil, fmt.Errorf("open connection %s: %w", connID, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping connection %s: %w", connID, err)
	}
	log.Info("Opened warehouse connection", "conn", connID, "host", conn.Host)

	p.mu.Lock()
	p.dbs[connID] = db
	p.mu.Unlock()
	return db, nil
}

// Close closes every pooled database handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for id, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(p.dbs, id)
	}
	return errors.Join(errs...)
}

type sqlClient struct {
	db *sql.DB
}

func (c *sqlClient) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

func (c *sqlClient) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
