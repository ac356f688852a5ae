package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultSlowQuery is the threshold above which successful queries are logged.
const DefaultSlowQuery = 250 * time.Millisecond

// PoolConfig configures NewPool.
type PoolConfig struct {
	URL       string
	MaxConns  int32
	SlowQuery time.Duration
	Logger    log.Logger
	Observer  QueryObserver
}

// NewPool connects to PostgreSQL with tracing enabled and verifies the
// connection. A negative SlowQuery logs every query.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	slow := cfg.SlowQuery
	switch {
	case slow == 0:
		slow = DefaultSlowQuery
	case slow < 0:
		slow = 0
	}
	pcfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), cfg.Observer, cfg.Logger, slow)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
