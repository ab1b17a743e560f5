package db

import (
	"context"
	"fmt"
	"time"

	"PeachCredit/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Pool = pgxpool.Pool

func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenStore opens the configured backend. Postgres expects the schema from
// cmd/migrate; SQLite migrates itself.
func OpenStore(ctx context.Context, driver, dsn string) (store.Store, error) {
	switch driver {
	case "", "postgres":
		pool, err := Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return store.NewPostgres(pool), nil
	case "sqlite":
		st, err := store.OpenSQLiteDSN(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported db driver %q", driver)
}
