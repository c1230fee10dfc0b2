package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a type alias for pgxpool.Pool for use in other packages.
type Pool = pgxpool.Pool

// ApplicationName tags every session so relay connections are visible in
// pg_stat_activity.
const ApplicationName = "relay"

// Connect opens a pool and pings it once. Idle connections are recycled
// after five minutes so a restarted database is picked up without a process
// restart. The dispatch workers and the dead-letter writer share the pool, so
// one connection is kept warm.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if maxConns > 0 && maxConns <= math.MaxInt32 {
		config.MaxConns = int32(maxConns) // #nosec G115 -- bounds checked above
	}
	config.MinConns = 1
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}
