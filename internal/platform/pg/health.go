package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WaitReady ожидает готовности PostgreSQL, повторяя ping с заданным интервалом.
// Полезно при старте, когда база поднимается рядом (docker-compose и т.п.).
func WaitReady(ctx context.Context, pool *pgxpool.Pool, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
