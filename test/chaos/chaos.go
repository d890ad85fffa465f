package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend periodically kills one backend serving the current
// database. The service must roll back cleanly and the oracles must still hold.
// It returns how many backends were terminated.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) int64 {
	var killed int64
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
				SELECT pid FROM pg_stat_activity
				WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
				ORDER BY random() LIMIT 1) victims`).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
