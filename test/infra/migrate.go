package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agreementflow/db"
)

// ApplyMigrations runs the embedded schema migrations against dsn and returns a pool.
// When isolate is true, a per-run schema is created, migrations run inside it via
// search_path, and the returned teardown drops it.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cleanup := func(context.Context) error { return nil }
	target := dsn

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		target, err = withSearchPath(dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
			return err
		}
	}

	if err := db.Migrate(target, nil); err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}

	cfg, err := pgxpool.ParseConfig(target)
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 32
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, cleanup, nil
}

// withSearchPath adds a search_path runtime parameter to a URL-style DSN.
// Both lib/pq and pgx forward unknown parameters to the server.
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
