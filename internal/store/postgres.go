package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresKV implements Backend on a single kv table. Expired rows stay
// invisible to reads and are removed by PurgeExpired.
type PostgresKV struct {
	pool *pgxpool.Pool
}

// NewPostgresKV creates a connection pool and fails fast if DB is unreachable.
func NewPostgresKV(dbURL string) (*PostgresKV, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresKV{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresKV) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

func (p *PostgresKV) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresKV) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM kv
		WHERE key = $1 AND expires_at > now()
	`, key).Scan(&value)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres get: %w", err)
	}
	return value, true, nil
}

// Put upserts the row; a rewrite also resets its expiry.
func (p *PostgresKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv(key, value, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("postgres put: %w", err)
	}
	return nil
}

// List pages in key order; the cursor is the last key returned.
func (p *PostgresKV) List(ctx context.Context, prefix, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}

	// One extra row tells us whether another page exists.
	rows, err := p.pool.Query(ctx, `
		SELECT key FROM kv
		WHERE starts_with(key, $1) AND key > $2 AND expires_at > now()
		ORDER BY key
		LIMIT $3
	`, prefix, cursor, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("postgres list: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Page{}, fmt.Errorf("postgres list: %w", err)
	}

	if len(keys) <= limit {
		return Page{Keys: keys}, nil
	}
	keys = keys[:limit]
	return Page{Keys: keys, Cursor: keys[len(keys)-1]}, nil
}

// PurgeExpired deletes rows past their expiry and returns how many were removed.
func (p *PostgresKV) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
