package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares replayable responses between API replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const replaySchema = `
CREATE TABLE IF NOT EXISTS request_replays (
    scoped_key   TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code  INT NOT NULL,
    body         BYTEA NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS request_replays_expires_at ON request_replays (expires_at);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("idempotency: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, replaySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() { p.pool.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Get ignores expired rows; Save removes them.
func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT status_code, body, request_hash, created_at, expires_at
FROM request_replays
WHERE scoped_key = $1 AND expires_at > now()`, key).
		Scan(&rec.StatusCode, &rec.Response, &rec.RequestHash, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save keeps the first live record for a key. A later save only replaces a
// record that has already expired.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM request_replays WHERE expires_at <= now()`)
	batch.Queue(`
INSERT INTO request_replays (scoped_key, request_hash, status_code, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (scoped_key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code  = EXCLUDED.status_code,
    body         = EXCLUDED.body,
    created_at   = EXCLUDED.created_at,
    expires_at   = EXCLUDED.expires_at
WHERE request_replays.expires_at <= now()`,
		key, record.RequestHash, record.StatusCode, record.Response, record.CreatedAt, record.ExpiresAt)
	return p.pool.SendBatch(ctx, batch).Close()
}
