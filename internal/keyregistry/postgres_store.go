package keyregistry

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists key hashes in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS notary_key_hashes (
    provider TEXT NOT NULL,
    key_hash BYTEA NOT NULL,
    added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (provider, key_hash)
);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Add(ctx context.Context, provider string, hash common.Hash) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO notary_key_hashes (provider, key_hash) VALUES ($1, $2)
ON CONFLICT (provider, key_hash) DO NOTHING
`, provider, hash.Bytes())
	return err
}

func (p *PostgresStore) Remove(ctx context.Context, provider string, hash common.Hash) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM notary_key_hashes WHERE provider = $1 AND key_hash = $2`, provider, hash.Bytes())
	return err
}

func (p *PostgresStore) Contains(ctx context.Context, provider string, hash common.Hash) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM notary_key_hashes WHERE provider = $1 AND key_hash = $2)
`, provider, hash.Bytes()).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) List(ctx context.Context, provider string) ([]common.Hash, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key_hash FROM notary_key_hashes WHERE provider = $1 ORDER BY key_hash`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, common.BytesToHash(raw))
	}
	return out, rows.Err()
}
