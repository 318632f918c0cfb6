package nullifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	token := crypto.Keccak256Hash([]byte("venmo"), []byte("tx-"+t.Name()))

	used, err := store.Contains(ctx, token)
	require.NoError(t, err)
	require.False(t, used)

	require.NoError(t, store.Add(ctx, token))
	require.ErrorIs(t, store.Add(ctx, token), ErrAlreadyUsed)

	used, err = store.Contains(ctx, token)
	require.NoError(t, err)
	require.True(t, used)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nullifiers.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)
	exerciseStore(t, store)

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	token := crypto.Keccak256Hash([]byte("venmo"), []byte("tx-"+t.Name()))
	require.ErrorIs(t, reopened.Add(context.Background(), token), ErrAlreadyUsed)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.pool.Exec(ctx, `DELETE FROM used_nullifiers`)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	token := crypto.Keccak256Hash([]byte("venmo"), []byte("tx-"+t.Name()))
	require.NoError(t, client.Del(ctx, redisNamespace+token.Hex()).Err())

	exerciseStore(t, NewRedisStore(client))
}
