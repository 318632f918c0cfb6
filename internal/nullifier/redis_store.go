package nullifier

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const redisNamespace = "rampledger:nullifier:"

// RedisStore shares the set between replicas. Keys never expire.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Add(ctx context.Context, token common.Hash) error {
	ok, err := r.client.SetNX(ctx, redisNamespace+token.Hex(), time.Now().Unix(), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyUsed
	}
	return nil
}

func (r *RedisStore) Contains(ctx context.Context, token common.Hash) (bool, error) {
	n, err := r.client.Exists(ctx, redisNamespace+token.Hex()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
