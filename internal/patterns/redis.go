package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces pattern keys; composite keys are appended as-is.
const redisKeyPrefix = "mage:patterns:"

// RedisRepository stores each pattern as one JSON value under a prefixed key
// with a Redis-side TTL, so expiry needs no sweeper.
type RedisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func (r *RedisRepository) Get(ctx context.Context, key string) (*Pattern, error) {
	raw, err := r.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("pattern get %s: %w", key, err)
	}
	var p Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("pattern decode %s: %w", key, err)
	}
	return &p, nil
}

func (r *RedisRepository) Put(ctx context.Context, p *Pattern, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pattern encode %s: %w", p.CompositeKey, err)
	}
	if err := r.rdb.Set(ctx, redisKeyPrefix+p.CompositeKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("pattern put %s: %w", p.CompositeKey, err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("pattern delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) List(ctx context.Context) ([]*Pattern, error) {
	var out []*Pattern
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, fmt.Errorf("pattern list get %s: %w", iter.Val(), err)
		}
		var p Pattern
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("pattern list decode %s: %w", iter.Val(), err)
		}
		out = append(out, &p)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("pattern scan: %w", err)
	}
	return out, nil
}

func (r *RedisRepository) Clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("pattern clear scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("pattern clear: %w", err)
	}
	return nil
}

// Close is a no-op: the Redis client is shared process infrastructure owned
// by the platform root.
func (r *RedisRepository) Close() error { return nil }

var _ Repository = (*RedisRepository)(nil)
