// Package infra provides concrete infrastructure construction: the process's
// Redis client and its connectivity check live here so every consumer (event
// stream, pattern repository) shares one pool.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/magehq/backend/internal/config"
)

// NewRedisClient connects to Redis with the platform's pool settings and
// verifies connectivity with a ping before handing the client out.
func NewRedisClient(cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  -1, // block-reads on streams manage their own deadlines
		WriteTimeout: 2 * time.Second,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", cfg.Addr, err)
	}

	logger.Info("redis connected", "addr", cfg.Addr, "db", cfg.DB)
	return rdb, nil
}
