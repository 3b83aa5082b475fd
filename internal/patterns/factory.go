package patterns

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/magehq/backend/internal/config"
)

// NewRepository selects the backing store from configuration. The redis
// backend reuses the process's shared client; postgres opens its own pool.
func NewRepository(cfg config.PatternsConfig, pgDSN string, rdb *redis.Client, logger *slog.Logger) (Repository, error) {
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("patterns: redis backend selected but no redis client available")
		}
		logger.Info("pattern repository backend", "backend", "redis")
		return NewRedisRepository(rdb), nil
	case "postgres":
		repo, err := NewPostgresRepository(pgDSN)
		if err != nil {
			return nil, fmt.Errorf("patterns: %w", err)
		}
		logger.Info("pattern repository backend", "backend", "postgres")
		return repo, nil
	case "memory":
		logger.Warn("pattern repository backend is in-memory, patterns will not survive restarts")
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("patterns: unknown backend %q", cfg.Backend)
	}
}
