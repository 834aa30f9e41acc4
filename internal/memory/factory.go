package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the configured memory backend wrapped in its
// Manager. Postgres gets its schema created here so the service starts
// against an empty database.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Memory.Backend {
	case config.MemoryBackendMemory:
		store = NewMemStore(cfg.Memory.MaxTurns, logger)
	case config.MemoryBackendPostgres:
		pg, perr := NewPostgresStore(cfg.Memory.PostgresConnStr, cfg.Memory.MaxTurns, logger)
		if perr != nil {
			return nil, perr
		}
		if err = pg.Initialize(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		store = pg
	case config.MemoryBackendRedis, config.MemoryBackendCosmos:
		store, err = NewRedisStore(cfg.Memory.RedisAddr, cfg.Memory.MaxTurns, cfg.Memory.IdleTTL, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}

	logger.Info("memory store ready",
		zap.String("backend", store.Name()),
		zap.Int("max_turns", cfg.Memory.MaxTurns),
		zap.Duration("idle_ttl", cfg.Memory.IdleTTL),
	)
	return NewManager(store, cfg.Memory, logger), nil
}
