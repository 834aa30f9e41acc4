package promptreg

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the configured template registry and prompt
// version store, initialized and seeded. The two share one connection
// pool on the postgres backend.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Registry, VersionStore, error) {
	switch cfg.Prompts.Backend {
	case "", "memory":
		r, err := NewMemoryRegistry(logger)
		if err != nil {
			return nil, nil, err
		}
		return r, NewMemoryVersionStore(), nil
	case "postgres":
		r, err := NewPostgresRegistry(cfg.Prompts.PostgresConnStr, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := r.Initialize(ctx); err != nil {
			return nil, nil, err
		}
		vs := NewPostgresVersionStore(r.db, logger)
		if err := vs.Initialize(ctx); err != nil {
			return nil, nil, err
		}
		return r, vs, nil
	default:
		return nil, nil, fmt.Errorf("unknown prompts backend %q", cfg.Prompts.Backend)
	}
}
