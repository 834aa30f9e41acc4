package moderation

import (
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the configured moderator. Demo mode always uses
// the local keyword screen regardless of endpoint configuration.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (Moderator, error) {
	threshold, err := ParseThreshold(cfg.Moderation.Threshold)
	if err != nil {
		return nil, err
	}
	if !cfg.Demo.Enabled && cfg.Moderation.Provider == "contentsafety" {
		return NewContentSafetyModerator(ContentSafetyConfig{
			Endpoint:  cfg.Moderation.Endpoint,
			APIKey:    cfg.Moderation.APIKey,
			Threshold: threshold,
			Timeout:   cfg.Moderation.Timeout,
		}, logger)
	}
	return NewLocalModerator(threshold), nil
}
