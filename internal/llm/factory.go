package llm

import (
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/config"
)

// NewFromConfig builds the completion client for the configured mode.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (Client, error) {
	if cfg.Demo.Enabled {
		return NewDemoCompleter(), nil
	}
	return NewAzureClient(AzureConfig{
		Endpoint:    cfg.AzureOpenAI.Endpoint,
		APIKey:      cfg.AzureOpenAI.APIKey,
		APIVersion:  cfg.AzureOpenAI.APIVersion,
		Deployment:  cfg.AzureOpenAI.ChatDeployment,
		Temperature: cfg.AzureOpenAI.Temperature,
		Timeout:     cfg.AzureOpenAI.Timeout,
	}, logger)
}
