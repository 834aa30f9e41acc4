package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/tracing"
)

// AzureConfig controls the Azure OpenAI embedding client. Deployment is
// the Azure deployment name, which doubles as the model label.
type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Deployment string
	Dimension  int
	Timeout    time.Duration
}

// AzureClient generates embeddings through an Azure OpenAI deployment.
type AzureClient struct {
	client  openai.Client
	breaker *circuitbreaker.Breaker
	cfg     AzureConfig
	logger  *zap.Logger
}

func NewAzureClient(cfg AzureConfig, logger *zap.Logger) (*AzureClient, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, errors.New("azure openai endpoint and api key are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-06-01"
	}
	if cfg.Deployment == "" {
		cfg.Deployment = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := openai.NewClient(
		azure.WithEndpoint(cfg.Endpoint, cfg.APIVersion),
		azure.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	)
	return &AzureClient{
		client:  client,
		breaker: circuitbreaker.New("azure_openai_embeddings", circuitbreaker.ProviderConfig(), logger),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (c *AzureClient) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *AzureClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "embeddings.generate")
	defer span.End()

	var resp *openai.CreateEmbeddingResponse
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model: openai.EmbeddingModel(c.cfg.Deployment),
		})
		return callErr
	})
	if err != nil {
		metrics.RecordEmbedding(c.cfg.Deployment, "error", time.Since(start).Seconds())
		return nil, c.wrapErr(err)
	}
	if len(resp.Data) != len(texts) {
		metrics.RecordEmbedding(c.cfg.Deployment, "error", time.Since(start).Seconds())
		return nil, &ProviderError{
			Provider: "azure-openai",
			Err:      fmt.Errorf("got %d embeddings for %d texts", len(resp.Data), len(texts)),
		}
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		if len(vec) != c.cfg.Dimension {
			metrics.RecordEmbedding(c.cfg.Deployment, "error", time.Since(start).Seconds())
			return nil, &ProviderError{
				Provider: "azure-openai",
				Err:      fmt.Errorf("deployment returned dimension %d, store expects %d", len(vec), c.cfg.Dimension),
			}
		}
		out[int(d.Index)] = vec
	}
	metrics.RecordEmbedding(c.cfg.Deployment, "ok", time.Since(start).Seconds())
	return out, nil
}

func (c *AzureClient) Dimension() int { return c.cfg.Dimension }

func (c *AzureClient) Model() string { return c.cfg.Deployment }

func (c *AzureClient) wrapErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &ProviderError{Provider: "azure-openai", Status: apierr.StatusCode, Err: err}
	}
	return &ProviderError{Provider: "azure-openai", Err: err}
}
