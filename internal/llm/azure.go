package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/tracing"
)

// AzureConfig controls the Azure OpenAI chat client. Deployment is the
// Azure deployment name.
type AzureConfig struct {
	Endpoint    string
	APIKey      string
	APIVersion  string
	Deployment  string
	Temperature float64
	Timeout     time.Duration
}

// AzureClient generates completions through an Azure OpenAI deployment.
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
		cfg.Deployment = "gpt-4o"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
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
		breaker: circuitbreaker.New("azure_openai_chat", circuitbreaker.ProviderConfig(), logger),
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (c *AzureClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.cfg.Temperature
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.cfg.Deployment),
		Temperature: openai.Float(temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var resp *openai.ChatCompletion
	err := c.breaker.Execute(ctx, func() error {
		var callErr error
		resp, callErr = c.client.Chat.Completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, c.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: "azure-openai", Err: errors.New("no choices returned")}
	}

	completion := &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	metrics.RecordTokens(completion.InputTokens, completion.OutputTokens)
	return completion, nil
}

func (c *AzureClient) Model() string { return c.cfg.Deployment }

func (c *AzureClient) wrapErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &ProviderError{Provider: "azure-openai", Status: apierr.StatusCode, Err: err}
	}
	return &ProviderError{Provider: "azure-openai", Err: err}
}
