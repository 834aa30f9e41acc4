package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/tracing"
)

const (
	contentSafetyAPIVersion = "2023-10-01"
	// The analyze endpoint rejects texts above 10k characters.
	contentSafetyMaxChars = 10000
)

// ContentSafetyConfig controls the Azure AI Content Safety client.
type ContentSafetyConfig struct {
	Endpoint  string
	APIKey    string
	Threshold Severity
	Timeout   time.Duration
}

// ContentSafetyModerator calls the Azure Content Safety text:analyze API
// through the circuit-breaker wrapped HTTP client.
type ContentSafetyModerator struct {
	cfg    ContentSafetyConfig
	base   string
	httpw  *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

func NewContentSafetyModerator(cfg ContentSafetyConfig, logger *zap.Logger) (*ContentSafetyModerator, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("content safety endpoint and api key are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &ContentSafetyModerator{
		cfg:    cfg,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		httpw:  circuitbreaker.NewHTTPWrapper(client, "contentsafety", logger),
		logger: logger,
	}, nil
}

type analyzeRequest struct {
	Text       string `json:"text"`
	OutputType string `json:"outputType"`
}

type analyzeResponse struct {
	CategoriesAnalysis []struct {
		Category string `json:"category"`
		Severity int    `json:"severity"`
	} `json:"categoriesAnalysis"`
}

func (m *ContentSafetyModerator) Check(ctx context.Context, text string) (*Result, error) {
	if len(text) > contentSafetyMaxChars {
		text = text[:contentSafetyMaxChars]
	}

	body, err := json.Marshal(analyzeRequest{Text: text, OutputType: "FourSeverityLevels"})
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/contentsafety/text:analyze?api-version=%s", m.base, contentSafetyAPIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.APIKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := m.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content safety: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content safety: status %d", resp.StatusCode)
	}

	var ar analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("content safety: decode: %w", err)
	}

	level := 0
	categories := make(map[string]int, len(ar.CategoriesAnalysis))
	for _, c := range ar.CategoriesAnalysis {
		categories[c.Category] = c.Severity
		if c.Severity > level {
			level = c.Severity
		}
	}
	return Evaluate(level, m.cfg.Threshold, m.Name(), categories), nil
}

func (m *ContentSafetyModerator) Name() string { return "contentsafety" }
