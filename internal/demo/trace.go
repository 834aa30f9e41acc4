package demo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/metrics"
)

const traceFile = "demo-traces.json"

// TraceRecord is one served-fixture event in the demo trace file.
type TraceRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Operation     string    `json:"operation"`
	Signature     string    `json:"signature"`
	PromptSha     string    `json:"prompt_sha"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// RecordTrace appends a served-fixture record to the demo trace file and
// counts the hit. Trace persistence is best-effort: failures are logged
// and never surface to the request.
func (s *Service) RecordTrace(operation, matchedText, correlationID string) {
	metrics.FixtureHits.WithLabelValues(operation).Inc()

	record := TraceRecord{
		Timestamp:     time.Now().UTC(),
		Operation:     operation,
		Signature:     Signature(matchedText),
		PromptSha:     PromptSha(matchedText),
		CorrelationID: correlationID,
	}

	s.traceMu.Lock()
	defer s.traceMu.Unlock()

	if err := os.MkdirAll(s.cfg.TracePath, 0o755); err != nil {
		s.logger.Warn("demo trace dir unavailable", zap.Error(err))
		return
	}
	path := filepath.Join(s.cfg.TracePath, traceFile)

	var records []TraceRecord
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &records); err != nil {
			s.logger.Warn("demo trace file unreadable, starting over",
				zap.String("path", path), zap.Error(err))
			records = nil
		}
	}
	records = append(records, record)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		s.logger.Warn("demo trace marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("demo trace write failed", zap.String("path", path), zap.Error(err))
	}
}
