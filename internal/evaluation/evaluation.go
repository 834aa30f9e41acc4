// Package evaluation batch-scores the answering pipeline against a golden
// dataset. Each golden case is a question with the phrases its answer must
// contain and the policy title it must cite; the harness runs every case
// through the pipeline and produces a JSON report with per-case verdicts
// and per-category aggregates.
package evaluation

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/models"
)

// Asker runs one question through the answering pipeline.
type Asker interface {
	ProcessAsk(ctx context.Context, req *models.AskRequest) (*models.AskResponse, error)
}

// GoldenCase is one row of the golden dataset.
type GoldenCase struct {
	ID            string
	Question      string
	MustContain   []string
	MustCiteTitle string
	Category      string
}

// CaseResult is the verdict for one golden case. A case passes when the
// answer contains every required phrase, cites the required title, the
// citation markers are coherent, and the pipeline returned no error.
type CaseResult struct {
	ID              string   `json:"id"`
	Category        string   `json:"category"`
	Passed          bool     `json:"passed"`
	Containment     float64  `json:"containment"`
	MissingPhrases  []string `json:"missing_phrases,omitempty"`
	CitedTitle      bool     `json:"cited_title"`
	MarkersCoherent bool     `json:"markers_coherent"`
	InvalidMarkers  []string `json:"invalid_markers,omitempty"`
	Citations       int      `json:"citations"`
	Answer          string   `json:"answer,omitempty"`
	Error           string   `json:"error,omitempty"`
	DurationMs      int64    `json:"duration_ms"`
}

// CategoryStats aggregates verdicts for one golden-dataset category.
type CategoryStats struct {
	Cases           int     `json:"cases"`
	Passed          int     `json:"passed"`
	PassRate        float64 `json:"pass_rate"`
	MeanContainment float64 `json:"mean_containment"`
}

// Report is the harness output: per-case verdicts plus aggregates.
type Report struct {
	GeneratedAt     time.Time                `json:"generated_at"`
	Cases           int                      `json:"cases"`
	Passed          int                      `json:"passed"`
	PassRate        float64                  `json:"pass_rate"`
	MeanContainment float64                  `json:"mean_containment"`
	Categories      map[string]CategoryStats `json:"categories"`
	Results         []CaseResult             `json:"results"`
}

// WriteFile writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

var goldenHeader = []string{"id", "question", "mustContain", "mustCiteTitle", "category"}

// LoadGolden reads a golden dataset CSV. The first record must be the
// header id,question,mustContain,mustCiteTitle,category; mustContain is a
// ;-separated phrase list. Rows missing an id or question are rejected.
func LoadGolden(path string) ([]GoldenCase, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open golden dataset: %w", err)
	}
	defer f.Close()
	return parseGolden(f)
}

func parseGolden(r io.Reader) ([]GoldenCase, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read golden header: %w", err)
	}
	if len(header) != len(goldenHeader) {
		return nil, fmt.Errorf("golden header has %d columns, want %d (%s)",
			len(header), len(goldenHeader), strings.Join(goldenHeader, ","))
	}
	for i, want := range goldenHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return nil, fmt.Errorf("golden header column %d is %q, want %q", i+1, header[i], want)
		}
	}

	var cases []GoldenCase
	for row := 1; ; row++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read golden row %d: %w", row, err)
		}
		c := GoldenCase{
			ID:            strings.TrimSpace(record[0]),
			Question:      strings.TrimSpace(record[1]),
			MustContain:   splitPhrases(record[2]),
			MustCiteTitle: strings.TrimSpace(record[3]),
			Category:      strings.TrimSpace(record[4]),
		}
		if c.ID == "" {
			return nil, fmt.Errorf("golden row %d has no id", row)
		}
		if c.Question == "" {
			return nil, fmt.Errorf("golden row %d (%s) has no question", row, c.ID)
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func splitPhrases(field string) []string {
	var phrases []string
	for _, p := range strings.Split(field, ";") {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

// Harness drives golden cases through an Asker and scores the answers.
type Harness struct {
	asker  Asker
	logger *zap.Logger
}

func New(asker Asker, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{asker: asker, logger: logger}
}

// Run evaluates every case in order. Pipeline errors fail the affected
// case but never abort the batch; only context cancellation does.
func (h *Harness) Run(ctx context.Context, cases []GoldenCase) (*Report, error) {
	if len(cases) == 0 {
		return nil, fmt.Errorf("golden dataset is empty")
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Cases:       len(cases),
		Categories:  make(map[string]CategoryStats),
		Results:     make([]CaseResult, 0, len(cases)),
	}
	containmentSum := make(map[string]float64)
	var totalContainment float64

	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := h.asker.ProcessAsk(ctx, &models.AskRequest{
			Question:      c.Question,
			CorrelationID: "eval-" + c.ID,
		})
		result := scoreCase(c, resp, err)
		result.DurationMs = time.Since(start).Milliseconds()

		report.Results = append(report.Results, result)
		if result.Passed {
			report.Passed++
		}
		stats := report.Categories[c.Category]
		stats.Cases++
		if result.Passed {
			stats.Passed++
		}
		report.Categories[c.Category] = stats
		containmentSum[c.Category] += result.Containment
		totalContainment += result.Containment

		h.logger.Debug("golden case scored",
			zap.String("id", c.ID),
			zap.Bool("passed", result.Passed),
			zap.Float64("containment", result.Containment),
			zap.Int64("duration_ms", result.DurationMs))
	}

	for category, stats := range report.Categories {
		stats.PassRate = float64(stats.Passed) / float64(stats.Cases)
		stats.MeanContainment = containmentSum[category] / float64(stats.Cases)
		report.Categories[category] = stats
	}
	report.PassRate = float64(report.Passed) / float64(report.Cases)
	report.MeanContainment = totalContainment / float64(report.Cases)

	h.logger.Info("golden evaluation complete",
		zap.Int("cases", report.Cases),
		zap.Int("passed", report.Passed),
		zap.Float64("pass_rate", report.PassRate))
	return report, nil
}

func scoreCase(c GoldenCase, resp *models.AskResponse, err error) CaseResult {
	result := CaseResult{ID: c.ID, Category: c.Category}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Answer = resp.Answer
	result.Citations = len(resp.Citations)
	result.Containment, result.MissingPhrases = scoreContainment(resp.Answer, c.MustContain)
	result.CitedTitle = citedTitle(resp.Citations, c.MustCiteTitle)
	result.MarkersCoherent, result.InvalidMarkers = checkMarkers(resp.Answer, len(resp.Citations))
	result.Passed = result.Containment == 1.0 && result.CitedTitle && result.MarkersCoherent
	return result
}

// scoreContainment reports the fraction of required phrases present in the
// answer, case-insensitively, and the phrases that are missing.
func scoreContainment(answer string, phrases []string) (float64, []string) {
	if len(phrases) == 0 {
		return 1.0, nil
	}
	lower := strings.ToLower(answer)
	var missing []string
	for _, phrase := range phrases {
		if !strings.Contains(lower, strings.ToLower(phrase)) {
			missing = append(missing, phrase)
		}
	}
	return float64(len(phrases)-len(missing)) / float64(len(phrases)), missing
}

func citedTitle(citations []models.Citation, want string) bool {
	if want == "" {
		return true
	}
	for _, c := range citations {
		if strings.Contains(strings.ToLower(c.Title), strings.ToLower(want)) {
			return true
		}
	}
	return false
}

var markerPattern = regexp.MustCompile(`\[#(\d+)\]`)

// checkMarkers verifies that every [#N] marker in the answer points at one
// of the N returned citations.
func checkMarkers(answer string, citations int) (bool, []string) {
	var invalid []string
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > citations {
			invalid = append(invalid, m[0])
		}
	}
	return len(invalid) == 0, invalid
}
