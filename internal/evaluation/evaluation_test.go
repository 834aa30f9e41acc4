package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/worksafeai/copilot/internal/models"
)

type stubAsker struct {
	responses map[string]*models.AskResponse
	errs      map[string]error
	calls     []string
}

func (s *stubAsker) ProcessAsk(_ context.Context, req *models.AskRequest) (*models.AskResponse, error) {
	s.calls = append(s.calls, req.CorrelationID)
	if err := s.errs[req.Question]; err != nil {
		return nil, err
	}
	if resp, ok := s.responses[req.Question]; ok {
		return resp, nil
	}
	return &models.AskResponse{Answer: "no canned answer"}, nil
}

func writeGolden(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "golden.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadGoldenParsesRows(t *testing.T) {
	path := writeGolden(t, `id,question,mustContain,mustCiteTitle,category
g1,What PPE is required for construction work?,hard hats;safety glasses,Personal Protective Equipment Standards,ppe
g2,"When, and to whom, do I report an incident?","supervisor; 24 hours",Incident Reporting Procedures,incident
g3,What about welding?,,,general
`)

	cases, err := LoadGolden(path)
	require.NoError(t, err)
	require.Len(t, cases, 3)

	assert.Equal(t, "g1", cases[0].ID)
	assert.Equal(t, "What PPE is required for construction work?", cases[0].Question)
	assert.Equal(t, []string{"hard hats", "safety glasses"}, cases[0].MustContain)
	assert.Equal(t, "Personal Protective Equipment Standards", cases[0].MustCiteTitle)
	assert.Equal(t, "ppe", cases[0].Category)

	assert.Equal(t, "When, and to whom, do I report an incident?", cases[1].Question)
	assert.Equal(t, []string{"supervisor", "24 hours"}, cases[1].MustContain)

	assert.Empty(t, cases[2].MustContain)
	assert.Empty(t, cases[2].MustCiteTitle)
}

func TestLoadGoldenRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "renamed column",
			content: "id,prompt,mustContain,mustCiteTitle,category\n",
			wantErr: `want "question"`,
		},
		{
			name:    "missing column",
			content: "id,question,mustContain,mustCiteTitle\n",
			wantErr: "columns",
		},
		{
			name:    "row without id",
			content: "id,question,mustContain,mustCiteTitle,category\n,What now?,,,general\n",
			wantErr: "no id",
		},
		{
			name:    "row without question",
			content: "id,question,mustContain,mustCiteTitle,category\ng1,,,,general\n",
			wantErr: "no question",
		},
		{
			name:    "short row",
			content: "id,question,mustContain,mustCiteTitle,category\ng1,What now?,,general\n",
			wantErr: "row 1",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadGolden(writeGolden(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRunScoresCases(t *testing.T) {
	asker := &stubAsker{
		responses: map[string]*models.AskResponse{
			"What PPE is required on site?": {
				Answer: "Wear hard hats and safety glasses at all times on site [#1].",
				Citations: []models.Citation{
					{ID: "c1", Title: "Personal Protective Equipment Standards", Score: 0.8},
				},
			},
			"When do I report an incident?": {
				Answer: "Report every incident to your supervisor [#1].",
				Citations: []models.Citation{
					{ID: "c1", Title: "Incident Reporting Procedures", Score: 0.7},
				},
			},
			"Is a permit needed for hot work?": {
				Answer: "Hot work needs a permit [#3].",
				Citations: []models.Citation{
					{ID: "c1", Title: "Hot Work Permits", Score: 0.6},
				},
			},
		},
		errs: map[string]error{
			"What is the noise exposure limit?": errors.New("completion provider unavailable"),
		},
	}
	cases := []GoldenCase{
		{ID: "g1", Question: "What PPE is required on site?", MustContain: []string{"hard hats", "safety glasses"}, MustCiteTitle: "Personal Protective Equipment", Category: "ppe"},
		{ID: "g2", Question: "When do I report an incident?", MustContain: []string{"supervisor", "24 hours"}, MustCiteTitle: "Incident Reporting Procedures", Category: "incident"},
		{ID: "g3", Question: "Is a permit needed for hot work?", MustCiteTitle: "Hot Work Permits", Category: "ppe"},
		{ID: "g4", Question: "What is the noise exposure limit?", MustContain: []string{"85 decibels"}, Category: "incident"},
	}

	report, err := New(asker, zaptest.NewLogger(t)).Run(context.Background(), cases)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Cases)
	assert.Equal(t, 1, report.Passed)
	assert.InDelta(t, 0.25, report.PassRate, 1e-9)
	assert.InDelta(t, 0.625, report.MeanContainment, 1e-9)
	assert.False(t, report.GeneratedAt.IsZero())
	require.Len(t, report.Results, 4)

	pass := report.Results[0]
	assert.True(t, pass.Passed)
	assert.Equal(t, 1.0, pass.Containment)
	assert.Empty(t, pass.MissingPhrases)
	assert.True(t, pass.CitedTitle)
	assert.True(t, pass.MarkersCoherent)
	assert.Equal(t, 1, pass.Citations)

	missing := report.Results[1]
	assert.False(t, missing.Passed)
	assert.InDelta(t, 0.5, missing.Containment, 1e-9)
	assert.Equal(t, []string{"24 hours"}, missing.MissingPhrases)
	assert.True(t, missing.CitedTitle)

	marker := report.Results[2]
	assert.False(t, marker.Passed)
	assert.Equal(t, 1.0, marker.Containment)
	assert.False(t, marker.MarkersCoherent)
	assert.Equal(t, []string{"[#3]"}, marker.InvalidMarkers)

	failed := report.Results[3]
	assert.False(t, failed.Passed)
	assert.Contains(t, failed.Error, "unavailable")
	assert.Zero(t, failed.Containment)

	ppe := report.Categories["ppe"]
	assert.Equal(t, 2, ppe.Cases)
	assert.Equal(t, 1, ppe.Passed)
	assert.InDelta(t, 0.5, ppe.PassRate, 1e-9)
	assert.InDelta(t, 1.0, ppe.MeanContainment, 1e-9)

	incident := report.Categories["incident"]
	assert.Equal(t, 2, incident.Cases)
	assert.Equal(t, 0, incident.Passed)
	assert.InDelta(t, 0.25, incident.MeanContainment, 1e-9)

	// Correlation ids tie report rows back to audit entries.
	assert.Equal(t, []string{"eval-g1", "eval-g2", "eval-g3", "eval-g4"}, asker.calls)
}

func TestRunAbortsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	asker := &stubAsker{}
	report, err := New(asker, zaptest.NewLogger(t)).Run(ctx, []GoldenCase{{ID: "g1", Question: "q"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
	assert.Empty(t, asker.calls)
}

func TestRunRejectsEmptyDataset(t *testing.T) {
	_, err := New(&stubAsker{}, zaptest.NewLogger(t)).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestReportWriteFile(t *testing.T) {
	asker := &stubAsker{responses: map[string]*models.AskResponse{
		"q": {Answer: "plain answer"},
	}}
	report, err := New(asker, zaptest.NewLogger(t)).Run(context.Background(), []GoldenCase{
		{ID: "g1", Question: "q", Category: "general"},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Report
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, 1, loaded.Cases)
	assert.Equal(t, 1, loaded.Passed)
	require.Contains(t, loaded.Categories, "general")
	assert.Equal(t, 1, loaded.Categories["general"].Cases)
}

func TestCheckMarkers(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		citations int
		coherent  bool
		invalid   []string
	}{
		{name: "no markers", answer: "plain text", citations: 0, coherent: true},
		{name: "in range", answer: "see [#1] and [#2]", citations: 2, coherent: true},
		{name: "zero marker", answer: "see [#0]", citations: 2, coherent: false, invalid: []string{"[#0]"}},
		{name: "past the end", answer: "see [#3]", citations: 2, coherent: false, invalid: []string{"[#3]"}},
		{name: "marker without citations", answer: "see [#1]", citations: 0, coherent: false, invalid: []string{"[#1]"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coherent, invalid := checkMarkers(tc.answer, tc.citations)
			assert.Equal(t, tc.coherent, coherent)
			assert.Equal(t, tc.invalid, invalid)
		})
	}
}
