package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newFakeContentSafety(t *testing.T, handler http.HandlerFunc) *ContentSafetyModerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m, err := NewContentSafetyModerator(ContentSafetyConfig{
		Endpoint:  srv.URL,
		APIKey:    "cs-key",
		Threshold: SeverityMedium,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestContentSafetyCheck(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotReq analyzeRequest

	m := newFakeContentSafety(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		gotVersion = r.URL.Query().Get("api-version")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"categoriesAnalysis": []map[string]interface{}{
				{"category": "Hate", "severity": 0},
				{"category": "Violence", "severity": 4},
				{"category": "SelfHarm", "severity": 2},
				{"category": "Sexual", "severity": 0},
			},
		})
	})

	res, err := m.Check(context.Background(), "borderline text")
	require.NoError(t, err)

	assert.True(t, res.Flagged, "violence at 4 meets the medium threshold")
	assert.Equal(t, SeverityMedium, res.Severity)
	assert.Equal(t, ActionAllowWithWarning, res.Action)
	assert.Equal(t, 4, res.Level)
	assert.Equal(t, 4, res.Categories["Violence"])
	assert.Equal(t, "contentsafety", res.Provider)

	assert.Equal(t, "/contentsafety/text:analyze", gotPath)
	assert.Equal(t, "cs-key", gotKey)
	assert.Equal(t, "2023-10-01", gotVersion)
	assert.Equal(t, "borderline text", gotReq.Text)
	assert.Equal(t, "FourSeverityLevels", gotReq.OutputType)
}

func TestContentSafetyAllSafe(t *testing.T) {
	m := newFakeContentSafety(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"categoriesAnalysis": []map[string]interface{}{
				{"category": "Hate", "severity": 0},
				{"category": "Violence", "severity": 0},
			},
		})
	})

	res, err := m.Check(context.Background(), "how do I file a hazard report")
	require.NoError(t, err)
	assert.False(t, res.Flagged)
	assert.Equal(t, ActionAllow, res.Action)
}

func TestContentSafetyTruncatesLongText(t *testing.T) {
	var gotLen int
	m := newFakeContentSafety(t, func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotLen = len(req.Text)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"categoriesAnalysis": []interface{}{}})
	})

	_, err := m.Check(context.Background(), strings.Repeat("x", 25000))
	require.NoError(t, err)
	assert.Equal(t, contentSafetyMaxChars, gotLen)
}

func TestContentSafetyProviderFailure(t *testing.T) {
	m := newFakeContentSafety(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := m.Check(context.Background(), "text")
	require.Error(t, err, "provider failures surface so the caller can fail open")
	assert.Contains(t, err.Error(), "500")
}

func TestContentSafetyRequiresCredentials(t *testing.T) {
	_, err := NewContentSafetyModerator(ContentSafetyConfig{}, nil)
	assert.Error(t, err)
}
