package demo

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/worksafeai/copilot/internal/models"
)

const (
	askFixtureFile    = "ask-fixtures.json"
	letterFixtureFile = "letter-fixtures.json"
)

// AskFixture is one canned question/answer pair. Matching keys off the
// normalized signature of Question, so near-identical phrasings hit the
// same fixture.
type AskFixture struct {
	Question  string            `json:"question"`
	Answer    string            `json:"answer"`
	Citations []models.Citation `json:"citations"`
}

// LetterFixture is one canned letter draft keyed by purpose.
type LetterFixture struct {
	Purpose      string   `json:"purpose"`
	Subject      string   `json:"subject"`
	Body         string   `json:"body"`
	Placeholders []string `json:"placeholders"`
}

// defaultAskFixtures seed the ask fixture file on first run.
func defaultAskFixtures() []AskFixture {
	return []AskFixture{
		{
			Question: "What PPE is required for construction work?",
			Answer: "All workers on active construction sites must wear hard hats, " +
				"safety glasses, and steel-toed boots at all times [#1]. High-visibility " +
				"vests are required in vehicle traffic areas, and hearing protection must " +
				"be worn when posted noise levels exceed 85 decibels [#2].",
			Citations: []models.Citation{
				{
					ID:      "c1",
					Title:   "Personal Protective Equipment Standards",
					Section: "Section 3.1",
					Excerpt: "Hard hats, safety glasses, and steel-toed boots are mandatory on all active construction sites.",
					Score:   0.92,
				},
				{
					ID:      "c2",
					Title:   "Personal Protective Equipment Standards",
					Section: "Section 3.4",
					Excerpt: "High-visibility vests and hearing protection are required where posted.",
					Score:   0.87,
				},
			},
		},
		{
			Question: "How do I report a workplace incident?",
			Answer: "Report any workplace incident to your supervisor within 24 hours " +
				"using Form WS-101 [#1]. Serious injuries must be escalated to the safety " +
				"office immediately, and the scene preserved until an inspector arrives [#2].",
			Citations: []models.Citation{
				{
					ID:      "c1",
					Title:   "Incident Reporting Procedures",
					Section: "Section 5",
					Excerpt: "All incidents must be reported within 24 hours using Form WS-101.",
					Score:   0.94,
				},
				{
					ID:      "c2",
					Title:   "Incident Reporting Procedures",
					Section: "Section 5.2",
					Excerpt: "Serious injuries require immediate escalation to the safety office.",
					Score:   0.85,
				},
			},
		},
	}
}

// defaultLetterFixtures seed the letter fixture file on first run.
func defaultLetterFixtures() []LetterFixture {
	return []LetterFixture{
		{
			Purpose: "incident notification",
			Subject: "Workplace Incident Notification",
			Body: "Dear {{recipient_name}},\n\n" +
				"This letter confirms that a workplace incident involving your area of " +
				"responsibility has been recorded. Investigation scheduled: the safety " +
				"office will review the incident within five business days. Documentation " +
				"required: please submit witness statements and the completed Form WS-101 " +
				"before the review date.\n\n" +
				"Contact the safety office if you have questions about the next steps.\n\n" +
				"Sincerely,\n{{sender_name}}",
			Placeholders: []string{"recipient_name", "sender_name"},
		},
		{
			Purpose: "safety inspection follow-up",
			Subject: "Follow-Up on Recent Safety Inspection",
			Body: "Dear {{recipient_name}},\n\n" +
				"Following the safety inspection completed on {{inspection_date}}, the " +
				"items noted in the report must be corrected within 30 days. Please " +
				"confirm the corrective actions taken for each finding in writing.\n\n" +
				"Sincerely,\n{{sender_name}}",
			Placeholders: []string{"recipient_name", "inspection_date", "sender_name"},
		},
	}
}

// writeFixtureFile marshals fixtures to disk with indentation so the
// files stay hand-editable.
func writeFixtureFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixtures: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixtures %s: %w", path, err)
	}
	return nil
}

// loadAskFixtures reads and indexes the ask fixture file by signature.
func loadAskFixtures(path string) (map[string]AskFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var fixtures []AskFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	indexed := make(map[string]AskFixture, len(fixtures))
	for _, f := range fixtures {
		sig := Signature(f.Question)
		if sig == "" {
			continue
		}
		indexed[sig] = f
	}
	return indexed, nil
}

// loadLetterFixtures reads and indexes the letter fixture file by signature.
func loadLetterFixtures(path string) (map[string]LetterFixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	var fixtures []LetterFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	indexed := make(map[string]LetterFixture, len(fixtures))
	for _, f := range fixtures {
		sig := Signature(f.Purpose)
		if sig == "" {
			continue
		}
		indexed[sig] = f
	}
	return indexed, nil
}
