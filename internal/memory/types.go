// Package memory holds the three long-lived memories the pipeline reads
// and writes around each request: conversation turns for multi-turn
// continuity, persona profiles that shape answer style, and the policy
// knowledge entries surfaced by keyword search. Three backends implement
// the same Store contract: in-process maps, Postgres, and Redis.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConversationNotFound is returned when a conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrPersonaNotFound is returned when no persona exists for a user.
	ErrPersonaNotFound = errors.New("persona not found")
	// ErrPolicyNotFound is returned when a policy key is unknown.
	ErrPolicyNotFound = errors.New("policy entry not found")
	// ErrUnavailable wraps backend connectivity failures.
	ErrUnavailable = errors.New("memory store unavailable")
)

// Persona variants. Every user profile is one of these four roles; the
// variant picks the seeded defaults and the tone line added to prompts.
const (
	VariantInspector         = "inspector"
	VariantClaimsAdjudicator = "claims_adjudicator"
	VariantPolicyAnalyst     = "policy_analyst"
	VariantAdministrator     = "administrator"
)

// NormalizeVariant maps external spellings ("ClaimsAdjudicator",
// "policy-analyst") onto the canonical constant, or fails.
func NormalizeVariant(v string) (string, error) {
	folded := strings.ToLower(strings.TrimSpace(v))
	folded = strings.NewReplacer("-", "", "_", "", " ", "").Replace(folded)
	switch folded {
	case "inspector":
		return VariantInspector, nil
	case "claimsadjudicator", "adjudicator":
		return VariantClaimsAdjudicator, nil
	case "policyanalyst", "analyst":
		return VariantPolicyAnalyst, nil
	case "administrator", "admin":
		return VariantAdministrator, nil
	default:
		return "", fmt.Errorf("unknown persona variant %q", v)
	}
}

// Turn is one user/assistant exchange in a conversation.
type Turn struct {
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	CitationIDs       []string  `json:"citation_ids,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Conversation is the bounded turn history for one conversation id.
// Turns are append-only; stores trim to the configured retention bound
// by dropping the oldest.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id,omitempty"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// RecentContext renders the last k turns as prompt-ready text, oldest
// first so the model reads the exchange in order.
func (c *Conversation) RecentContext(k int) string {
	if c == nil || len(c.Turns) == 0 || k <= 0 {
		return ""
	}
	turns := c.Turns
	if len(turns) > k {
		turns = turns[len(turns)-k:]
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("User: ")
		b.WriteString(t.UserMessage)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.AssistantResponse)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// appendTrimmed appends a turn and drops the oldest beyond maxTurns.
func appendTrimmed(turns []Turn, t Turn, maxTurns int) []Turn {
	turns = append(turns, t)
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns
}

// Persona is a user's answer-style profile. Profile keys are free-form;
// the seeded defaults populate role, response_style, preferred_sources,
// and typical_questions.
type Persona struct {
	UserID      string            `json:"user_id"`
	Variant     string            `json:"variant"`
	Profile     map[string]string `json:"profile"`
	Preferences []string          `json:"preferences,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PromptLine renders the one-line persona hint the answer prompt carries.
func (p *Persona) PromptLine() string {
	if p == nil {
		return ""
	}
	role := p.Profile["role"]
	style := p.Profile["response_style"]
	switch {
	case role != "" && style != "":
		return fmt.Sprintf("The reader is a %s. Respond in this style: %s.", role, strings.TrimSuffix(style, "."))
	case role != "":
		return fmt.Sprintf("The reader is a %s.", role)
	default:
		return ""
	}
}

// PolicyEntry is one keyword-searchable knowledge entry. AccessCount and
// LastAccessed drive search ranking and are bumped on every read.
type PolicyEntry struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Tags         []string  `json:"tags,omitempty"`
	Category     string    `json:"category,omitempty"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Matches reports whether the lowered query appears in the title,
// content, category, or any tag.
func (e *PolicyEntry) Matches(loweredQuery string) bool {
	if loweredQuery == "" {
		return false
	}
	if strings.Contains(strings.ToLower(e.Title), loweredQuery) ||
		strings.Contains(strings.ToLower(e.Content), loweredQuery) ||
		strings.Contains(strings.ToLower(e.Category), loweredQuery) {
		return true
	}
	for _, tag := range e.Tags {
		if strings.Contains(strings.ToLower(tag), loweredQuery) {
			return true
		}
	}
	return false
}

// Store is the contract every memory backend satisfies. All operations
// are safe for concurrent use.
type Store interface {
	// AppendTurn records one exchange, creating the conversation on first
	// use and trimming history to the retention bound. Returns the
	// conversation after the append.
	AppendTurn(ctx context.Context, conversationID, userID string, turn Turn) (*Conversation, error)

	// GetConversation fetches one conversation with its retained turns.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// CleanupIdleConversations removes conversations whose last activity
	// is before the cutoff and reports how many were removed.
	CleanupIdleConversations(ctx context.Context, cutoff time.Time) (int, error)

	// GetPersona fetches the persona for a user.
	GetPersona(ctx context.Context, userID string) (*Persona, error)

	// PutPersona inserts or replaces a persona.
	PutPersona(ctx context.Context, p Persona) (*Persona, error)

	// PutPolicy inserts or replaces a policy entry, preserving access
	// stats on overwrite.
	PutPolicy(ctx context.Context, e PolicyEntry) error

	// GetPolicy fetches one entry by key and records the access.
	GetPolicy(ctx context.Context, key string) (*PolicyEntry, error)

	// SearchPolicies returns up to limit entries matching the query,
	// ranked by access count then recency. Each hit's access is recorded.
	SearchPolicies(ctx context.Context, query string, limit int) ([]PolicyEntry, error)

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	// Name identifies the backend for logs and metrics.
	Name() string

	Close() error
}
