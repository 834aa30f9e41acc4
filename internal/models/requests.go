package models

import "time"

// AskRequest is a question-answering request. MaxTokens of zero means the
// configured default; TopK of zero means the configured default.
type AskRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	TopK           int    `json:"top_k,omitempty"`
	CorrelationID  string `json:"-"`
}

// DraftRequest is a letter-drafting request. Points are the facts the
// letter must work in; Tone defaults to "formal".
type DraftRequest struct {
	Purpose        string   `json:"purpose"`
	Points         []string `json:"points,omitempty"`
	Recipient      string   `json:"recipient,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	CorrelationID  string   `json:"-"`
}

// ResponseMetadata travels with every successful response.
type ResponseMetadata struct {
	CorrelationID    string       `json:"correlation_id"`
	PromptSha        string       `json:"prompt_sha,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms"`
	AgentTraces      []AgentTrace `json:"agent_traces,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
	DemoFixture      bool         `json:"demo_fixture,omitempty"`
	Timestamp        time.Time    `json:"timestamp"`
}

// AskResponse is the wire shape for answers.
type AskResponse struct {
	Answer    string           `json:"answer"`
	Citations []Citation       `json:"citations"`
	Metadata  ResponseMetadata `json:"metadata"`
}

// DraftResponse is the wire shape for letter drafts.
type DraftResponse struct {
	Subject      string           `json:"subject"`
	Body         string           `json:"body"`
	Placeholders []string         `json:"placeholders"`
	References   []string         `json:"references,omitempty"`
	Metadata     ResponseMetadata `json:"metadata"`
}

// IngestRequest carries chunks for indexing.
type IngestRequest struct {
	Chunks []Chunk `json:"chunks"`
}

// IngestResponse reports per-item ingestion outcomes.
type IngestResponse struct {
	Succeeded int           `json:"succeeded"`
	Failed    []IngestError `json:"failed,omitempty"`
}

// IngestError identifies one chunk that could not be indexed.
type IngestError struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Error string `json:"error"`
}
