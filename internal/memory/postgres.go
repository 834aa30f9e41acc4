package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
)

// PostgresStore persists the three memories in Postgres. Turn history,
// persona profiles, and policy tags live in jsonb columns; conversation
// trimming happens in the application inside a row-locking transaction
// so concurrent appends to one conversation never lose turns.
type PostgresStore struct {
	db       *circuitbreaker.DatabaseWrapper
	maxTurns int
	logger   *zap.Logger
}

// NewPostgresStore opens a connection pool for the memory schema.
func NewPostgresStore(connStr string, maxTurns int, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newPostgresStoreWithDB(db, maxTurns, logger), nil
}

func newPostgresStoreWithDB(db *sqlx.DB, maxTurns int, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &PostgresStore{
		db:       circuitbreaker.NewDatabaseWrapper(db, logger),
		maxTurns: maxTurns,
		logger:   logger,
	}
}

// Initialize creates the memory tables if absent.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			turns JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_activity ON conversations (last_activity)`,
		`CREATE TABLE IF NOT EXISTS personas (
			user_id TEXT PRIMARY KEY,
			variant TEXT NOT NULL,
			profile JSONB NOT NULL DEFAULT '{}',
			preferences JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			key TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]',
			category TEXT NOT NULL DEFAULT '',
			access_count INT NOT NULL DEFAULT 0,
			last_accessed TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize memory schema: %w", err)
		}
	}
	return nil
}

type conversationRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	Turns        []byte    `db:"turns"`
	CreatedAt    time.Time `db:"created_at"`
	LastActivity time.Time `db:"last_activity"`
}

func (r conversationRow) toConversation() (*Conversation, error) {
	conv := &Conversation{
		ID:           r.ID,
		UserID:       r.UserID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if len(r.Turns) > 0 {
		if err := json.Unmarshal(r.Turns, &conv.Turns); err != nil {
			return nil, fmt.Errorf("corrupt turn history for %s: %w", r.ID, err)
		}
	}
	return conv, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, conversationID, userID string, turn Turn) (*Conversation, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var row conversationRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, user_id, turns, created_at, last_activity
		FROM conversations WHERE id = $1 FOR UPDATE`, conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		row = conversationRow{ID: conversationID, UserID: userID, CreatedAt: turn.Timestamp}
	case err != nil:
		return nil, fmt.Errorf("%w: select: %v", ErrUnavailable, err)
	}

	conv, err := row.toConversation()
	if err != nil {
		return nil, err
	}
	if conv.UserID == "" {
		conv.UserID = userID
	}
	conv.Turns = appendTrimmed(conv.Turns, turn, s.maxTurns)
	conv.LastActivity = turn.Timestamp

	turnsJSON, err := json.Marshal(conv.Turns)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, turns, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			turns = EXCLUDED.turns,
			last_activity = EXCLUDED.last_activity`,
		conv.ID, conv.UserID, turnsJSON, conv.CreatedAt, conv.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	metrics.ConversationTurns.Inc()
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, turns, created_at, last_activity
		FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toConversation()
}

func (s *PostgresStore) CleanupIdleConversations(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type personaRow struct {
	UserID      string    `db:"user_id"`
	Variant     string    `db:"variant"`
	Profile     []byte    `db:"profile"`
	Preferences []byte    `db:"preferences"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r personaRow) toPersona() (*Persona, error) {
	p := &Persona{
		UserID:    r.UserID,
		Variant:   r.Variant,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Profile) > 0 {
		if err := json.Unmarshal(r.Profile, &p.Profile); err != nil {
			return nil, fmt.Errorf("corrupt persona profile for %s: %w", r.UserID, err)
		}
	}
	if len(r.Preferences) > 0 {
		if err := json.Unmarshal(r.Preferences, &p.Preferences); err != nil {
			return nil, fmt.Errorf("corrupt persona preferences for %s: %w", r.UserID, err)
		}
	}
	return p, nil
}

func (s *PostgresStore) GetPersona(ctx context.Context, userID string) (*Persona, error) {
	var row personaRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, variant, profile, preferences, created_at, updated_at
		FROM personas WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toPersona()
}

func (s *PostgresStore) PutPersona(ctx context.Context, p Persona) (*Persona, error) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	profileJSON, err := json.Marshal(p.Profile)
	if err != nil {
		return nil, err
	}
	prefsJSON, err := json.Marshal(p.Preferences)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO personas (user_id, variant, profile, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			variant = EXCLUDED.variant,
			profile = EXCLUDED.profile,
			preferences = EXCLUDED.preferences,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Variant, profileJSON, prefsJSON, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: put persona: %v", ErrUnavailable, err)
	}
	return &p, nil
}

type policyRow struct {
	Key          string       `db:"key"`
	Title        string       `db:"title"`
	Content      string       `db:"content"`
	Tags         []byte       `db:"tags"`
	Category     string       `db:"category"`
	AccessCount  int          `db:"access_count"`
	LastAccessed sql.NullTime `db:"last_accessed"`
	CreatedAt    time.Time    `db:"created_at"`
}

func (r policyRow) toPolicy() (*PolicyEntry, error) {
	e := &PolicyEntry{
		Key:         r.Key,
		Title:       r.Title,
		Content:     r.Content,
		Category:    r.Category,
		AccessCount: r.AccessCount,
		CreatedAt:   r.CreatedAt,
	}
	if r.LastAccessed.Valid {
		e.LastAccessed = r.LastAccessed.Time
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &e.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for policy %s: %w", r.Key, err)
		}
	}
	return e, nil
}

func (s *PostgresStore) PutPolicy(ctx context.Context, e PolicyEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return err
	}
	// access_count and last_accessed survive overwrites.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (key, title, content, tags, category, access_count, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (key) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			category = EXCLUDED.category`,
		e.Key, e.Title, e.Content, tagsJSON, e.Category, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: put policy: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, key string) (*PolicyEntry, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE policies SET access_count = access_count + 1, last_accessed = now()
		WHERE key = $1
		RETURNING key, title, content, tags, category, access_count, last_accessed, created_at`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toPolicy()
}

func (s *PostgresStore) SearchPolicies(ctx context.Context, query string, limit int) ([]PolicyEntry, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	var rows []policyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT key, title, content, tags, category, access_count, last_accessed, created_at
		FROM policies
		WHERE title ILIKE $1 OR content ILIKE $1 OR category ILIKE $1 OR tags::text ILIKE $1
		ORDER BY access_count DESC, last_accessed DESC NULLS LAST
		LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]PolicyEntry, 0, len(rows))
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		e, err := row.toPolicy()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
		keys = append(keys, e.Key)
	}
	// Record the accesses in one statement; ranking uses them next time.
	q, args, err := sqlx.In(`UPDATE policies SET access_count = access_count + 1, last_accessed = now() WHERE key IN (?)`, keys)
	if err == nil {
		if _, execErr := s.db.ExecContext(ctx, s.db.GetDB().Rebind(q), args...); execErr != nil {
			s.logger.Warn("policy access update failed", zap.Error(execErr))
		}
	}
	return out, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close() error { return s.db.Close() }
