package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
	"github.com/worksafeai/copilot/internal/moderation"
)

// PostgresStore persists audit entries one row each, with jsonb columns
// for the structured fields. Trace appends happen inside SQL
// (traces || new) so concurrent stage writers against one entry never
// lose a trace.
type PostgresStore struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

func NewPostgresStore(connStr string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newPostgresStoreWithDB(db, logger), nil
}

func newPostgresStoreWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
	}
}

// Initialize creates the audit table if absent.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			prompt_sha TEXT NOT NULL DEFAULT 'PENDING',
			model TEXT NOT NULL DEFAULT '',
			inputs JSONB NOT NULL DEFAULT '{}',
			outputs JSONB NOT NULL DEFAULT '{}',
			cited_chunks JSONB NOT NULL DEFAULT '[]',
			traces JSONB NOT NULL DEFAULT '[]',
			moderation JSONB NOT NULL DEFAULT '{}',
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			error_message TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user_created ON audit_entries (user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_entries (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize audit schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Open(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusOpen
	}
	if e.PromptSha == "" {
		e.PromptSha = PromptShaPending
	}

	inputsJSON, err := json.Marshal(orEmptyMap(e.Inputs))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, operation, user_id, correlation_id, prompt_sha, model, inputs, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Operation, e.UserID, e.CorrelationID, e.PromptSha, e.Model, inputsJSON, e.Status, e.CreatedAt)
	if err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return e.ID, nil
}

// exec runs one update statement and folds row-count zero into ErrNotFound.
func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		metrics.AuditWrites.WithLabelValues("error").Inc()
		return ErrNotFound
	}
	metrics.AuditWrites.WithLabelValues("ok").Inc()
	return nil
}

func (s *PostgresStore) AppendOutputs(ctx context.Context, id string, outputs map[string]any, citedChunks []string) error {
	outputsJSON, err := json.Marshal(orEmptyMap(outputs))
	if err != nil {
		return err
	}
	// Chunk ids already recorded survive outputs-only appends.
	if len(citedChunks) == 0 {
		return s.exec(ctx, "append outputs", `
			UPDATE audit_entries
			SET outputs = outputs || $2::jsonb
			WHERE id = $1`, id, outputsJSON)
	}
	citedJSON, err := json.Marshal(citedChunks)
	if err != nil {
		return err
	}
	return s.exec(ctx, "append outputs", `
		UPDATE audit_entries
		SET outputs = outputs || $2::jsonb, cited_chunks = $3
		WHERE id = $1`, id, outputsJSON, citedJSON)
}

func (s *PostgresStore) AppendTrace(ctx context.Context, id string, trace models.AgentTrace) error {
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return err
	}
	// Array append in SQL keeps concurrent stage writers monotonic.
	return s.exec(ctx, "append trace", `
		UPDATE audit_entries
		SET traces = traces || jsonb_build_array($2::jsonb)
		WHERE id = $1`, id, traceJSON)
}

func (s *PostgresStore) SetModeration(ctx context.Context, id, stage string, result *moderation.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.exec(ctx, "set moderation", `
		UPDATE audit_entries
		SET moderation = moderation || jsonb_build_object($2::text, $3::jsonb)
		WHERE id = $1`, id, stage, resultJSON)
}

func (s *PostgresStore) SetTokenUsage(ctx context.Context, id string, input, output int) error {
	return s.exec(ctx, "set tokens", `
		UPDATE audit_entries SET input_tokens = $2, output_tokens = $3 WHERE id = $1`,
		id, input, output)
}

func (s *PostgresStore) SetPromptSha(ctx context.Context, id, sha string) error {
	return s.exec(ctx, "set prompt sha", `
		UPDATE audit_entries SET prompt_sha = $2 WHERE id = $1`, id, sha)
}

func (s *PostgresStore) Finish(ctx context.Context, id, status, errMsg string, durationMs int64) error {
	return s.exec(ctx, "finish", `
		UPDATE audit_entries
		SET status = $2, error_message = $3, duration_ms = $4, completed_at = now()
		WHERE id = $1`, id, status, errMsg, durationMs)
}

type auditRow struct {
	ID            string       `db:"id"`
	Operation     string       `db:"operation"`
	UserID        string       `db:"user_id"`
	CorrelationID string       `db:"correlation_id"`
	PromptSha     string       `db:"prompt_sha"`
	Model         string       `db:"model"`
	Inputs        []byte       `db:"inputs"`
	Outputs       []byte       `db:"outputs"`
	CitedChunks   []byte       `db:"cited_chunks"`
	Traces        []byte       `db:"traces"`
	Moderation    []byte       `db:"moderation"`
	InputTokens   int          `db:"input_tokens"`
	OutputTokens  int          `db:"output_tokens"`
	Status        string       `db:"status"`
	ErrorMessage  string       `db:"error_message"`
	DurationMs    int64        `db:"duration_ms"`
	CreatedAt     time.Time    `db:"created_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func (r auditRow) toEntry() (*Entry, error) {
	e := &Entry{
		ID:            r.ID,
		Operation:     r.Operation,
		UserID:        r.UserID,
		CorrelationID: r.CorrelationID,
		PromptSha:     r.PromptSha,
		Model:         r.Model,
		InputTokens:   r.InputTokens,
		OutputTokens:  r.OutputTokens,
		Status:        r.Status,
		Error:         r.ErrorMessage,
		DurationMs:    r.DurationMs,
		CreatedAt:     r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		e.CompletedAt = r.CompletedAt.Time
	}
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{r.Inputs, &e.Inputs},
		{r.Outputs, &e.Outputs},
		{r.CitedChunks, &e.CitedChunks},
		{r.Traces, &e.Traces},
		{r.Moderation, &e.Moderation},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("corrupt audit entry %s: %w", r.ID, err)
		}
	}
	return e, nil
}

const auditColumns = `id, operation, user_id, correlation_id, prompt_sha, model,
	inputs, outputs, cited_chunks, traces, moderation,
	input_tokens, output_tokens, status, error_message, duration_ms, created_at, completed_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	var row auditRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+auditColumns+` FROM audit_entries WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return row.toEntry()
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.UserID != "" {
		query += ` AND user_id = ` + arg(f.UserID)
	}
	if f.Operation != "" {
		query += ` AND operation = ` + arg(f.Operation)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ` + arg(f.From)
	}
	if !f.To.IsZero() {
		query += ` AND created_at <= ` + arg(f.To)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(limit)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM audit_entries`); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", ErrUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close() error { return s.db.Close() }

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
