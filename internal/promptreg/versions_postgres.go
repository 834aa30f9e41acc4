package promptreg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
)

// PostgresVersionStore persists prompt revisions keyed by content hash.
// It shares the registry's connection pool.
type PostgresVersionStore struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

func NewPostgresVersionStore(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *PostgresVersionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresVersionStore{db: db, logger: logger}
}

func (s *PostgresVersionStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prompt_versions (
			sha TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content TEXT NOT NULL,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (name, version)
		)`)
	if err != nil {
		return fmt.Errorf("initialize prompt versions schema: %w", err)
	}
	return nil
}

func (s *PostgresVersionStore) Store(ctx context.Context, content, name string) (string, error) {
	sha := ComputeSha(content)
	name = strings.TrimSpace(name)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store prompt version: begin: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.GetContext(ctx, &existing, `SELECT sha FROM prompt_versions WHERE sha = $1`, sha)
	if err == nil {
		return sha, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store prompt version: lookup: %w", err)
	}

	var next int
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM prompt_versions WHERE name = $1`, name); err != nil {
		return "", fmt.Errorf("store prompt version: next version: %w", err)
	}
	// DO NOTHING keeps the first write if another request races us in.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO prompt_versions (sha, name, content, version, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sha) DO NOTHING`,
		sha, name, content, next, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("store prompt version: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store prompt version: commit: %w", err)
	}
	return sha, nil
}

func (s *PostgresVersionStore) GetByHash(ctx context.Context, sha string) (*PromptVersion, error) {
	var v PromptVersion
	err := s.db.GetContext(ctx, &v, `
		SELECT sha, name, content, version, created_at FROM prompt_versions WHERE sha = $1`, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt version: %w", err)
	}
	return &v, nil
}

func (s *PostgresVersionStore) GetHistory(ctx context.Context, name string) ([]PromptVersion, error) {
	var out []PromptVersion
	err := s.db.SelectContext(ctx, &out, `
		SELECT sha, name, content, version, created_at FROM prompt_versions
		WHERE name = $1 ORDER BY version`, strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("prompt history: %w", err)
	}
	return out, nil
}

func (s *PostgresVersionStore) List(ctx context.Context, limit int) ([]PromptVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []PromptVersion
	err := s.db.SelectContext(ctx, &out, `
		SELECT sha, name, content, version, created_at FROM prompt_versions
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	return out, nil
}
