package promptreg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
)

// PostgresRegistry persists templates; the embedded seeds are inserted on
// first initialize so a fresh database serves the defaults.
type PostgresRegistry struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

func NewPostgresRegistry(connStr string, logger *zap.Logger) (*PostgresRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresRegistry{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger}, nil
}

func newPostgresRegistryWithDB(db *sqlx.DB, logger *zap.Logger) *PostgresRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRegistry{db: circuitbreaker.NewDatabaseWrapper(db, logger), logger: logger}
}

func (r *PostgresRegistry) Initialize(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prompt_templates (
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			text TEXT NOT NULL,
			sha TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (name, version)
		)`)
	if err != nil {
		return fmt.Errorf("initialize prompt schema: %w", err)
	}

	seeds, err := LoadSeeds()
	if err != nil {
		return err
	}
	for _, tpl := range seeds {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO prompt_templates (name, version, text, sha, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name, version) DO NOTHING`,
			tpl.Name, tpl.Version, tpl.Text, tpl.Sha, tpl.UpdatedAt)
		if err != nil {
			return fmt.Errorf("seed prompt %s: %w", tpl.Name, err)
		}
	}
	return nil
}

func (r *PostgresRegistry) Find(ctx context.Context, name, version string) (*Template, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}
	var tpl Template
	var err error
	if version != "" {
		err = r.db.GetContext(ctx, &tpl, `
			SELECT name, version, text, sha, updated_at FROM prompt_templates
			WHERE name = $1 AND version = $2`, name, version)
	} else {
		err = r.db.GetContext(ctx, &tpl, `
			SELECT name, version, text, sha, updated_at FROM prompt_templates
			WHERE name = $1 ORDER BY version DESC LIMIT 1`, name)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, MakeKey(name, version))
	}
	if err != nil {
		return nil, fmt.Errorf("find prompt: %w", err)
	}
	return &tpl, nil
}

func (r *PostgresRegistry) Put(ctx context.Context, tpl Template) (*Template, error) {
	if strings.TrimSpace(tpl.Name) == "" || strings.TrimSpace(tpl.Text) == "" {
		return nil, fmt.Errorf("template name and text are required")
	}
	if tpl.Version == "" {
		tpl.Version = "v1"
	}
	tpl.Sha = ComputeSha(tpl.Text)
	tpl.UpdatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prompt_templates (name, version, text, sha, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name, version) DO UPDATE SET
			text = EXCLUDED.text,
			sha = EXCLUDED.sha,
			updated_at = EXCLUDED.updated_at`,
		tpl.Name, tpl.Version, tpl.Text, tpl.Sha, tpl.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("put prompt: %w", err)
	}
	return &tpl, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := r.db.SelectContext(ctx, &out, `
		SELECT name, version, sha, updated_at FROM prompt_templates
		ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	return out, nil
}

func (r *PostgresRegistry) Close() error { return r.db.Close() }
