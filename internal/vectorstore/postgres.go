package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/worksafeai/copilot/internal/circuitbreaker"
	"github.com/worksafeai/copilot/internal/metrics"
	"github.com/worksafeai/copilot/internal/models"
)

// PostgresStore persists chunks in Postgres with the pgvector extension.
// Similarity search runs inside the database with the <=> cosine distance
// operator backed by an ivfflat index, so the corpus never needs to fit in
// process memory.
type PostgresStore struct {
	db          *circuitbreaker.DatabaseWrapper
	dim         int
	logger      *zap.Logger
	initialized bool
}

// NewPostgresStore opens a connection pool for the given DSN.
func NewPostgresStore(connStr string, dimension int, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		dim:    dimension,
		logger: logger,
	}, nil
}

// newPostgresStoreWithDB wires an existing pool; used by tests with sqlmock.
func newPostgresStoreWithDB(db *sqlx.DB, dimension int, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		dim:    dimension,
		logger: logger,
	}
}

// Initialize enables pgvector and creates the chunks table and its indexes.
func (s *PostgresStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS safety_chunks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			section TEXT NOT NULL DEFAULT '',
			source_path TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS safety_chunks_hash_idx ON safety_chunks (hash)`,
		`CREATE INDEX IF NOT EXISTS safety_chunks_source_idx ON safety_chunks (source_path)`,
		`CREATE INDEX IF NOT EXISTS safety_chunks_embedding_idx ON safety_chunks
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: initialize schema: %v", ErrUnavailable, err)
		}
	}
	s.initialized = true
	s.logger.Info("Postgres vector store ready", zap.Int("dimension", s.dim))
	return nil
}

type pgChunkRow struct {
	ID         string    `db:"id"`
	Text       string    `db:"text"`
	Title      string    `db:"title"`
	Section    string    `db:"section"`
	SourcePath string    `db:"source_path"`
	Hash       string    `db:"hash"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
	Score      float64   `db:"score"`
}

func (r pgChunkRow) toChunk() models.Chunk {
	chunk := models.Chunk{
		ID:         r.ID,
		Text:       r.Text,
		Title:      r.Title,
		Section:    r.Section,
		SourcePath: r.SourcePath,
		Hash:       r.Hash,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "{}" {
		_ = json.Unmarshal(r.Metadata, &chunk.Metadata)
	}
	return chunk
}

const pgUpsertChunk = `
	INSERT INTO safety_chunks (id, text, title, section, source_path, hash, metadata, embedding, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET
		text = EXCLUDED.text,
		title = EXCLUDED.title,
		section = EXCLUDED.section,
		source_path = EXCLUDED.source_path,
		hash = EXCLUDED.hash,
		metadata = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding`

func (s *PostgresStore) upsertOne(ctx context.Context, chunk models.Chunk, vector []float32) error {
	if err := validateChunk(chunk); err != nil {
		return err
	}
	if err := validateVector(vector, s.dim); err != nil {
		return err
	}
	meta := []byte("{}")
	if len(chunk.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(chunk.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, pgUpsertChunk,
		chunk.ID, chunk.Text, chunk.Title, chunk.Section, chunk.SourcePath,
		chunk.Hash, meta, pgvector.NewVector(vector), createdAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, chunk models.Chunk, vector []float32) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.upsertOne(ctx, chunk, vector)
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, items []models.EmbeddedChunk) (*BatchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	result := &BatchResult{}
	for i, item := range items {
		if err := s.upsertOne(ctx, item.Chunk, item.Vector); err != nil {
			result.Failed = append(result.Failed, BatchError{Index: i, ID: item.Chunk.ID, Err: err})
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

const pgSearchChunks = `
	SELECT id, text, title, section, source_path, hash, metadata, created_at,
	       1 - (embedding <=> $1) AS score
	FROM safety_chunks
	WHERE 1 - (embedding <=> $1) >= $2
	ORDER BY embedding <=> $1
	LIMIT $3`

func (s *PostgresStore) Search(ctx context.Context, query []float32, topK int, minScore float64) ([]models.SearchResult, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if err := validateVector(query, s.dim); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	start := time.Now()

	var rows []pgChunkRow
	err := s.db.SelectContext(ctx, &rows, pgSearchChunks, pgvector.NewVector(query), minScore, topK)
	if err != nil {
		metrics.RecordVectorSearch(s.Name(), "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: search: %v", ErrUnavailable, err)
	}

	results := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, models.SearchResult{Chunk: row.toChunk(), Score: row.Score})
	}
	metrics.RecordVectorSearch(s.Name(), "ok", time.Since(start).Seconds())
	return results, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*models.Chunk, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	var row pgChunkRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, text, title, section, source_path, hash, metadata, created_at, 0 AS score
		 FROM safety_chunks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	chunk := row.toChunk()
	return &chunk, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM safety_chunks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) DeleteBySource(ctx context.Context, sourcePath string) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM safety_chunks WHERE source_path = $1`, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("%w: delete by source: %v", ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(affected), nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if !s.initialized {
		return 0, ErrNotInitialized
	}
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM safety_chunks`); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Close() error { return s.db.Close() }
