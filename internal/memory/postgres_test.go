package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	pgConversationColumns = []string{"id", "user_id", "turns", "created_at", "last_activity"}
	pgPersonaColumns      = []string{"user_id", "variant", "profile", "preferences", "created_at", "updated_at"}
	pgPolicyColumns       = []string{"key", "title", "content", "tags", "category", "access_count", "last_accessed", "created_at"}
)

func newMockPostgresStore(t *testing.T, maxTurns int) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newPostgresStoreWithDB(sqlx.NewDb(db, "sqlmock"), maxTurns, zaptest.NewLogger(t)), mock
}

func TestPostgresMemoryInitialize(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("idx_conversations_last_activity").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS personas").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policies").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Initialize(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTurnNewConversation(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	turn := Turn{UserMessage: "q", AssistantResponse: "a", Timestamp: ts}

	turnsJSON, err := json.Marshal([]Turn{turn})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM conversations WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("c1", "u1", turnsJSON, ts, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conv, err := s.AppendTurn(context.Background(), "c1", "u1", turn)
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, "u1", conv.UserID)
	require.Len(t, conv.Turns, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTurnTrimsHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t, 2)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	existing := []Turn{
		{UserMessage: "q1", AssistantResponse: "a1", Timestamp: base},
		{UserMessage: "q2", AssistantResponse: "a2", Timestamp: base.Add(time.Minute)},
	}
	existingJSON, err := json.Marshal(existing)
	require.NoError(t, err)

	newTurn := Turn{UserMessage: "q3", AssistantResponse: "a3", Timestamp: base.Add(2 * time.Minute)}
	wantJSON, err := json.Marshal([]Turn{existing[1], newTurn})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM conversations WHERE id = \$1 FOR UPDATE`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(pgConversationColumns).
			AddRow("c1", "u1", existingJSON, base, base.Add(time.Minute)))
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("c1", "u1", wantJSON, base, newTurn.Timestamp).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conv, err := s.AppendTurn(context.Background(), "c1", "u1", newTurn)
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, "q2", conv.Turns[0].UserMessage)
	assert.Equal(t, "q3", conv.Turns[1].UserMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTurnUnavailable(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := s.AppendTurn(context.Background(), "c1", "u1", Turn{UserMessage: "q"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPostgresGetConversation(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	turnsJSON, err := json.Marshal([]Turn{{UserMessage: "q", AssistantResponse: "a", Timestamp: base}})
	require.NoError(t, err)

	mock.ExpectQuery(`FROM conversations WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(pgConversationColumns).
			AddRow("c1", "u1", turnsJSON, base, base))

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "a", conv.Turns[0].AssistantResponse)

	mock.ExpectQuery(`FROM conversations WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCleanupIdleConversations(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	cutoff := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM conversations WHERE last_activity <").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := s.CleanupIdleConversations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPersonaRoundTrip(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO personas").
		WithArgs("u1", VariantInspector, []byte(`{"role":"field safety inspector"}`), []byte(`["cite sections"]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := s.PutPersona(context.Background(), Persona{
		UserID:      "u1",
		Variant:     VariantInspector,
		Profile:     map[string]string{"role": "field safety inspector"},
		Preferences: []string{"cite sections"},
	})
	require.NoError(t, err)

	mock.ExpectQuery("FROM personas WHERE user_id =").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(pgPersonaColumns).
			AddRow("u1", VariantInspector, []byte(`{"role":"field safety inspector"}`), []byte(`["cite sections"]`), now, now))

	got, err := s.GetPersona(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "field safety inspector", got.Profile["role"])
	assert.Equal(t, []string{"cite sections"}, got.Preferences)

	mock.ExpectQuery("FROM personas WHERE user_id =").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetPersona(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPersonaNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetPolicyBumpsAccess(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE policies SET access_count = access_count \\+ 1").
		WithArgs("ppe").
		WillReturnRows(sqlmock.NewRows(pgPolicyColumns).
			AddRow("ppe", "PPE Policy", "Hard hats required.", []byte(`["ppe"]`), "equipment", 5, now, now))

	got, err := s.GetPolicy(context.Background(), "ppe")
	require.NoError(t, err)
	assert.Equal(t, 5, got.AccessCount)
	assert.Equal(t, []string{"ppe"}, got.Tags)

	mock.ExpectQuery("UPDATE policies SET access_count = access_count \\+ 1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetPolicy(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSearchPolicies(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM policies").
		WithArgs("%ppe%", 5).
		WillReturnRows(sqlmock.NewRows(pgPolicyColumns).
			AddRow("ppe-lab", "Laboratory PPE", "Goggles required.", []byte(`[]`), "equipment", 3, now, now).
			AddRow("ppe-site", "Site PPE", "Hard hats required.", []byte(`[]`), "equipment", 1, nil, now))
	mock.ExpectExec("UPDATE policies SET access_count = access_count \\+ 1").
		WithArgs("ppe-lab", "ppe-site").
		WillReturnResult(sqlmock.NewResult(0, 2))

	hits, err := s.SearchPolicies(context.Background(), "ppe", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "ppe-lab", hits[0].Key)
	assert.True(t, hits[1].LastAccessed.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSearchPoliciesEmptyQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t, 10)

	hits, err := s.SearchPolicies(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}
