package memory

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mapEmbedder map[string][]float32

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := m[text]; ok {
		return v, nil
	}
	return nil, errors.New("no embedding")
}

var vectors = mapEmbedder{
	"Should we migrate billing to Postgres?": {1, 0, 0},
	"Should we migrate orders to Postgres?":  {0.9, 0.1, 0},
	"Should we hire a designer?":             {0, 1, 0},
	"Move billing off MySQL?":                {0.95, 0.05, 0},
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine(nil, nil))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestSQLiteStorePersistAndQuery(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", vectors, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	id1, err := s.Persist(ctx, Record{Question: "Should we migrate billing to Postgres?", Decision: "Yes, in Q3", Confidence: 0.8})
	require.NoError(t, err)
	_, err = s.Persist(ctx, Record{Question: "Should we hire a designer?", Decision: "Not yet", Confidence: 0.6})
	require.NoError(t, err)
	id3, err := s.Persist(ctx, Record{Question: "Should we migrate orders to Postgres?", Decision: "After billing", Confidence: 0.7})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	similar, err := s.QuerySimilar(ctx, "Move billing off MySQL?", 2)
	require.NoError(t, err)
	require.Len(t, similar, 2)
	assert.Equal(t, id1, similar[0].ID)
	assert.Equal(t, id3, similar[1].ID)
	assert.Greater(t, similar[0].Similarity, 0.99)
	assert.Equal(t, "Should we migrate billing to Postgres?\nDecision: Yes, in Q3", similar[0].Content)
	for _, d := range similar {
		assert.GreaterOrEqual(t, d.Similarity, 0.0)
		assert.LessOrEqual(t, d.Similarity, 1.0)
	}
}

func TestSQLiteStoreEmptyAndUnembedded(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", vectors, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	similar, err := s.QuerySimilar(ctx, "Move billing off MySQL?", 3)
	require.NoError(t, err)
	assert.Empty(t, similar)

	// stored without a vector, never returned by similarity
	_, err = s.Persist(ctx, Record{Question: "unknown question", Decision: "d"})
	require.NoError(t, err)
	similar, err = s.QuerySimilar(ctx, "Move billing off MySQL?", 3)
	require.NoError(t, err)
	assert.Empty(t, similar)

	_, err = s.QuerySimilar(ctx, "also unknown", 3)
	assert.Error(t, err)

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "unknown question", recent[0].Question)
	assert.False(t, recent[0].CreatedAt.IsZero())
}

func TestSQLiteStoreRecentOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", vectors, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	for _, q := range []string{"Should we hire a designer?", "Should we migrate billing to Postgres?"} {
		_, err := s.Persist(ctx, Record{Question: q, SessionID: "s"})
		require.NoError(t, err)
	}
	recent, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "Should we migrate billing to Postgres?", recent[0].Question)
	assert.Equal(t, "s", recent[0].SessionID)
}

func TestSQLiteStoreRecentBadTimestamp(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	s, err := OpenSQLite(ctx, ":memory:", vectors, zap.New(core))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.db.Do(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `INSERT INTO decisions (question, timestamp) VALUES (?, ?)`, "Should we hire a designer?", "yesterday")
		return err
	}))

	recent, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].CreatedAt.IsZero())
	require.Equal(t, 1, logs.FilterMessage("Unreadable decision timestamp").Len())
	assert.Equal(t, "yesterday", logs.All()[len(logs.All())-1].ContextMap()["timestamp"])
}

func newMockPG(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewPGStore(sqlx.NewDb(raw, "postgres"), vectors, zaptest.NewLogger(t)), mock
}

func TestPGStorePersist(t *testing.T) {
	s, mock := newMockPG(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO decisions")).
		WithArgs("sess-1", "Should we hire a designer?", "plan", "analysis", "Not yet", 0.6, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.Persist(context.Background(), Record{
		SessionID: "sess-1", Question: "Should we hire a designer?",
		Plan: "plan", Analysis: "analysis", Decision: "Not yet", Confidence: 0.6,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreQuerySimilar(t *testing.T) {
	s, mock := newMockPG(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, question, decision, 1 - (embedding <=> $1) AS similarity")).
		WithArgs(sqlmock.AnyArg(), 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "question", "decision", "similarity"}).
			AddRow(7, "Should we migrate billing to Postgres?", "Yes", 0.93).
			AddRow(9, "Should we hire a designer?", "Not yet", -0.2))

	out, err := s.QuerySimilar(context.Background(), "Move billing off MySQL?", 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "7", out[0].ID)
	assert.InDelta(t, 0.93, out[0].Similarity, 1e-9)
	assert.Equal(t, "Should we migrate billing to Postgres?\nDecision: Yes", out[0].Content)
	assert.Zero(t, out[1].Similarity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreQueryError(t *testing.T) {
	s, mock := newMockPG(t)
	mock.ExpectQuery("SELECT id, question").WillReturnError(errors.New("connection reset"))

	_, err := s.QuerySimilar(context.Background(), "Move billing off MySQL?", 3)
	assert.ErrorContains(t, err, "connection reset")
}
