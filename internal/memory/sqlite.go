package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/decisionflow/engine/internal/circuitbreaker"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/state"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL DEFAULT '',
    question    TEXT NOT NULL,
    plan        TEXT NOT NULL DEFAULT '',
    analysis    TEXT NOT NULL DEFAULT '',
    decision    TEXT NOT NULL DEFAULT '',
    confidence  REAL NOT NULL DEFAULT 0,
    timestamp   TEXT NOT NULL,
    embedding   BLOB
);
`

// SQLiteStore keeps decisions in a local SQLite file. Similarity is
// computed in process over the stored question embeddings.
type SQLiteStore struct {
	db       *circuitbreaker.DBWrapper
	embedder Embedder
	logger   *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string, embedder Embedder, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decisions table: %w", err)
	}
	logger.Info("Decision memory initialized", zap.String("backend", "sqlite"), zap.String("path", path))
	return &SQLiteStore{
		db:       circuitbreaker.NewDBWrapper(db, "decision-memory-sqlite", logger),
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Persist stores the decision and returns its row id
func (s *SQLiteStore) Persist(ctx context.Context, rec Record) (id string, err error) {
	defer func() { metrics.RecordMemoryOperation("sqlite", "persist", err) }()

	var blob []byte
	if s.embedder != nil {
		if emb, embErr := s.embedder.Embed(ctx, rec.Question); embErr == nil {
			blob = encodeEmbedding(emb)
		} else {
			s.logger.Warn("Persisting decision without embedding", zap.Error(embErr))
		}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var rowID int64
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO decisions (session_id, question, plan, analysis, decision, confidence, timestamp, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, rec.Question, rec.Plan, rec.Analysis, rec.Decision, rec.Confidence,
			created.UTC().Format(time.RFC3339Nano), blob)
		if err != nil {
			return err
		}
		rowID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist decision: %w", err)
	}
	return strconv.FormatInt(rowID, 10), nil
}

// QuerySimilar scans embedded rows and returns the k most similar
func (s *SQLiteStore) QuerySimilar(ctx context.Context, question string, k int) (out []state.SimilarDecision, err error) {
	defer func() { metrics.RecordMemoryOperation("sqlite", "query_similar", err) }()
	if k <= 0 || s.embedder == nil {
		return []state.SimilarDecision{}, nil
	}
	query, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	out = []state.SimilarDecision{}
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		rows, err := db.QueryxContext(ctx,
			`SELECT id, question, decision, embedding FROM decisions WHERE embedding IS NOT NULL ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id       int64
				q, d     string
				embBytes []byte
			)
			if err := rows.Scan(&id, &q, &d, &embBytes); err != nil {
				return err
			}
			out = append(out, state.SimilarDecision{
				ID:         strconv.FormatInt(id, 10),
				Similarity: clampSimilarity(Cosine(query, decodeEmbedding(embBytes))),
				Content:    SimilarContent(q, d),
			})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query similar decisions: %w", err)
	}
	return topK(out, k), nil
}

type sqliteRow struct {
	ID         int64          `db:"id"`
	SessionID  string         `db:"session_id"`
	Question   string         `db:"question"`
	Plan       string         `db:"plan"`
	Analysis   string         `db:"analysis"`
	Decision   string         `db:"decision"`
	Confidence float64        `db:"confidence"`
	Timestamp  sql.NullString `db:"timestamp"`
}

// Recent lists the latest decisions, newest first
func (s *SQLiteStore) Recent(ctx context.Context, limit int) (out []Record, err error) {
	defer func() { metrics.RecordMemoryOperation("sqlite", "recent", err) }()
	var rows []sqliteRow
	err = s.db.Do(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows,
			`SELECT id, session_id, question, plan, analysis, decision, confidence, timestamp
			 FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	})
	if err != nil {
		return nil, err
	}
	out = make([]Record, 0, len(rows))
	for _, r := range rows {
		var ts time.Time
		if r.Timestamp.Valid {
			if ts, err = time.Parse(time.RFC3339Nano, r.Timestamp.String); err != nil {
				s.logger.Warn("Unreadable decision timestamp",
					zap.Int64("id", r.ID),
					zap.String("timestamp", r.Timestamp.String),
					zap.Error(err),
				)
				ts, err = time.Time{}, nil
			}
		}
		out = append(out, Record{
			ID:         strconv.FormatInt(r.ID, 10),
			SessionID:  r.SessionID,
			Question:   r.Question,
			Plan:       r.Plan,
			Analysis:   r.Analysis,
			Decision:   r.Decision,
			Confidence: r.Confidence,
			CreatedAt:  ts,
		})
	}
	return out, nil
}

// Ping checks the database handle for health probes
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

// Breaker exposes the store's circuit breaker
func (s *SQLiteStore) Breaker() *circuitbreaker.CircuitBreaker { return s.db.Breaker() }

func (s *SQLiteStore) Close() error { return s.db.DB().Close() }

func encodeEmbedding(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
