// Package memory is the long-term decision memory shared across sessions.
// Every finalized merge is persisted with an embedding of its question so
// later sessions can look up similar past decisions.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/decisionflow/engine/internal/state"
)

// Record is one persisted decision
type Record struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	Question   string    `db:"question" json:"question"`
	Plan       string    `db:"plan" json:"plan"`
	Analysis   string    `db:"analysis" json:"analysis"`
	Decision   string    `db:"decision" json:"decision"`
	Confidence float64   `db:"confidence" json:"confidence"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Store persists decisions and answers similarity queries
type Store interface {
	Persist(ctx context.Context, rec Record) (string, error)
	QuerySimilar(ctx context.Context, question string, k int) ([]state.SimilarDecision, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Embedder turns a question into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SimilarContent renders the text a similar decision is shown with
func SimilarContent(question, decision string) string {
	return fmt.Sprintf("%s\nDecision: %s", question, decision)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is
// empty, zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK sorts by similarity descending (ties by id order of appearance) and keeps k
func topK(in []state.SimilarDecision, k int) []state.SimilarDecision {
	sort.SliceStable(in, func(i, j int) bool { return in[i].Similarity > in[j].Similarity })
	if len(in) > k {
		in = in[:k]
	}
	return in
}

// clampSimilarity keeps similarities within [0,1]
func clampSimilarity(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}
