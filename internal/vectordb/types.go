package vectordb

import "time"

// Score kinds reported by the collection
const (
	ScoreSimilarity = "similarity"
	ScoreDistance   = "distance"
)

// Config controls Qdrant client behavior
type Config struct {
	Enabled    bool
	Host       string
	Port       int
	Collection string
	ScoreKind  string
	Timeout    time.Duration
	// ExpectedDim is checked against the collection when non-zero
	ExpectedDim int
}

// Document is one retrieved chunk of organizational context
type Document struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      any            `json:"id,omitempty"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

type qdrantQueryRequest struct {
	Query       []float32 `json:"query"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantSearchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantQueryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
}

type qdrantSearchResponse struct {
	Result []qdrantPoint `json:"result"`
}
