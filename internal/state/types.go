package state

import (
	"fmt"
	"time"
)

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the append-only conversation log
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SimilarDecision is a past decision returned by long-term memory
type SimilarDecision struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

// ContextChunk is one retrieved piece of organizational context as shown
// to the models and in the evidence view
type ContextChunk struct {
	Index      int     `json:"index"`
	Source     string  `json:"source"`
	ChunkID    string  `json:"chunk_id"`
	Similarity float64 `json:"similarity"`
	Content    string  `json:"content"`
}

// Context modes reported by the prompt builders
const (
	ContextModeAuthoritative = "authoritative"
	ContextModeFallback      = "fallback"
)

// Session is the per-question record threaded through every stage.
// It is owned by exactly one driver and is never shared between sessions.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	Question             string         `json:"question"`
	ContextDocs          []string       `json:"context_docs"`
	AuthoritativeContext string         `json:"authoritative_context"`
	ContextChunks        []ContextChunk `json:"context_chunks,omitempty"`
	SupportiveEvidence   []string       `json:"supportive_evidence"`

	Plan       *string  `json:"plan,omitempty"`
	Analysis   *string  `json:"analysis,omitempty"`
	Decision   *string  `json:"decision,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`

	Attempts  int       `json:"attempts"`
	Finalized bool      `json:"finalized"`
	Messages  []Message `json:"messages"`

	// Merge metadata
	SimilarDecisions   []SimilarDecision `json:"similar_decisions,omitempty"`
	ContextualFactors  string            `json:"contextual_factors,omitempty"`
	ContextSignificant bool              `json:"context_significant"`
	ContextMode        string            `json:"context_mode,omitempty"`
	MemoryID           string            `json:"memory_id,omitempty"`

	questionLocked bool
}

// NewSession creates an empty session for the given question and documents.
// The question is validated by Intake, not here.
func NewSession(id, question string, docs []string) *Session {
	if docs == nil {
		docs = []string{}
	}
	return &Session{
		ID:                 id,
		StartedAt:          time.Now(),
		Question:           question,
		ContextDocs:        docs,
		SupportiveEvidence: []string{},
		Messages:           []Message{},
	}
}

// Validate checks the invariants that must hold between stages
func (s *Session) Validate() error {
	if s.Attempts < 0 {
		return fmt.Errorf("attempts must be non-negative, got %d", s.Attempts)
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", *s.Confidence)
	}
	if s.ContextDocs == nil {
		return fmt.Errorf("context docs must be an empty sequence, not nil")
	}
	return nil
}

// HasPlanAndAnalysis reports whether the parallel stage completed for this cycle
func (s *Session) HasPlanAndAnalysis() bool {
	return s.Plan != nil && s.Analysis != nil
}

// PlanText returns the plan or an empty string
func (s *Session) PlanText() string { return deref(s.Plan) }

// AnalysisText returns the analysis or an empty string
func (s *Session) AnalysisText() string { return deref(s.Analysis) }

// DecisionText returns the decision or an empty string
func (s *Session) DecisionText() string { return deref(s.Decision) }

// ConfidenceValue returns the confidence or zero
func (s *Session) ConfidenceValue() float64 {
	if s.Confidence == nil {
		return 0
	}
	return *s.Confidence
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
