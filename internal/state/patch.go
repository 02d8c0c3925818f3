package state

import (
	"errors"
	"fmt"
)

// ErrInvariant is returned by Apply when a patch would break a session invariant
var ErrInvariant = errors.New("session invariant violated")

// Patch is the partial update returned by a stage. Nil pointers and nil
// slices mean "unchanged"; an empty non-nil slice replaces with empty.
type Patch struct {
	Question             *string
	AuthoritativeContext *string
	ContextChunks        []ContextChunk
	SupportiveEvidence   []string

	Plan       *string
	Analysis   *string
	Decision   *string
	Confidence *float64

	Attempts  *int
	Finalized *bool

	// AppendMessages are appended to the conversation log in order
	AppendMessages []Message

	SimilarDecisions   []SimilarDecision
	ContextualFactors  *string
	ContextSignificant *bool
	ContextMode        *string
	MemoryID           *string
}

// String returns a pointer to s for building patches
func String(s string) *string { return &s }

// Float returns a pointer to f for building patches
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n for building patches
func Int(n int) *int { return &n }

// Bool returns a pointer to b for building patches
func Bool(b bool) *bool { return &b }

// Say appends an assistant message to the patch
func (p *Patch) Say(content string) {
	p.AppendMessages = append(p.AppendMessages, Message{Role: RoleAssistant, Content: content})
}

// IsEmpty reports whether the patch changes nothing
func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields lists the names of the fields the patch changes, for logging
func (p Patch) Fields() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(p.Question != nil, "question")
	add(p.AuthoritativeContext != nil, "authoritative_context")
	add(p.ContextChunks != nil, "context_chunks")
	add(p.SupportiveEvidence != nil, "supportive_evidence")
	add(p.Plan != nil, "plan")
	add(p.Analysis != nil, "analysis")
	add(p.Decision != nil, "decision")
	add(p.Confidence != nil, "confidence")
	add(p.Attempts != nil, "attempts")
	add(p.Finalized != nil, "finalized")
	add(len(p.AppendMessages) > 0, "messages")
	add(p.SimilarDecisions != nil, "similar_decisions")
	add(p.ContextualFactors != nil, "contextual_factors")
	add(p.ContextSignificant != nil, "context_significant")
	add(p.ContextMode != nil, "context_mode")
	add(p.MemoryID != nil, "memory_id")
	return out
}

// Apply merges the patch into the session. The patch is validated as a
// whole first so a rejected patch leaves the session untouched.
func (s *Session) Apply(p Patch) error {
	if p.Question != nil && s.questionLocked && *p.Question != s.Question {
		return fmt.Errorf("%w: question is immutable after intake", ErrInvariant)
	}
	if p.Question != nil && *p.Question == "" {
		return fmt.Errorf("%w: question cannot be empty", ErrInvariant)
	}
	if p.Attempts != nil && *p.Attempts < s.Attempts {
		return fmt.Errorf("%w: attempts cannot decrease (%d -> %d)", ErrInvariant, s.Attempts, *p.Attempts)
	}
	if p.Finalized != nil && s.Finalized && !*p.Finalized {
		return fmt.Errorf("%w: finalized cannot be reset", ErrInvariant)
	}
	if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
		return fmt.Errorf("%w: confidence %f outside [0,1]", ErrInvariant, *p.Confidence)
	}

	if p.Question != nil {
		s.Question = *p.Question
		s.questionLocked = true
	}
	if p.AuthoritativeContext != nil {
		s.AuthoritativeContext = *p.AuthoritativeContext
	}
	if p.ContextChunks != nil {
		s.ContextChunks = append(make([]ContextChunk, 0, len(p.ContextChunks)), p.ContextChunks...)
	}
	if p.SupportiveEvidence != nil {
		s.SupportiveEvidence = append(make([]string, 0, len(p.SupportiveEvidence)), p.SupportiveEvidence...)
	}
	if p.Plan != nil {
		s.Plan = String(*p.Plan)
	}
	if p.Analysis != nil {
		s.Analysis = String(*p.Analysis)
	}
	if p.Decision != nil {
		s.Decision = String(*p.Decision)
	}
	if p.Confidence != nil {
		s.Confidence = Float(*p.Confidence)
	}
	if p.Attempts != nil {
		s.Attempts = *p.Attempts
	}
	if p.Finalized != nil {
		s.Finalized = *p.Finalized
	}
	if len(p.AppendMessages) > 0 {
		s.Messages = append(s.Messages, p.AppendMessages...)
	}
	if p.SimilarDecisions != nil {
		s.SimilarDecisions = append(make([]SimilarDecision, 0, len(p.SimilarDecisions)), p.SimilarDecisions...)
	}
	if p.ContextualFactors != nil {
		s.ContextualFactors = *p.ContextualFactors
	}
	if p.ContextSignificant != nil {
		s.ContextSignificant = *p.ContextSignificant
	}
	if p.ContextMode != nil {
		s.ContextMode = *p.ContextMode
	}
	if p.MemoryID != nil {
		s.MemoryID = *p.MemoryID
	}
	return nil
}
