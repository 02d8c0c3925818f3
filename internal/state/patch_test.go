package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOnlyTouchesPatchedFields(t *testing.T) {
	s := NewSession("s1", "Should we migrate?", []string{"doc"})
	s.AuthoritativeContext = "ctx"

	err := s.Apply(Patch{Plan: String("1. assess")})
	require.NoError(t, err)

	assert.Equal(t, "1. assess", s.PlanText())
	assert.Equal(t, "ctx", s.AuthoritativeContext)
	assert.Nil(t, s.Analysis)
	assert.Equal(t, []string{"doc"}, s.ContextDocs)
}

func TestApplyAppendsMessagesInOrder(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{AppendMessages: []Message{{Role: RoleUser, Content: "q"}}}))

	var p Patch
	p.Say("first")
	p.Say("second")
	require.NoError(t, s.Apply(p))

	require.Len(t, s.Messages, 3)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, "first", s.Messages[1].Content)
	assert.Equal(t, "second", s.Messages[2].Content)
}

func TestApplyRejectsQuestionChangeAfterIntake(t *testing.T) {
	s := NewSession("s1", "  q  ", nil)
	require.NoError(t, s.Apply(Patch{Question: String("q")}))

	err := s.Apply(Patch{Question: String("other")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariant))
	assert.Equal(t, "q", s.Question)

	// Re-applying the same value is a no-op
	assert.NoError(t, s.Apply(Patch{Question: String("q")}))
}

func TestApplyKeepsFinalizedMonotonic(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{Finalized: Bool(true)}))

	err := s.Apply(Patch{Finalized: Bool(false)})
	assert.ErrorIs(t, err, ErrInvariant)
	assert.True(t, s.Finalized)
}

func TestApplyRejectsDecreasingAttempts(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{Attempts: Int(2)}))
	assert.ErrorIs(t, s.Apply(Patch{Attempts: Int(1)}), ErrInvariant)
	assert.Equal(t, 2, s.Attempts)
}

func TestApplyRejectedPatchLeavesSessionUntouched(t *testing.T) {
	s := NewSession("s1", "q", nil)
	err := s.Apply(Patch{Plan: String("plan"), Confidence: Float(1.4)})
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Nil(t, s.Plan)
	assert.Nil(t, s.Confidence)
}

func TestApplyEmptyEvidenceReplaces(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{SupportiveEvidence: []string{"a", "b"}}))
	require.NoError(t, s.Apply(Patch{SupportiveEvidence: []string{}}))
	assert.Empty(t, s.SupportiveEvidence)
	assert.NotNil(t, s.SupportiveEvidence)
}

func TestApplyEmptySlicesStayNonNil(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{
		ContextChunks:      []ContextChunk{},
		SupportiveEvidence: []string{},
		SimilarDecisions:   []SimilarDecision{},
	}))
	assert.NotNil(t, s.ContextChunks)
	assert.NotNil(t, s.SimilarDecisions)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"supportive_evidence":[]`)
	assert.NotContains(t, string(b), `"supportive_evidence":null`)
}

func TestPatchFields(t *testing.T) {
	p := Patch{Plan: String("x"), Attempts: Int(1)}
	p.Say("hi")
	assert.Equal(t, []string{"plan", "attempts", "messages"}, p.Fields())
	assert.True(t, Patch{}.IsEmpty())
}

func TestErrorSnapshotPreservesConversation(t *testing.T) {
	s := NewSession("s1", "q", nil)
	require.NoError(t, s.Apply(Patch{Plan: String("partial plan"), AppendMessages: []Message{{Role: RoleUser, Content: "q"}}}))

	snap := ErrorSnapshot(s, &GenerationFailure{Stage: StageAnalyzer, Err: fmt.Errorf("boom")})

	assert.True(t, snap.Final)
	assert.Equal(t, StageFailed, snap.Stage)
	assert.Contains(t, snap.Plan, "❌ Error: analyzer failed: boom")
	assert.Equal(t, snap.Plan, snap.Decision)
	assert.Len(t, snap.Messages, 1)
	assert.Equal(t, 0.0, snap.Confidence)
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(&CollaboratorUnavailableError{Collaborator: "vectordb", Err: errors.New("down")}))
	assert.False(t, IsFatal(fmt.Errorf("wrapped: %w", &ParseFallback{Field: "confidence", Default: "0.75"})))
	assert.True(t, IsFatal(&GenerationFailure{Stage: StagePlanner, Err: errors.New("x")}))
	assert.True(t, IsFatal(&ValidationError{Field: "question", Reason: "empty"}))
}

func TestSessionValidate(t *testing.T) {
	s := NewSession("s1", "q", nil)
	assert.NoError(t, s.Validate())
	s.Confidence = Float(2)
	assert.Error(t, s.Validate())
}
