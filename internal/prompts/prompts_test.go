package prompts

import (
	"strings"
	"testing"

	"github.com/decisionflow/engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{})
	require.NoError(t, err)
	return b
}

var longContext = strings.Repeat("Team of 8 engineers, 2 on backend. ", 4)

func TestSignificance(t *testing.T) {
	b := newBuilder(t)
	assert.False(t, b.Significant(""))
	assert.False(t, b.Significant(strings.Repeat("x", 49)))
	assert.True(t, b.Significant(strings.Repeat("x", 50)))
	assert.Equal(t, state.ContextModeFallback, b.Mode("short"))
	assert.Equal(t, state.ContextModeAuthoritative, b.Mode(longContext))
}

func TestPlannerChoosesTemplateByContext(t *testing.T) {
	b := newBuilder(t)

	generic, err := b.Planner("Should we adopt Next.js?", nil)
	require.NoError(t, err)
	assert.False(t, generic.Significant)
	assert.Equal(t, state.ContextModeFallback, generic.Mode)
	assert.Contains(t, generic.System, "You are a Decision Support AI.")
	assert.Contains(t, generic.System, "domain-agnostic plan")
	assert.True(t, strings.HasPrefix(generic.User, "Question:\nShould we adopt Next.js?"))

	contextual, err := b.Planner("Should we adopt Next.js?", []string{longContext})
	require.NoError(t, err)
	assert.True(t, contextual.Significant)
	assert.Contains(t, contextual.System, "CONTEXT-GROUNDED PLANNING")
	assert.True(t, strings.HasPrefix(contextual.User, "Organizational Context (MANDATORY - READ CAREFULLY):\n"))
	assert.Contains(t, contextual.User, "Team of 8 engineers")
}

func TestContextSummaryBounds(t *testing.T) {
	assert.Equal(t, "", ContextSummary(nil))
	assert.Equal(t, "a\n\nb", ContextSummary([]string{" a", "b "}))

	long := strings.Repeat("é", 1000) // 2000 bytes
	s := ContextSummary([]string{long})
	assert.LessOrEqual(t, len(s), 1500)
	assert.True(t, strings.HasPrefix(long, s))
}

func TestAnalyzerPromptOrdering(t *testing.T) {
	b := newBuilder(t)

	bundle, err := b.Analyzer("Migrate to Postgres?", longContext, []string{"past A", "past B"})
	require.NoError(t, err)
	assert.True(t, bundle.Significant)
	assert.True(t, strings.HasPrefix(bundle.User, "Authoritative Organizational Reality (MANDATORY):\n"+longContext))

	ctxAt := strings.Index(bundle.User, longContext)
	qAt := strings.Index(bundle.User, "Question:\nMigrate to Postgres?")
	docAt := strings.Index(bundle.User, "Document 1:\npast A")
	doc2At := strings.Index(bundle.User, "Document 2:\npast B")
	instrAt := strings.Index(bundle.User, "### Risk Assessment")
	assert.True(t, ctxAt < qAt && qAt < docAt && docAt < doc2At && doc2At < instrAt)
	assert.NotContains(t, bundle.User, "Proposed plan")
}

func TestAnalyzerWithoutContext(t *testing.T) {
	b := newBuilder(t)
	bundle, err := b.Analyzer("Migrate?", "tiny", nil)
	require.NoError(t, err)
	assert.False(t, bundle.Significant)
	assert.True(t, strings.HasPrefix(bundle.User, "Context Status: No significant authoritative context provided."))
	assert.NotContains(t, bundle.User, "tiny")
	assert.NotContains(t, bundle.User, "Retrieved Historical Information")
	assert.Contains(t, bundle.User, "Question:\nMigrate?\n\nInstructions:")
}

func TestDecisionPromptHistoricalBlock(t *testing.T) {
	b := newBuilder(t)
	similar := []state.SimilarDecision{
		{ID: "12", Similarity: 0.91, Content: "Adopted Postgres for billing"},
		{ID: "7", Similarity: 0.40, Content: "Unrelated"},
	}
	bundle, err := b.Decision("Migrate?", "Pros and cons", longContext, similar)
	require.NoError(t, err)

	assert.Contains(t, bundle.System, "2 similar past decisions found:")
	assert.Contains(t, bundle.System, "- Decision #12 (similarity 0.91): Adopted Postgres for billing...")
	assert.NotContains(t, bundle.System, "Decision #7")
	assert.Contains(t, bundle.System, "### Historical Consistency Check")
	assert.Contains(t, bundle.System, "REQUIRED CITATION")
	assert.Contains(t, bundle.System, "CONSTRAINT ENFORCEMENT")
	assert.True(t, strings.HasPrefix(bundle.User, "Authoritative Organizational Reality (MANDATORY):"))
	assert.Contains(t, bundle.User, "Analysis Summary:\nPros and cons")
}

func TestDecisionPromptNovelAndNoContext(t *testing.T) {
	b := newBuilder(t)

	novel, err := b.Decision("Q", "A", "", []state.SimilarDecision{{ID: "1", Similarity: 0.2, Content: "x"}})
	require.NoError(t, err)
	assert.Contains(t, novel.System, "No sufficiently similar past decisions found (similarity threshold: 0.75).")
	assert.NotContains(t, novel.System, "### Historical Consistency Check")
	assert.NotContains(t, novel.System, "REQUIRED CITATION")
	assert.True(t, strings.HasPrefix(novel.User, "Question:\nQ"))

	none, err := b.Decision("Q", "A", "", nil)
	require.NoError(t, err)
	assert.NotContains(t, none.System, "HISTORICAL CONTEXT")
	assert.Contains(t, none.System, "Contextual Factors Influencing This Decision:")
}

func TestDecisionPromptIsDeterministic(t *testing.T) {
	b := newBuilder(t)
	sim := []state.SimilarDecision{{ID: "3", Similarity: 0.8, Content: strings.Repeat("long ", 100)}}
	first, err := b.Decision("Q", "A", longContext, sim)
	require.NoError(t, err)
	second, err := b.Decision("Q", "A", longContext, sim)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadBuilderRejectsUnknownKeys(t *testing.T) {
	_, err := LoadBuilder(strings.NewReader("policy: x\nsurprise: y\n"), Config{})
	assert.Error(t, err)
}
