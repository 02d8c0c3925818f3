package activities

import (
	"context"
	"errors"
	"iter"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/decisionflow/engine/internal/llm"
	"github.com/decisionflow/engine/internal/memory"
	"github.com/decisionflow/engine/internal/policy"
	"github.com/decisionflow/engine/internal/prompts"
	"github.com/decisionflow/engine/internal/report"
	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/vectordb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.reply, f.err
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		acc := ""
		for _, part := range []string{req.Op, " done"} {
			acc += part
			if !yield(acc, nil) {
				return
			}
		}
	}
}

type fakeSearcher struct {
	docs    []vectordb.Document
	err     error
	queries []string
	ks      []int
}

func (f *fakeSearcher) Search(_ context.Context, query string, k int) ([]vectordb.Document, error) {
	f.queries = append(f.queries, query)
	f.ks = append(f.ks, k)
	return f.docs, f.err
}

type fakeMemory struct {
	similar    []state.SimilarDecision
	queryErr   error
	persistErr error
	records    []memory.Record
}

func (f *fakeMemory) Persist(_ context.Context, rec memory.Record) (string, error) {
	if f.persistErr != nil {
		return "", f.persistErr
	}
	f.records = append(f.records, rec)
	return "42", nil
}

func (f *fakeMemory) QuerySimilar(context.Context, string, int) ([]state.SimilarDecision, error) {
	return f.similar, f.queryErr
}

func (f *fakeMemory) Recent(context.Context, int) ([]memory.Record, error) { return f.records, nil }
func (f *fakeMemory) Close() error                                        { return nil }

type fakePolicy struct {
	decision *policy.Decision
	err      error
}

func (f *fakePolicy) Evaluate(context.Context, *policy.Input) (*policy.Decision, error) {
	return f.decision, f.err
}
func (f *fakePolicy) IsEnabled() bool   { return true }
func (f *fakePolicy) Mode() policy.Mode { return policy.ModeEnforce }

func newActivities(t *testing.T, deps Dependencies) *Activities {
	t.Helper()
	if deps.Prompts == nil {
		b, err := prompts.NewBuilder(prompts.Config{})
		require.NoError(t, err)
		deps.Prompts = b
	}
	if deps.Reports == nil {
		r, err := report.New(report.Config{Dir: t.TempDir()}, zaptest.NewLogger(t))
		require.NoError(t, err)
		deps.Reports = r
	}
	return NewActivities(Config{}, deps, zaptest.NewLogger(t))
}

func session(question string) *state.Session {
	return state.NewSession("sess-1", question, nil)
}

func TestIntakeRejectsEmptyQuestion(t *testing.T) {
	a := newActivities(t, Dependencies{})
	for _, q := range []string{"", "   \n\t"} {
		_, err := a.Intake(context.Background(), session(q))
		var ve *state.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "question", ve.Field)
		assert.True(t, state.IsFatal(err))
	}
}

func TestIntakeNormalizesQuestion(t *testing.T) {
	a := newActivities(t, Dependencies{})
	s := session("  Should we adopt Go?  ")
	p, err := a.Intake(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, s.Apply(p))

	assert.Equal(t, "Should we adopt Go?", s.Question)
	assert.Equal(t, 0, s.Attempts)
	assert.False(t, s.Finalized)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, state.Message{Role: state.RoleUser, Content: "Should we adopt Go?"}, s.Messages[0])
}

func TestIntakePolicyDenial(t *testing.T) {
	a := newActivities(t, Dependencies{Policy: &fakePolicy{decision: &policy.Decision{Allow: false, Reason: "question too long"}}})
	_, err := a.Intake(context.Background(), session("anything"))
	var ve *state.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "question too long")

	open := newActivities(t, Dependencies{Policy: &fakePolicy{decision: &policy.Decision{Allow: true}, err: errors.New("opa down")}})
	_, err = open.Intake(context.Background(), session("anything"))
	assert.NoError(t, err)
}

func TestContextRetrievalAnnotatesChunks(t *testing.T) {
	search := &fakeSearcher{docs: []vectordb.Document{
		{Content: "Team of 8 engineers", Metadata: map[string]any{"filename": "team.md", "chunk_id": "team.md#0"}, Score: 0.2},
		{Content: "Budget is fixed", Metadata: map[string]any{"source": "team.md"}, Score: 1.7},
		{Content: "No metadata", Score: 0.5},
	}}
	a := newActivities(t, Dependencies{Context: search})
	a = a.WithConfig(Config{ContextK: 3, ScoreKind: vectordb.ScoreDistance})

	s := session("Adopt Go?")
	p, err := a.ContextRetrieval(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, s.Apply(p))

	assert.Equal(t, []int{3}, search.ks)
	require.Len(t, s.ContextChunks, 3)
	assert.InDelta(t, 0.8, s.ContextChunks[0].Similarity, 1e-9)
	assert.Equal(t, 0.0, s.ContextChunks[1].Similarity)
	assert.Equal(t, "Document_3", s.ContextChunks[2].Source)
	assert.Equal(t, "3", s.ContextChunks[2].ChunkID)

	assert.True(t, strings.HasPrefix(s.AuthoritativeContext, "Use the following chunks in priority order (most relevant first):\n\n[CHUNK 1] Source: team.md | Chunk ID: team.md#0 | Similarity: 0.80\nORGANIZATIONAL FACT:\nTeam of 8 engineers"))
	assert.True(t, strings.HasSuffix(s.AuthoritativeContext, "ORGANIZATIONAL FACT:\nNo metadata"))
	assert.Equal(t, "📄 Organizational Context: Retrieved 3 authoritative chunks from 2 document(s)", s.Messages[0].Content)
}

func TestContextRetrievalEmptyAndUnavailable(t *testing.T) {
	empty := newActivities(t, Dependencies{Context: &fakeSearcher{}})
	p, err := empty.ContextRetrieval(context.Background(), session("q"))
	require.NoError(t, err)
	assert.Equal(t, "", *p.AuthoritativeContext)
	assert.Equal(t, noContextMessage, p.AppendMessages[0].Content)

	down := newActivities(t, Dependencies{Context: &fakeSearcher{err: errors.New("connection refused")}})
	p, err = down.ContextRetrieval(context.Background(), session("q"))
	var cu *state.CollaboratorUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.False(t, state.IsFatal(err))
	assert.Equal(t, "", *p.AuthoritativeContext)
	assert.Equal(t, contextDownMessage, p.AppendMessages[0].Content)
}

func TestSimilarityConversion(t *testing.T) {
	assert.Equal(t, 0.9, Similarity(0.9, vectordb.ScoreSimilarity))
	assert.Equal(t, 1.0, Similarity(1.3, vectordb.ScoreSimilarity))
	assert.InDelta(t, 0.75, Similarity(0.25, vectordb.ScoreDistance), 1e-9)
	assert.Equal(t, 1.0, Similarity(-0.1, vectordb.ScoreDistance))
	assert.Equal(t, 0.0, Similarity(3, vectordb.ScoreDistance))
}

func TestHistoricalRetrievalUsesPlanOnRetry(t *testing.T) {
	search := &fakeSearcher{docs: []vectordb.Document{{Content: "past A"}, {Content: "past B"}}}
	a := newActivities(t, Dependencies{History: search})

	s := session("Adopt Go?")
	p, err := a.HistoricalRetrieval(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, s.Apply(p))
	assert.Equal(t, []string{"past A", "past B"}, s.SupportiveEvidence)
	assert.Equal(t, "📚 Historical Context: Retrieved 2 similar past decisions from memory", s.Messages[0].Content)

	require.NoError(t, s.Apply(GenerationPatch("Pilot one service", "Looks fine")))
	_, err = a.HistoricalRetrieval(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []string{"Adopt Go?", "Question: Adopt Go?\nPlan: Pilot one service"}, search.queries)
	assert.Equal(t, []int{5, 5}, search.ks)
}

func TestHistoricalRetrievalDegrades(t *testing.T) {
	a := newActivities(t, Dependencies{History: &fakeSearcher{err: errors.New("timeout")}})
	p, err := a.HistoricalRetrieval(context.Background(), session("q"))
	assert.False(t, state.IsFatal(err))
	assert.NotNil(t, p.SupportiveEvidence)
	assert.Empty(t, p.SupportiveEvidence)
}

func TestPlannerAndAnalyzerStreams(t *testing.T) {
	fake := &fakeLLM{}
	a := newActivities(t, Dependencies{LLM: fake})
	s := session("Adopt Go?")

	planner, err := a.Planner(s)
	require.NoError(t, err)
	plan, err := llm.Drain(planner(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "planner done", plan)

	analyzer, err := a.Analyzer(s)
	require.NoError(t, err)
	analysis, err := llm.Drain(analyzer(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "analyzer done", analysis)

	require.Len(t, fake.requests, 2)
	assert.Equal(t, 0.2, fake.requests[0].Temperature)
	assert.NotContains(t, fake.requests[1].User, "Proposed plan")

	p := GenerationPatch(plan, analysis)
	require.Len(t, p.AppendMessages, 2)
	assert.Equal(t, "Proposed plan:\nplanner done", p.AppendMessages[0].Content)
	assert.Equal(t, "Analysis:\nanalyzer done", p.AppendMessages[1].Content)
}

func TestParseDecisionStructured(t *testing.T) {
	reply := "Decision: Adopt Go for the new gateway.\nConfidence: 0.82\nContextual Factors Influencing This Decision:\n- Team of 8 engineers"
	got := ParseDecision(reply, 0.75)
	assert.Equal(t, "Adopt Go for the new gateway.", got.Decision)
	assert.Equal(t, 0.82, got.Confidence)
	assert.Equal(t, "- Team of 8 engineers", got.Factors)
	assert.Empty(t, got.Fallbacks)
}

func TestParseDecisionFallbacks(t *testing.T) {
	got := ParseDecision("We should probably wait a quarter.", 0.75)
	assert.Equal(t, "We should probably wait a quarter.", got.Decision)
	assert.Equal(t, 0.75, got.Confidence)
	assert.Equal(t, DefaultFactors, got.Factors)
	require.Len(t, got.Fallbacks, 2)
	assert.Equal(t, "decision", got.Fallbacks[0].Field)
	assert.Equal(t, "confidence", got.Fallbacks[1].Field)

	bad := ParseDecision("Decision: go\nConfidence: high", 0.75)
	assert.Equal(t, "go", bad.Decision)
	assert.Equal(t, 0.75, bad.Confidence)

	over := ParseDecision("decision: yes\nconfidence: 7\nContextual Factors: budget", 0.75)
	assert.Equal(t, 1.0, over.Confidence)
	assert.Equal(t, "budget", over.Factors)
}

func TestConfigZeroValuesTakeDefaults(t *testing.T) {
	got := NewActivities(Config{}, Dependencies{}, nil).Config()
	assert.Equal(t, DefaultConfig(), got)

	custom := NewActivities(Config{ConfidenceBonus: 0.05, DecisionTemperature: 0.4}, Dependencies{}, nil).Config()
	assert.Equal(t, 0.05, custom.ConfidenceBonus)
	assert.Equal(t, 0.4, custom.DecisionTemperature)
	assert.Equal(t, 0.2, custom.PlannerTemperature)
}

func TestDecisionMergerBonusWithZeroConfig(t *testing.T) {
	mem := &fakeMemory{similar: []state.SimilarDecision{{ID: "1", Similarity: 0.80}, {ID: "2", Similarity: 0.76}}}
	fake := &fakeLLM{reply: "Decision: Proceed.\nConfidence: 0.70"}
	a := newActivities(t, Dependencies{LLM: fake, Memory: mem})

	p, err := a.DecisionMerger(context.Background(), mergeReadySession())
	require.NoError(t, err)
	require.NotNil(t, p.Confidence)
	assert.InDelta(t, 0.90, *p.Confidence, 1e-9)
	assert.Equal(t, 0.1, fake.requests[0].Temperature)
}

func TestAdjustConfidence(t *testing.T) {
	similar := []state.SimilarDecision{{ID: "1", Similarity: 0.80}, {ID: "2", Similarity: 0.76}}
	assert.Equal(t, 0.9, AdjustConfidence(0.70, similar, 0.75, 0.10))
	assert.Equal(t, 0.7, AdjustConfidence(0.70, []state.SimilarDecision{{Similarity: 0.74}}, 0.75, 0.10))
	assert.Equal(t, 1.0, AdjustConfidence(0.95, similar, 0.75, 0.10))
	assert.Equal(t, 0.5, AdjustConfidence(0.5, nil, 0.75, 0.10))
}

func mergeReadySession() *state.Session {
	s := session("Adopt Go?")
	_ = s.Apply(state.Patch{Question: state.String("Adopt Go?")})
	_ = s.Apply(GenerationPatch("Pilot one service", "Go fits the team"))
	return s
}

func TestDecisionMergerRequiresAnalysis(t *testing.T) {
	a := newActivities(t, Dependencies{LLM: &fakeLLM{reply: "Decision: x"}})
	_, err := a.DecisionMerger(context.Background(), session("q"))
	assert.ErrorIs(t, err, state.ErrMissingAnalysis)
	assert.True(t, state.IsFatal(err))
}

func TestDecisionMergerAdjustsAndPersists(t *testing.T) {
	mem := &fakeMemory{similar: []state.SimilarDecision{
		{ID: "7", Similarity: 0.80, Content: "Adopted Go for billing"},
		{ID: "9", Similarity: 0.76, Content: "Adopted Go for search"},
	}}
	fake := &fakeLLM{reply: "Decision: Adopt Go.\nConfidence: 0.70\nContextual Factors Influencing This Decision: prior adoptions"}
	a := newActivities(t, Dependencies{LLM: fake, Memory: mem})

	s := mergeReadySession()
	p, err := a.DecisionMerger(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, s.Apply(p))

	assert.Equal(t, "Adopt Go.", s.DecisionText())
	assert.InDelta(t, 0.90, s.ConfidenceValue(), 1e-9)
	assert.Equal(t, "42", s.MemoryID)
	assert.Len(t, s.SimilarDecisions, 2)
	assert.Equal(t, "prior adoptions", s.ContextualFactors)
	assert.Equal(t, state.ContextModeFallback, s.ContextMode)

	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, state.RoleAssistant, last.Role)
	assert.Equal(t, "Decision:\nAdopt Go.\n\nConfidence: 0.90\n\nContextual Factors:\nprior adoptions", last.Content)

	require.Len(t, mem.records, 1)
	assert.Equal(t, "Adopt Go.", mem.records[0].Decision)
	assert.InDelta(t, 0.90, mem.records[0].Confidence, 1e-9)
	assert.Equal(t, "Pilot one service", mem.records[0].Plan)
	assert.Equal(t, llm.OpDecision, fake.requests[0].Op)
	assert.Contains(t, fake.requests[0].System, "Decision #7")
}

func TestDecisionMergerDegradesOnMemoryFailure(t *testing.T) {
	mem := &fakeMemory{queryErr: errors.New("db down"), persistErr: errors.New("db down")}
	a := newActivities(t, Dependencies{LLM: &fakeLLM{reply: "no structure at all"}, Memory: mem})

	s := mergeReadySession()
	p, err := a.DecisionMerger(context.Background(), s)
	require.Error(t, err)
	assert.False(t, state.IsFatal(err))
	require.NoError(t, s.Apply(p))

	assert.Equal(t, "no structure at all", s.DecisionText())
	assert.Equal(t, 0.75, s.ConfidenceValue())
	assert.Empty(t, s.SimilarDecisions)
	assert.Empty(t, s.MemoryID)

	var system int
	for _, m := range s.Messages {
		if m.Role == state.RoleSystem {
			system++
		}
	}
	assert.Equal(t, 3, system)
}

func TestDecisionMergerCompletionFailureIsFatal(t *testing.T) {
	a := newActivities(t, Dependencies{LLM: &fakeLLM{err: &llm.Error{Provider: "http", Op: llm.OpDecision, StatusCode: 502, Err: errors.New("bad gateway")}}})
	_, err := a.DecisionMerger(context.Background(), mergeReadySession())
	var gf *state.GenerationFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, state.StageDecision, gf.Stage)
	var le *llm.Error
	assert.ErrorAs(t, err, &le)
}

func TestSummarizeWritesReport(t *testing.T) {
	a := newActivities(t, Dependencies{})
	s := mergeReadySession()
	require.NoError(t, s.Apply(state.Patch{Decision: state.String("Adopt Go"), Confidence: state.Float(0.8)}))

	sum, err := a.Summarize(context.Background(), s)
	require.NoError(t, err)
	require.NotEmpty(t, sum.File)
	data, err := os.ReadFile(sum.File)
	require.NoError(t, err)
	assert.Equal(t, sum.Report.Full, string(data))
	assert.Contains(t, sum.Report.Preview, "0.80")
}
