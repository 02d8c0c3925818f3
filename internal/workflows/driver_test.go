package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/decisionflow/engine/internal/activities"
	"github.com/decisionflow/engine/internal/events"
	"github.com/decisionflow/engine/internal/report"
	"github.com/decisionflow/engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStages struct {
	mu          sync.Mutex
	calls       []string
	contextErr  error
	plannerErr  error
	confidences []float64
	evidence    []string
	analysis    string
	merges      int
}

func (f *fakeStages) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeStages) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeStages) Intake(_ context.Context, s *state.Session) (state.Patch, error) {
	f.record("intake")
	q := strings.TrimSpace(s.Question)
	if q == "" {
		return state.Patch{}, &state.ValidationError{Field: "question", Reason: "must be a non-empty string"}
	}
	return state.Patch{
		Question:       &q,
		Attempts:       state.Int(0),
		Finalized:      state.Bool(false),
		AppendMessages: []state.Message{{Role: state.RoleUser, Content: q}},
	}, nil
}

func (f *fakeStages) ContextRetrieval(context.Context, *state.Session) (state.Patch, error) {
	f.record("context")
	if f.contextErr != nil {
		p := state.Patch{AuthoritativeContext: state.String("")}
		p.Say("No context documents available. Using general knowledge only.")
		return p, &state.CollaboratorUnavailableError{Collaborator: "vector retrieval", Err: f.contextErr}
	}
	return state.Patch{AuthoritativeContext: state.String("Team of 8")}, nil
}

func (f *fakeStages) HistoricalRetrieval(context.Context, *state.Session) (state.Patch, error) {
	f.record("historical")
	ev := append([]string{}, f.evidence...)
	return state.Patch{SupportiveEvidence: ev}, nil
}

func (f *fakeStages) Planner(*state.Session) (activities.Stream, error) {
	f.record("planner")
	if f.plannerErr != nil {
		return failingStream("Step", f.plannerErr), nil
	}
	return textStream("Step 1. ", "Step 2."), nil
}

func (f *fakeStages) Analyzer(*state.Session) (activities.Stream, error) {
	f.record("analyzer")
	return textStream(f.analysis), nil
}

func (f *fakeStages) DecisionMerger(_ context.Context, s *state.Session) (state.Patch, error) {
	f.record("decision")
	if s.AnalysisText() == "" {
		return state.Patch{}, &state.GenerationFailure{Stage: state.StageDecision, Err: state.ErrMissingAnalysis}
	}
	f.mu.Lock()
	c := f.confidences[min(f.merges, len(f.confidences)-1)]
	f.merges++
	n := f.merges
	f.mu.Unlock()
	p := state.Patch{Decision: state.String(fmt.Sprintf("decision %d", n)), Confidence: state.Float(c)}
	p.Say(activities.DecisionMessage(*p.Decision, c, activities.DefaultFactors))
	return p, nil
}

func (f *fakeStages) Summarize(_ context.Context, s *state.Session) (activities.Summary, error) {
	f.record("summarize")
	return activities.Summary{
		Report: report.Report{
			Preview:        "<p>preview</p>",
			HistoricalHTML: "<p>history</p>",
			EvidenceHTML:   "<p>evidence</p>",
			Messages:       report.CompressMessages(s.Messages, 10),
		},
		File: "reports/" + s.ID + ".html",
	}, nil
}

type recordingPublisher struct {
	events []events.DecisionFinalized
	err    error
}

func (r *recordingPublisher) PublishDecision(_ context.Context, evt events.DecisionFinalized) error {
	r.events = append(r.events, evt)
	return r.err
}

type snapshots struct{ list []state.Snapshot }

func (c *snapshots) sink(s state.Snapshot) { c.list = append(c.list, s) }

func (c *snapshots) last() state.Snapshot { return c.list[len(c.list)-1] }

func newDriver(t *testing.T, stages Stages, pub events.Publisher) *Driver {
	return NewDriver(Config{}, stages, pub, zaptest.NewLogger(t))
}

func TestDriverSingleConfidentCycle(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.85}, analysis: "Go fits."}
	pub := &recordingPublisher{}
	var snaps snapshots

	res, err := newDriver(t, stages, pub).Run(context.Background(), state.NewSession("s1", " Adopt Go? ", nil), snaps.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"intake", "context", "historical", "planner", "analyzer", "decision", "summarize"}, stages.calls)
	assert.True(t, res.Session.Finalized)
	assert.Equal(t, 1, res.Session.Attempts)
	assert.Equal(t, "Adopt Go?", res.Session.Question)

	final := snaps.last()
	assert.True(t, final.Final)
	assert.Equal(t, state.StageDone, final.Stage)
	assert.Equal(t, "Step 1. Step 2.", final.Plan)
	assert.Equal(t, "Go fits.", final.Analysis)
	assert.Equal(t, "decision 1", final.Decision)
	assert.Equal(t, 0.85, final.Confidence)
	assert.Equal(t, "<p>preview</p>", final.ReportPreview)
	assert.Equal(t, "reports/s1.html", final.ReportFile)
	assert.NotEmpty(t, final.HistoricalHTML)
	assert.NotEmpty(t, final.EvidenceHTML)
	for _, s := range snaps.list[:len(snaps.list)-1] {
		assert.False(t, s.Final)
	}

	require.Len(t, pub.events, 1)
	assert.Equal(t, "s1", pub.events[0].SessionID)
	assert.Equal(t, 0.85, pub.events[0].Confidence)
}

func TestDriverStreamingPlaceholders(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.9}, analysis: "fine"}
	var snaps snapshots
	_, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), snaps.sink)
	require.NoError(t, err)

	var parallel, pendingDecision int
	for _, s := range snaps.list {
		switch {
		case s.Stage == state.StageParallel:
			parallel++
			if !strings.HasPrefix(s.Plan, PlanPendingPrefix) {
				assert.Equal(t, "Step 1. Step 2.", s.Plan)
			}
		case s.Decision == DecisionPending:
			pendingDecision++
			assert.Equal(t, "Step 1. Step 2.", s.Plan)
		}
	}
	assert.Positive(t, parallel)
	assert.Equal(t, 1, pendingDecision)
}

func TestDriverRetriesUntilLocked(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.4, 0.5, 0.6}, analysis: "It is unclear."}
	res, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Session.Attempts)
	assert.True(t, res.Session.Finalized)
	assert.Equal(t, 1, stages.count("intake"))
	assert.Equal(t, 1, stages.count("context"))
	assert.Equal(t, 3, stages.count("historical"))
	assert.Equal(t, 3, stages.count("decision"))
	assert.Equal(t, 1, stages.count("summarize"))
	assert.Equal(t, "decision 3", res.Session.DecisionText())
	assert.Equal(t, 0.6, res.Session.ConfidenceValue())
}

func TestDriverAcceptsLowConfidenceWithEvidence(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.4}, analysis: "Solid.", evidence: []string{"a", "b"}}
	res, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Session.Attempts)
	assert.False(t, res.Session.Finalized)
	assert.Equal(t, 1, stages.count("summarize"))
}

func TestDriverEmptyQuestionStopsAtIntake(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.9}}
	var snaps snapshots
	res, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "", nil), snaps.sink)

	var ve *state.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"intake"}, stages.calls)
	require.Len(t, snaps.list, 1)
	assert.True(t, snaps.list[0].Final)
	assert.Equal(t, state.StageFailed, snaps.list[0].Stage)
	assert.NotEmpty(t, snaps.list[0].Err)
	assert.Equal(t, 0.0, snaps.list[0].Confidence)
	assert.Equal(t, res.Final, snaps.list[0])
}

func TestDriverGenerationFailureIsTerminal(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.9}, analysis: "x", plannerErr: errors.New("model overloaded")}
	var snaps snapshots
	_, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), snaps.sink)

	var gf *state.GenerationFailure
	require.ErrorAs(t, err, &gf)
	assert.Equal(t, state.StagePlanner, gf.Stage)
	assert.Zero(t, stages.count("decision"))
	assert.Zero(t, stages.count("summarize"))

	final := snaps.last()
	assert.True(t, final.Final)
	assert.Contains(t, final.Decision, "model overloaded")
	require.NotEmpty(t, final.Messages)
	assert.Equal(t, "q", final.Messages[0].Content)
}

func TestDriverDegradesOnCollaboratorFailure(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.8}, analysis: "ok", contextErr: errors.New("qdrant down")}
	res, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, "", res.Session.AuthoritativeContext)
	assert.Equal(t, "No context documents available. Using general knowledge only.", res.Session.Messages[1].Content)
}

func TestDriverPublishFailureIsNotFatal(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.8}, analysis: "ok"}
	pub := &recordingPublisher{err: errors.New("nats down")}
	_, err := newDriver(t, stages, pub).Run(context.Background(), state.NewSession("s", "q", nil), nil)
	require.NoError(t, err)
	assert.Len(t, pub.events, 1)
}

func TestDriverCancelledContext(t *testing.T) {
	stages := &fakeStages{confidences: []float64{0.8}, analysis: "ok"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDriver(t, stages, nil).Run(ctx, state.NewSession("s", "q", nil), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, stages.calls)
}

func TestDriverAttemptsStayBounded(t *testing.T) {
	for _, confs := range [][]float64{{0.1}, {0.69, 0.69, 0.69}, {0.2, 0.95}} {
		stages := &fakeStages{confidences: confs, analysis: "uncertain"}
		var snaps snapshots
		_, err := newDriver(t, stages, nil).Run(context.Background(), state.NewSession("s", "q", nil), snaps.sink)
		require.NoError(t, err)

		prev, routed, finals := 0, 0, 0
		for _, s := range snaps.list {
			assert.GreaterOrEqual(t, s.Attempt, prev)
			assert.LessOrEqual(t, s.Attempt, 3)
			assert.GreaterOrEqual(t, s.Confidence, 0.0)
			assert.LessOrEqual(t, s.Confidence, 1.0)
			prev = s.Attempt
			if s.Stage == state.StageRouter {
				routed++
			}
			if s.Final {
				finals++
			}
		}
		assert.LessOrEqual(t, routed, 3)
		assert.Equal(t, 1, finals)
		assert.True(t, snaps.last().Final)
	}
}
