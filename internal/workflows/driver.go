package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decisionflow/engine/internal/activities"
	"github.com/decisionflow/engine/internal/events"
	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/state"
	"go.uber.org/zap"
)

// Progress placeholders shown while a field is still being generated
const (
	PlanPendingPrefix     = "⏳ Generating plan in parallel...\n\n"
	AnalysisPendingPrefix = "⏳ Analyzing independently...\n\n"
	DecisionPending       = "⏳ Generating decision..."
)

// Stages is the set of stage functions the driver sequences
type Stages interface {
	Intake(ctx context.Context, s *state.Session) (state.Patch, error)
	ContextRetrieval(ctx context.Context, s *state.Session) (state.Patch, error)
	HistoricalRetrieval(ctx context.Context, s *state.Session) (state.Patch, error)
	Planner(s *state.Session) (activities.Stream, error)
	Analyzer(s *state.Session) (activities.Stream, error)
	DecisionMerger(ctx context.Context, s *state.Session) (state.Patch, error)
	Summarize(ctx context.Context, s *state.Session) (activities.Summary, error)
}

// Sink receives caller-facing snapshots in order. It is called from the
// driver's goroutine and should not block for long.
type Sink func(snap state.Snapshot)

// Config bundles the driver tunables
type Config struct {
	Router         RouterConfig
	Coordinator    CoordinatorConfig
	SessionTimeout time.Duration
}

// Result is the outcome of one session
type Result struct {
	Session *state.Session
	Summary activities.Summary
	Final   state.Snapshot
}

// Driver runs sessions through the stage graph:
// intake, context retrieval, then up to MaxAttempts cycles of historical
// retrieval, parallel generation, merge and routing, then the summarizer.
type Driver struct {
	stages    Stages
	router    *Router
	coord     *Coordinator
	publisher events.Publisher
	cfg       Config
	logger    *zap.Logger
}

// NewDriver creates a driver. publisher may be nil.
func NewDriver(cfg Config, stages Stages, publisher events.Publisher, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		stages:    stages,
		router:    NewRouter(cfg.Router),
		coord:     NewCoordinator(cfg.Coordinator, logger),
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

type stageFunc func(context.Context, *state.Session) (state.Patch, error)

// Run executes the session s, which the driver owns until Run returns.
// Every session ends with exactly one terminal snapshot on sink: a complete
// final snapshot, or an error snapshot that keeps the partial conversation.
func (d *Driver) Run(ctx context.Context, s *state.Session, sink Sink) (*Result, error) {
	start := time.Now()
	metrics.SessionsStarted.Inc()
	if d.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SessionTimeout)
		defer cancel()
	}
	logger := d.logger.With(zap.String("session_id", s.ID))
	logger.Info("Session started", zap.Int("context_docs", len(s.ContextDocs)))

	emit := func(snap state.Snapshot, source string) {
		metrics.SnapshotsEmitted.WithLabelValues(source).Inc()
		if sink != nil {
			sink(snap)
		}
	}
	fail := func(err error) (*Result, error) {
		snap := state.ErrorSnapshot(s, err)
		emit(snap, "driver")
		metrics.RecordSessionMetrics("failed", time.Since(start).Seconds(), s.Attempts, 0)
		logger.Error("Session failed", zap.Int("attempts", s.Attempts), zap.Error(err))
		return &Result{Session: s, Final: snap}, err
	}

	if err := d.apply(ctx, s, d.stages.Intake); err != nil {
		return fail(err)
	}
	emit(state.SnapshotOf(s, state.StageIntake), "driver")

	if err := d.apply(ctx, s, d.stages.ContextRetrieval); err != nil {
		return fail(err)
	}
	emit(state.SnapshotOf(s, state.StageContext), "driver")

	for {
		if err := d.apply(ctx, s, d.stages.HistoricalRetrieval); err != nil {
			return fail(err)
		}
		emit(state.SnapshotOf(s, state.StageHistorical), "driver")

		plan, analysis, err := d.generate(ctx, s, func(snap state.Snapshot) { emit(snap, "coordinator") })
		if err != nil {
			return fail(err)
		}
		if err := commit(s, activities.GenerationPatch(plan, analysis)); err != nil {
			return fail(err)
		}
		pending := state.SnapshotOf(s, state.StageDecision)
		pending.Decision = DecisionPending
		emit(pending, "driver")

		if err := d.apply(ctx, s, d.stages.DecisionMerger); err != nil {
			return fail(err)
		}
		emit(state.SnapshotOf(s, state.StageDecision), "driver")

		if err := commit(s, d.router.Evaluate(s)); err != nil {
			return fail(err)
		}
		outcome, reason := d.router.Decide(s)
		metrics.RouterOutcomes.WithLabelValues(string(outcome), reason).Inc()
		logger.Info("Confidence routed",
			zap.String("outcome", string(outcome)),
			zap.String("reason", reason),
			zap.Int("attempt", s.Attempts),
			zap.Float64("confidence", s.ConfidenceValue()),
			zap.Bool("finalized", s.Finalized),
		)
		emit(state.SnapshotOf(s, state.StageRouter), "driver")
		if outcome == OutcomeEnd {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	sum, err := d.stages.Summarize(ctx, s)
	if err != nil {
		return fail(err)
	}
	final := state.SnapshotOf(s, state.StageDone)
	final.Final = true
	final.Messages = sum.Report.Messages
	final.ReportPreview = sum.Report.Preview
	final.ReportFile = sum.File
	final.HistoricalHTML = sum.Report.HistoricalHTML
	final.EvidenceHTML = sum.Report.EvidenceHTML
	emit(final, "driver")

	d.notify(ctx, s, sum, logger)
	metrics.RecordSessionMetrics("finalized", time.Since(start).Seconds(), s.Attempts, s.ConfidenceValue())
	logger.Info("Session finalized",
		zap.Int("attempts", s.Attempts),
		zap.Float64("confidence", s.ConfidenceValue()),
		zap.Duration("duration", time.Since(start)),
	)
	return &Result{Session: s, Summary: sum, Final: final}, nil
}

// apply runs one stage and commits its patch. Non-fatal errors have already
// been folded into the patch as empty evidence.
func (d *Driver) apply(ctx context.Context, s *state.Session, fn stageFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := fn(ctx, s)
	if err != nil && state.IsFatal(err) {
		return err
	}
	return commit(s, p)
}

func commit(s *state.Session, p state.Patch) error {
	if err := s.Apply(p); err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %v", state.ErrInvariant, err)
	}
	return nil
}

// generate runs the parallel stage and republishes its progress as snapshots
func (d *Driver) generate(ctx context.Context, s *state.Session, emit func(state.Snapshot)) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	planner, err := d.stages.Planner(s)
	if err != nil {
		return "", "", asGenerationFailure(state.StagePlanner, err)
	}
	analyzer, err := d.stages.Analyzer(s)
	if err != nil {
		return "", "", asGenerationFailure(state.StageAnalyzer, err)
	}
	return d.coord.Run(ctx, StreamFunc(planner), StreamFunc(analyzer), func(p Progress) {
		snap := state.SnapshotOf(s, state.StageParallel)
		snap.Plan = pendingText(PlanPendingPrefix, p.Plan, p.PlanDone)
		snap.Analysis = pendingText(AnalysisPendingPrefix, p.Analysis, p.AnalysisDone)
		emit(snap)
	})
}

func pendingText(prefix, text string, done bool) string {
	if done {
		return text
	}
	return prefix + text
}

func asGenerationFailure(stage string, err error) error {
	var gf *state.GenerationFailure
	if errors.As(err, &gf) {
		return err
	}
	return &state.GenerationFailure{Stage: stage, Err: err}
}

func (d *Driver) notify(ctx context.Context, s *state.Session, sum activities.Summary, logger *zap.Logger) {
	if d.publisher == nil {
		return
	}
	err := d.publisher.PublishDecision(ctx, events.DecisionFinalized{
		SessionID:   s.ID,
		Question:    s.Question,
		Decision:    s.DecisionText(),
		Confidence:  s.ConfidenceValue(),
		Attempts:    s.Attempts,
		MemoryID:    s.MemoryID,
		ReportFile:  sum.File,
		FinalizedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to publish decision event", zap.Error(err))
	}
}
