package activities

import (
	"context"
	"errors"
	"time"

	"github.com/decisionflow/engine/internal/metrics"
	"github.com/decisionflow/engine/internal/report"
	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/tracing"
	"go.uber.org/zap"
)

var errNoRenderer = errors.New("report renderer not configured")

// Summary is the rendered outcome of a finalized session
type Summary struct {
	Report report.Report
	// File is the path of the written report, empty when writing failed
	File string
}

// Summarize renders the report for a finalized session and writes the full
// document to the report directory. The session is only read.
func (a *Activities) Summarize(ctx context.Context, s *state.Session) (Summary, error) {
	_, span := tracing.StartStageSpan(ctx, state.StageSummarize, s.ID, s.Attempts)
	defer span.End()
	start := time.Now()
	defer func() { metrics.RecordStage(state.StageSummarize, time.Since(start).Seconds()) }()

	if a.reports == nil {
		metrics.RecordStageError(state.StageSummarize, true)
		return Summary{}, &state.GenerationFailure{Stage: state.StageSummarize, Err: errNoRenderer}
	}
	rep, err := a.reports.Render(s, a.now())
	if err != nil {
		metrics.RecordStageError(state.StageSummarize, true)
		tracing.RecordError(span, err)
		return Summary{}, &state.GenerationFailure{Stage: state.StageSummarize, Err: err}
	}

	file, err := a.reports.Write(s.ID, rep.Full)
	if err != nil {
		metrics.RecordStageError(state.StageSummarize, false)
		a.logger.Warn("Report file not written",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		file = ""
	}
	a.logger.Info("Session summarized",
		zap.String("session_id", s.ID),
		zap.Int("messages", len(s.Messages)),
		zap.Int("report_messages", len(rep.Messages)),
		zap.String("report_file", file),
	)
	return Summary{Report: rep, File: file}, nil
}
