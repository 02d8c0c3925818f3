package temporal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decisionflow/engine/internal/state"
	"github.com/decisionflow/engine/internal/streaming"
	"github.com/decisionflow/engine/internal/workflows"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// Runner executes one session; *workflows.Driver satisfies it
type Runner interface {
	Run(ctx context.Context, s *state.Session, sink workflows.Sink) (*workflows.Result, error)
}

// Heartbeat is the progress detail recorded on every snapshot
type Heartbeat struct {
	Stage      string  `json:"stage"`
	Attempt    int     `json:"attempt"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
}

// Activities holds the session activity. NewRunner is called once per
// session so reloaded engine settings reach new sessions only.
type Activities struct {
	NewRunner func() Runner
	Stream    *streaming.Manager
	Logger    *zap.Logger
	// HeartbeatInterval overrides the keep-alive period. Zero means half
	// the activity heartbeat timeout.
	HeartbeatInterval time.Duration
}

// heartbeater re-sends the latest progress on a ticker so stages that
// block on one call without emitting snapshots keep the activity alive.
type heartbeater struct {
	mu     sync.Mutex
	last   Heartbeat
	record func(Heartbeat)
}

func (h *heartbeater) beat(hb Heartbeat) {
	h.mu.Lock()
	h.last = hb
	h.mu.Unlock()
	h.record(hb)
}

func (h *heartbeater) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.mu.Lock()
			hb := h.last
			h.mu.Unlock()
			h.record(hb)
		}
	}
}

func (a *Activities) heartbeatInterval(ctx context.Context) time.Duration {
	if a.HeartbeatInterval > 0 {
		return a.HeartbeatInterval
	}
	if timeout := activity.GetInfo(ctx).HeartbeatTimeout; timeout > 0 {
		return timeout / 2
	}
	return DefaultWorkflowOptions().Heartbeat / 2
}

// RunDecisionSession runs the stage graph, heartbeating each snapshot and
// mirroring it to the stream manager when one is configured.
func (a *Activities) RunDecisionSession(ctx context.Context, in SessionInput) (SessionResult, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", in.SessionID))
	if info := activity.GetInfo(ctx); info.WorkflowExecution.ID != "" {
		logger = logger.With(zap.String("workflow_id", info.WorkflowExecution.ID))
	}

	hb := &heartbeater{
		last:   Heartbeat{Stage: state.StageIntake},
		record: func(h Heartbeat) { activity.RecordHeartbeat(ctx, h) },
	}
	beatCtx, stopBeat := context.WithCancel(ctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		hb.run(beatCtx, a.heartbeatInterval(ctx))
	}()
	defer func() {
		stopBeat()
		<-beatDone
	}()

	s := state.NewSession(in.SessionID, in.Question, in.ContextDocs)
	res, err := a.NewRunner().Run(ctx, s, func(snap state.Snapshot) {
		hb.beat(Heartbeat{
			Stage:      snap.Stage,
			Attempt:    snap.Attempt,
			Confidence: snap.Confidence,
			Final:      snap.Final,
		})
		if a.Stream != nil {
			a.Stream.Publish(ctx, snap.SessionID, streaming.EventFor(snap))
		}
	})
	if err != nil {
		var ve *state.ValidationError
		if errors.As(err, &ve) {
			return SessionResult{SessionID: in.SessionID}, sdktemporal.NewNonRetryableApplicationError(err.Error(), "ValidationError", err)
		}
		logger.Warn("Session activity failed", zap.Error(err))
		return SessionResult{SessionID: in.SessionID}, err
	}
	return SessionResult{
		SessionID:  s.ID,
		Decision:   s.DecisionText(),
		Confidence: s.ConfidenceValue(),
		Attempts:   s.Attempts,
		Finalized:  s.Finalized,
		MemoryID:   s.MemoryID,
		ReportFile: res.Summary.File,
		Completed:  time.Now(),
	}, nil
}

// Register adds the workflow and activity to a worker under stable names
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(DecisionWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.RunDecisionSession, activity.RegisterOptions{Name: ActivityName})
}
