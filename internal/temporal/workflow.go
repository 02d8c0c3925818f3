// Package temporal runs decision sessions as Temporal workflows. The whole
// stage graph executes inside one activity so the streaming coordinator keeps
// its in-process concurrency; progress is reported through heartbeats.
package temporal

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Registered names
const (
	WorkflowName = "DecisionWorkflow"
	ActivityName = "RunDecisionSession"
)

// SessionInput starts one session
type SessionInput struct {
	SessionID   string   `json:"session_id"`
	Question    string   `json:"question"`
	ContextDocs []string `json:"context_docs,omitempty"`
}

// SessionResult is the durable outcome of a session
type SessionResult struct {
	SessionID  string    `json:"session_id"`
	Decision   string    `json:"decision"`
	Confidence float64   `json:"confidence"`
	Attempts   int       `json:"attempts"`
	Finalized  bool      `json:"finalized"`
	MemoryID   string    `json:"memory_id,omitempty"`
	ReportFile string    `json:"report_file,omitempty"`
	Completed  time.Time `json:"completed_at"`
}

// WorkflowOptions control the session activity
type WorkflowOptions struct {
	StartToClose time.Duration
	Heartbeat    time.Duration
}

// DefaultWorkflowOptions returns the timeouts used by DecisionWorkflow
func DefaultWorkflowOptions() WorkflowOptions {
	return WorkflowOptions{StartToClose: 10 * time.Minute, Heartbeat: 30 * time.Second}
}

// DecisionWorkflow executes one session. The activity is not retried: a
// session persists its decision to long-term memory on every merge, so a
// replay would record duplicates.
func DecisionWorkflow(ctx workflow.Context, in SessionInput) (SessionResult, error) {
	opts := DefaultWorkflowOptions()
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: opts.StartToClose,
		HeartbeatTimeout:    opts.Heartbeat,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 1},
	})
	logger := workflow.GetLogger(ctx)
	logger.Info("Decision workflow started", "session_id", in.SessionID)

	var out SessionResult
	if err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &out); err != nil {
		logger.Error("Decision session failed", "session_id", in.SessionID, "error", err)
		return SessionResult{SessionID: in.SessionID}, err
	}
	logger.Info("Decision workflow completed",
		"session_id", out.SessionID,
		"attempts", out.Attempts,
		"confidence", out.Confidence,
	)
	return out, nil
}
