package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the part of client.Client used to launch sessions
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Starter launches DecisionWorkflow executions on a task queue
type Starter struct {
	client    WorkflowStarter
	taskQueue string
}

// NewStarter binds c to taskQueue
func NewStarter(c WorkflowStarter, taskQueue string) *Starter {
	return &Starter{client: c, taskQueue: taskQueue}
}

// WorkflowID is the execution id used for a session
func WorkflowID(sessionID string) string { return "decision-" + sessionID }

// StartSession starts the workflow and returns its id without waiting
func (s *Starter) StartSession(ctx context.Context, in SessionInput) (string, error) {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(in.SessionID),
		TaskQueue: s.taskQueue,
	}, WorkflowName, in)
	if err != nil {
		return "", fmt.Errorf("start decision workflow: %w", err)
	}
	return run.GetID(), nil
}
