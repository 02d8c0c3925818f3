package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
)

func TestStarterLaunchesWorkflow(t *testing.T) {
	mockClient := &mocks.Client{}
	mockRun := &mocks.WorkflowRun{}
	mockRun.On("GetID").Return("decision-s1")

	var captured SessionInput
	mockClient.On("ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(opts client.StartWorkflowOptions) bool {
			return opts.ID == "decision-s1" && opts.TaskQueue == "decisions"
		}),
		WorkflowName,
		mock.AnythingOfType("temporal.SessionInput"),
	).Run(func(args mock.Arguments) {
		captured = args.Get(3).(SessionInput)
	}).Return(mockRun, nil)

	id, err := NewStarter(mockClient, "decisions").StartSession(context.Background(), SessionInput{SessionID: "s1", Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "decision-s1", id)
	assert.Equal(t, "q", captured.Question)
	mockClient.AssertExpectations(t)
}

func TestStarterWrapsErrors(t *testing.T) {
	mockClient := &mocks.Client{}
	mockClient.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("namespace not found"))

	_, err := NewStarter(mockClient, "decisions").StartSession(context.Background(), SessionInput{SessionID: "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace not found")
}
