package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/buildctl/internal/api"
	"github.com/EternisAI/buildctl/systemtest/buildapi"
)

func TestWorkflowLifecycle(t *testing.T, client *api.Client) {
	ctx := context.Background()

	spec := api.WorkflowSpec{
		Name:          "Nightly",
		Description:   "nightly regression build",
		TriggerType:   "schedule",
		BranchPattern: "main",
		Scheme:        "App",
		Actions: []api.WorkflowAction{
			{Name: "build", Platform: "iOS"},
			{Name: "test", Platform: "iOS", Destination: "simulator"},
		},
	}

	created, err := client.CreateResource(ctx, spec)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "Nightly", created.Name)

	// The workflow definition must round-trip structurally equal.
	workflows, err := client.ListResources(ctx, api.KindWorkflows)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	require.NotNil(t, workflows[0].Workflow)
	assert.Equal(t, spec, *workflows[0].Workflow)

	run, err := client.TriggerAction(ctx, created.ID, api.TriggerParams{Branch: "main"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusQueued, run.Status)

	final, err := client.WaitForRun(ctx, run.ID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, final.Status)
}

func TestRetryAgainstFlakyServer(t *testing.T, client *api.Client, server *buildapi.Server) {
	server.FailNext(2)

	_, err := client.ListResources(context.Background(), api.KindProducts)
	require.NoError(t, err, "two 500s then success should be absorbed by the retry policy")
}

func TestCreateIsIdempotentAcrossRetries(t *testing.T, client *api.Client, server *buildapi.Server) {
	before := server.WorkflowCount()

	server.FailNext(1)

	created, err := client.CreateResource(context.Background(), api.WorkflowSpec{
		Name:        "Release",
		TriggerType: "tag",
		TagPattern:  "v*",
		Scheme:      "App",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	assert.Equal(t, before+1, server.WorkflowCount(),
		"a retried create must not produce a duplicate workflow")
}

func TestRejectedToken(t *testing.T, badClient *api.Client) {
	_, err := badClient.ListResources(context.Background(), api.KindWorkflows)
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindAuthorization, apiErr.Kind)
}

func TestUnknownRun(t *testing.T, client *api.Client) {
	_, err := client.GetStatus(context.Background(), "run-does-not-exist")
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.KindNotFound, apiErr.Kind)
}
