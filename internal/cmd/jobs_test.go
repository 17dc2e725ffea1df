package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/batchwatch/internal/server/handlers"
	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/jobregistry"
	"github.com/3leaps/batchwatch/pkg/watcher"
	"github.com/3leaps/batchwatch/test/providertest"
)

func submitRequest(jobID string) handlers.SubmitJobRequest {
	return handlers.SubmitJobRequest{
		OperationID:   jobID,
		OperationKind: "copy",
		Credential:    providertest.Token,
		Path:          "/photos",
		CorrelationID: "corr-" + jobID[len("dbjid:"):],
	}
}

func TestAPIClient_Lifecycle(t *testing.T) {
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "dbjid:one", providertest.InProgress())
	svc, baseURL, _ := runningService(t, serviceConfig(srv, t.TempDir()))
	client := newAPIClient(baseURL+"/", 5*time.Second)
	ctx := context.Background()

	submitted, err := client.submit(ctx, submitRequest("dbjid:one"))
	require.NoError(t, err)
	assert.Equal(t, "dbjid:one", submitted.JobID)
	assert.Equal(t, "corr-one", submitted.CorrelationID)

	list, err := client.list(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	list, err = client.list(ctx, "delete")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)

	job, err := client.get(ctx, "dbjid:one")
	require.NoError(t, err)
	assert.Equal(t, batch.KindCopy, job.Kind)
	assert.Equal(t, "/photos", job.Path)

	_, err = client.submit(ctx, submitRequest("dbjid:one"))
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 409, apiErr.Status)
	assert.NotEmpty(t, apiErr.Code)

	require.NoError(t, client.cancel(ctx, "dbjid:one"))
	assert.Equal(t, 0, svc.watcher.Len())

	_, err = client.get(ctx, "dbjid:one")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)

	err = client.cancel(ctx, "dbjid:one")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Status)
}

func TestAPIClient_ValidationError(t *testing.T) {
	srv := providertest.New(t)
	_, baseURL, _ := runningService(t, serviceConfig(srv, t.TempDir()))

	req := submitRequest("dbjid:bad")
	req.OperationKind = "rename"
	_, err := newAPIClient(baseURL, 5*time.Second).submit(context.Background(), req)

	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Error(), "status 400")
}

func TestAPIClient_Unreachable(t *testing.T) {
	client := newAPIClient("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := client.list(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(apiExitError("list", err)))
}

func TestAPIExitError(t *testing.T) {
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(apiExitError("x", &apiError{Status: 404})))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(apiExitError("x", &apiError{Status: 409})))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(apiExitError("x", &apiError{Status: 503})))
}

func TestPrintJobTable(t *testing.T) {
	polled := time.Date(2026, 10, 18, 12, 0, 5, 0, time.UTC)
	jobs := []watcher.JobInfo{
		{JobID: "dbjid:1", Kind: batch.KindCopy, CorrelationID: "c1", AdmittedAt: polled.Add(-5 * time.Second), LastPolledAt: &polled, Polls: 3, Path: "/a"},
		{JobID: "dbjid:2", Kind: batch.KindDelete, CorrelationID: "c2", AdmittedAt: polled},
	}

	var buf bytes.Buffer
	printJobTable(&buf, jobs)
	out := buf.String()

	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "dbjid:1")
	assert.Contains(t, out, "2026-10-18T12:00:05Z")
	assert.Contains(t, out, "delete")
	assert.Contains(t, out, "/a")
}

func TestFormatOptionalTime(t *testing.T) {
	assert.Equal(t, "-", formatOptionalTime(nil))
	assert.Equal(t, "-", formatOptionalTime(&time.Time{}))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2026-01-02T02:04:05Z", formatOptionalTime(&ts))
}

func TestJobsListLocal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("BATCHWATCH_CONFIG", "")

	stateDir := t.TempDir()
	t.Setenv("BATCHWATCH_STATE_DIR", stateDir)

	store := jobregistry.NewStore(stateDir)
	require.NoError(t, store.Write(jobregistry.NewRecord(batch.JobHandle{
		OperationID:   "dbjid:local",
		Kind:          batch.KindMove,
		Credential:    providertest.Token,
		CorrelationID: "c-local",
	}, time.Now())))

	t.Cleanup(func() {
		jobsLocal, jobsJSON, jobsKind = false, false, ""
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"jobs", "list", "--local", "--json", "--kind", "move"})
	rootCmd.SetContext(context.Background())
	require.NoError(t, rootCmd.Execute())
}
