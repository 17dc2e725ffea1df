package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/batchwatch/internal/config"
	"github.com/3leaps/batchwatch/pkg/batch"
	"github.com/3leaps/batchwatch/pkg/events"
	"github.com/3leaps/batchwatch/pkg/manifest"
	"github.com/3leaps/batchwatch/pkg/output"
	"github.com/3leaps/batchwatch/test/providertest"
)

func testConfig(srv *providertest.Server) *config.Config {
	return &config.Config{
		Poll: config.PollConfig{
			Interval:       time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Provider: config.ProviderConfig{
			Type:     "dropbox",
			BaseURL:  srv.URL,
			ClientID: providertest.ClientID,
		},
	}
}

func testManifest(jobs ...manifest.JobSpec) *manifest.Manifest {
	m := &manifest.Manifest{Version: manifest.DefaultVersion, Jobs: jobs}
	m.ApplyDefaults()
	return m
}

func copyJob(id string) manifest.JobSpec {
	return manifest.JobSpec{
		OperationID:   id,
		OperationKind: "copy",
		Credential:    providertest.Token,
		CorrelationID: "corr-" + id,
	}
}

func readRecords(t *testing.T, buf *bytes.Buffer) []output.Record {
	t.Helper()
	var out []output.Record
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var r output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, sc.Err())
	return out
}

func recordsOfType(records []output.Record, typ string) []output.Record {
	var out []output.Record
	for _, r := range records {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func skipSlow(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("polls on a one-second cron schedule")
	}
}

func TestWatchJobs_Complete(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1",
		providertest.InProgress(),
		providertest.Complete(batch.RawEntry{Tag: batch.TagSuccess, Success: &batch.RawMetadata{ID: "id:1"}}),
	)

	var buf bytes.Buffer
	res, err := watchJobs(context.Background(), testManifest(copyJob("j1")), testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, res.exitErr())
	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, 1, res.Complete)
	assert.Equal(t, 0, res.Pending)

	records := readRecords(t, &buf)
	require.NotEmpty(t, records)
	assert.Equal(t, output.TypeJob, records[0].Type)
	assert.Equal(t, output.TypeSummary, records[len(records)-1].Type)

	evs := recordsOfType(records, output.TypeEvent)
	require.Len(t, evs, 2)
	var running, complete events.Event
	require.NoError(t, json.Unmarshal(evs[0].Data, &running))
	require.NoError(t, json.Unmarshal(evs[1].Data, &complete))
	assert.Equal(t, events.TopicRunning, running.Topic)
	assert.Equal(t, events.TopicComplete, complete.Topic)
	assert.Equal(t, "corr-j1", complete.CorrelationID)
	require.Len(t, complete.Entries, 1)
	assert.Equal(t, "id:1", complete.Entries[0].Metadata.ID)
}

func TestWatchJobs_QuietSuppressesRunning(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1", providertest.InProgress(), providertest.Complete())

	var buf bytes.Buffer
	_, err := watchJobs(context.Background(), testManifest(copyJob("j1")), testConfig(srv), &buf, true, zap.NewNop())
	require.NoError(t, err)

	evs := recordsOfType(readRecords(t, &buf), output.TypeEvent)
	require.Len(t, evs, 1)
	var ev events.Event
	require.NoError(t, json.Unmarshal(evs[0].Data, &ev))
	assert.Equal(t, events.TopicComplete, ev.Topic)
}

func TestWatchJobs_FailedExitsOne(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1", providertest.FailedJob())

	var buf bytes.Buffer
	res, err := watchJobs(context.Background(), testManifest(copyJob("j1")), testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, exitFailure, ExitCode(res.exitErr()))
}

func TestWatchJobs_AbandonedWritesErrorRecord(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t) // unscripted jobs answer invalid_async_job_id

	var buf bytes.Buffer
	res, err := watchJobs(context.Background(), testManifest(copyJob("gone")), testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(res.exitErr()))

	records := readRecords(t, &buf)
	assert.Empty(t, recordsOfType(records, output.TypeEvent))
	errs := recordsOfType(records, output.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "gone", errs[0].JobID)

	var rec output.ErrorRecord
	require.NoError(t, json.Unmarshal(errs[0].Data, &rec))
	assert.Equal(t, output.ErrCodeAbandoned, rec.Code)
}

func TestWatchJobs_DuplicateIsRejected(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1", providertest.Complete())

	var buf bytes.Buffer
	res, err := watchJobs(context.Background(), testManifest(copyJob("j1"), copyJob("j1")), testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, 1, res.Complete)
	assert.Equal(t, 1, res.rejected)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(res.exitErr()))

	errs := recordsOfType(readRecords(t, &buf), output.TypeError)
	require.Len(t, errs, 1)
	var rec output.ErrorRecord
	require.NoError(t, json.Unmarshal(errs[0].Data, &rec))
	assert.Equal(t, output.ErrCodeRejected, rec.Code)
}

func TestWatchJobs_Timeout(t *testing.T) {
	skipSlow(t)
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1", providertest.InProgress())

	m := testManifest(copyJob("j1"))
	m.Poll.Timeout = "1500ms"

	var buf bytes.Buffer
	res, err := watchJobs(context.Background(), m, testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, res.timedOut)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(res.exitErr()))

	records := readRecords(t, &buf)
	assert.Equal(t, output.TypeSummary, records[len(records)-1].Type)
}

func TestWatchJobs_Interrupted(t *testing.T) {
	srv := providertest.New(t)
	srv.Script(batch.KindCopy, "j1", providertest.InProgress())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var buf bytes.Buffer
	res, err := watchJobs(ctx, testManifest(copyJob("j1")), testConfig(srv), &buf, false, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, res.interrupted)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, foundry.ExitSignalInt, ExitCode(res.exitErr()))

	// The summary is written even though the run context is cancelled.
	records := readRecords(t, &buf)
	require.NotEmpty(t, records)
	assert.Equal(t, output.TypeSummary, records[len(records)-1].Type)
}

func TestWatchJobs_InvalidInput(t *testing.T) {
	srv := providertest.New(t)

	t.Run("missing credential env", func(t *testing.T) {
		job := copyJob("j1")
		job.Credential = ""
		job.CredentialEnv = "BATCHWATCH_TEST_UNSET_TOKEN"
		_, err := watchJobs(context.Background(), testManifest(job), testConfig(srv), &bytes.Buffer{}, false, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	})

	t.Run("bad interval", func(t *testing.T) {
		m := testManifest(copyJob("j1"))
		m.Poll.Interval = "often"
		_, err := watchJobs(context.Background(), m, testConfig(srv), &bytes.Buffer{}, false, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	})

	t.Run("unsupported provider", func(t *testing.T) {
		cfg := testConfig(srv)
		cfg.Provider.Type = "box"
		_, err := watchJobs(context.Background(), testManifest(copyJob("j1")), cfg, &bytes.Buffer{}, false, zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	})
}

func TestWatchResult_ExitPrecedence(t *testing.T) {
	tests := []struct {
		name string
		res  *watchResult
		want int
	}{
		{"all complete", &watchResult{SummaryRecord: output.SummaryRecord{Jobs: 2, Complete: 2}}, 0},
		{"failed", &watchResult{SummaryRecord: output.SummaryRecord{Jobs: 2, Failed: 1}}, exitFailure},
		{"abandoned beats failed", &watchResult{SummaryRecord: output.SummaryRecord{Failed: 1, Abandoned: 1}}, foundry.ExitExternalServiceUnavailable},
		{"rejected beats abandoned", &watchResult{SummaryRecord: output.SummaryRecord{Abandoned: 1}, rejected: 1}, foundry.ExitInvalidArgument},
		{"timeout beats rejected", &watchResult{rejected: 1, timedOut: true}, foundry.ExitExternalServiceUnavailable},
		{"interrupt beats everything", &watchResult{SummaryRecord: output.SummaryRecord{Failed: 1}, timedOut: true, interrupted: true}, foundry.ExitSignalInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.res.exitErr()))
		})
	}
}

func resetWatchFlags(t *testing.T) {
	t.Helper()
	reset := func() {
		watchFile, watchJobID, watchKind = "", "", ""
		watchToken, watchTokenEnv, watchPath, watchCorrelationID = "", "DROPBOX_TOKEN", "", ""
		watchInterval, watchTimeout, watchOutput = "", "", ""
		watchQuiet = false
	}
	reset()
	t.Cleanup(reset)
}

func TestWatchManifest(t *testing.T) {
	t.Run("from flags with token env", func(t *testing.T) {
		resetWatchFlags(t)
		watchJobID, watchKind, watchPath = "dbjid:1", "move", "/a"
		watchInterval = "3s"

		m, err := watchManifest()
		require.NoError(t, err)
		require.Len(t, m.Jobs, 1)
		assert.Equal(t, "dbjid:1", m.Jobs[0].OperationID)
		assert.Equal(t, "move", m.Jobs[0].OperationKind)
		assert.Equal(t, "DROPBOX_TOKEN", m.Jobs[0].CredentialEnv)
		assert.Empty(t, m.Jobs[0].Credential)
		assert.Equal(t, "3s", m.Poll.Interval)
	})

	t.Run("explicit token wins", func(t *testing.T) {
		resetWatchFlags(t)
		watchJobID, watchKind, watchToken = "dbjid:1", "copy", "tok"

		m, err := watchManifest()
		require.NoError(t, err)
		assert.Equal(t, "tok", m.Jobs[0].Credential)
		assert.Empty(t, m.Jobs[0].CredentialEnv)
	})

	t.Run("from file with timeout override", func(t *testing.T) {
		resetWatchFlags(t)
		path := filepath.Join(t.TempDir(), "jobs.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`version: "1.0"
poll:
  interval: 2s
jobs:
  - operation_id: "dbjid:AAA"
    operation_kind: delete
    credential_env: DROPBOX_TOKEN
`), 0o644))
		watchFile, watchTimeout = path, "5m"

		m, err := watchManifest()
		require.NoError(t, err)
		assert.Equal(t, "2s", m.Poll.Interval)
		assert.Equal(t, "5m", m.Poll.Timeout)
		assert.Equal(t, "delete", m.Jobs[0].OperationKind)
	})

	t.Run("nothing to watch", func(t *testing.T) {
		resetWatchFlags(t)
		_, err := watchManifest()
		assert.Error(t, err)
	})
}

func TestOpenWatchOutput(t *testing.T) {
	w, cleanup, err := openWatchOutput("-")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	cleanup()

	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, cleanup, err = openWatchOutput(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("{}\n"))
	require.NoError(t, err)
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, _, err = openWatchOutput(filepath.Join(t.TempDir(), "missing", "out.jsonl"))
	assert.Error(t, err)
}
