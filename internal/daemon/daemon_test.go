package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

func testDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfgYAML := `
repository:
  url: https://example.com/cal.git
feed:
  url: https://example.com/events.json
daemon:
  listen: "127.0.0.1:0"
  history_db: ":memory:"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	d, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.store.Close() })
	return d
}

func fakeRun(outcome pipeline.Outcome) func(context.Context, pipeline.Trigger) pipeline.Result {
	return func(_ context.Context, trigger pipeline.Trigger) pipeline.Result {
		now := time.Now()
		r := pipeline.Result{
			RunID:    "run-" + string(trigger),
			Trigger:  trigger,
			Outcome:  outcome,
			Started:  now,
			Finished: now,
		}
		if outcome == pipeline.OutcomeSuccess {
			r.CommitHash = "abc123"
		}
		return r
	}
}

func TestNewRequiresDaemonSection(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(cfg, "")
	assert.Error(t, err)
}

func TestExecuteRunRecordsHistory(t *testing.T) {
	d := testDaemon(t)
	d.runFunc = fakeRun(pipeline.OutcomeSuccess)

	result := d.ExecuteRun(context.Background(), pipeline.TriggerSchedule)
	assert.Equal(t, pipeline.OutcomeSuccess, result.Outcome)

	runs, err := d.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-schedule", runs[0].RunID)
	assert.Equal(t, "schedule", runs[0].Trigger)
	assert.Equal(t, "abc123", runs[0].CommitHash)
}

func TestExecuteRunSerializes(t *testing.T) {
	d := testDaemon(t)

	var inFlight, overlapped atomic.Int32
	d.runFunc = func(_ context.Context, trigger pipeline.Trigger) pipeline.Result {
		if inFlight.Add(1) > 1 {
			overlapped.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		now := time.Now()
		return pipeline.Result{RunID: "run-" + string(trigger), Trigger: trigger,
			Outcome: pipeline.OutcomeUnchanged, Started: now, Finished: now}
	}

	done := make(chan struct{})
	go func() {
		d.ExecuteRun(context.Background(), pipeline.TriggerSchedule)
		close(done)
	}()
	d.ExecuteRun(context.Background(), pipeline.TriggerManual)
	<-done

	// The overlap guard never lets two runs execute at once.
	assert.Zero(t, overlapped.Load())
}

func TestTriggerEndpointAccepted(t *testing.T) {
	d := testDaemon(t)

	started := make(chan struct{})
	release := make(chan struct{})
	d.runFunc = func(_ context.Context, trigger pipeline.Trigger) pipeline.Result {
		close(started)
		<-release
		now := time.Now()
		return pipeline.Result{RunID: "run-manual", Trigger: trigger,
			Outcome: pipeline.OutcomeUnchanged, Started: now, Finished: now}
	}

	rec := httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	<-started

	// A second trigger while the run is in flight is rejected.
	rec = httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/trigger", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	require.Eventually(t, func() bool { return !d.Running() }, time.Second, 5*time.Millisecond)
}

func TestTriggerRequiresPost(t *testing.T) {
	d := testDaemon(t)
	rec := httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trigger", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthzEndpoint(t *testing.T) {
	d := testDaemon(t)
	rec := httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	d := testDaemon(t)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, d.store.Record(context.Background(), pipeline.Result{
		RunID: "run-ok", Trigger: pipeline.TriggerSchedule, Outcome: pipeline.OutcomeSuccess,
		CommitHash: "abc123", Added: 2, Started: now, Finished: now.Add(5 * time.Second),
	}))
	require.NoError(t, d.store.Record(context.Background(), pipeline.Result{
		RunID: "run-bad", Trigger: pipeline.TriggerManual, Outcome: pipeline.OutcomeFailed,
		FailedStage: pipeline.StagePush, Err: errors.New("push rejected"),
		Started: now.Add(time.Minute), Finished: now.Add(time.Minute + 5*time.Second),
	}))

	rec := httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	require.Len(t, status.RecentRuns, 2)
	assert.Equal(t, "run-bad", status.RecentRuns[0].RunID)
	assert.Equal(t, "push rejected", status.RecentRuns[0].Error)
	require.NotNil(t, status.LastSuccess)
	assert.Equal(t, "run-ok", status.LastSuccess.RunID)
}

func TestMetricsEndpoint(t *testing.T) {
	d := testDaemon(t)
	rec := httptest.NewRecorder()
	d.httpServer.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReloadSwapsConfig(t *testing.T) {
	d := testDaemon(t)
	require.NoError(t, d.scheduler.Start(d.currentConfig().Schedule))
	defer d.scheduler.Stop()

	cfgYAML := `
repository:
  url: https://example.com/other.git
feed:
  url: https://example.com/events.json
schedule:
  at: "12:45"
daemon:
  listen: "127.0.0.1:0"
  history_db: ":memory:"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.NoError(t, d.Reload(cfg))
	assert.Equal(t, "https://example.com/other.git", d.currentConfig().Repository.URL)
	assert.Equal(t, "12:45", d.currentConfig().Schedule.At)
}
