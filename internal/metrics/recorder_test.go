package metrics

import (
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("push", time.Second)
	r.ObserveRunDuration(time.Second)
	r.IncStageResult("push", ResultSuccess)
	r.IncRunOutcome("success")
	r.AddEventsMerged(1, 2)
	r.IncPushRetry()
}

func TestPrometheusRecorderCounters(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncRunOutcome("success")
	r.IncRunOutcome("success")
	r.IncRunOutcome("failed")
	r.AddEventsMerged(3, 5)
	r.IncPushRetry()
	r.IncStageResult("generate", ResultSuccess)
	r.ObserveStageDuration("generate", 50*time.Millisecond)
	r.ObserveRunDuration(time.Second)

	expected := `
# HELP concertcal_run_outcomes_total Run outcomes by final status
# TYPE concertcal_run_outcomes_total counter
concertcal_run_outcomes_total{outcome="failed"} 1
concertcal_run_outcomes_total{outcome="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "concertcal_run_outcomes_total"))

	expectedMerged := `
# HELP concertcal_events_merged_total Calendar events merged from the feed
# TYPE concertcal_events_merged_total counter
concertcal_events_merged_total{kind="added"} 3
concertcal_events_merged_total{kind="updated"} 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expectedMerged), "concertcal_events_merged_total"))
}

func TestPrometheusRecorderNilSafety(t *testing.T) {
	var p *PrometheusRecorder
	// All methods must tolerate a nil receiver for optional injection.
	p.ObserveStageDuration("x", time.Second)
	p.ObserveRunDuration(time.Second)
	p.IncStageResult("x", ResultFatal)
	p.IncRunOutcome("failed")
	p.AddEventsMerged(0, 0)
	p.IncPushRetry()
	assert.Nil(t, p)
}
