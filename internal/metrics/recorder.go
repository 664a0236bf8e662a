package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultSkipped ResultLabel = "skipped"
	ResultFatal   ResultLabel = "fatal"
)

// Recorder defines observability hooks for pipeline runs. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe
// on the NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncRunOutcome(outcome string) // outcome: success|unchanged|failed
	AddEventsMerged(added, updated int)
	IncPushRetry()
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)           {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncRunOutcome(string)                       {}
func (NoopRecorder) AddEventsMerged(int, int)                   {}
func (NoopRecorder) IncPushRetry()                              {}
