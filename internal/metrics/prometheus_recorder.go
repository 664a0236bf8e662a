package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once          sync.Once
	stageDuration *prom.HistogramVec
	runDuration   prom.Histogram
	stageResults  *prom.CounterVec
	runOutcome    *prom.CounterVec
	eventsMerged  *prom.CounterVec
	pushRetries   prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "concertcal",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "concertcal",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "concertcal",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "concertcal",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by final status",
		}, []string{"outcome"})
		pr.eventsMerged = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "concertcal",
			Name:      "events_merged_total",
			Help:      "Calendar events merged from the feed",
		}, []string{"kind"})
		pr.pushRetries = prom.NewCounter(prom.CounterOpts{
			Namespace: "concertcal",
			Name:      "push_retries_total",
			Help:      "Pushes retried after remote divergence",
		})
		reg.MustRegister(pr.stageDuration, pr.runDuration, pr.stageResults, pr.runOutcome, pr.eventsMerged, pr.pushRetries)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	if p == nil || p.runOutcome == nil {
		return
	}
	p.runOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) AddEventsMerged(added, updated int) {
	if p == nil || p.eventsMerged == nil {
		return
	}
	p.eventsMerged.WithLabelValues("added").Add(float64(added))
	p.eventsMerged.WithLabelValues("updated").Add(float64(updated))
}

func (p *PrometheusRecorder) IncPushRetry() {
	if p == nil || p.pushRetries == nil {
		return
	}
	p.pushRetries.Inc()
}
