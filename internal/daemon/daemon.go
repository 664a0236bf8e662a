// Package daemon runs the publish pipeline on a daily schedule and serves
// the manual-trigger/status/metrics HTTP surface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/concertcal/internal/announce"
	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/history"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/metrics"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

// Daemon owns the scheduler, the HTTP server, and the run history.
type Daemon struct {
	mu         sync.RWMutex // guards cfg and pipe across reloads
	cfg        *config.Config
	configPath string
	pipe       *pipeline.Pipeline

	store     *history.Store
	publisher *announce.Publisher
	recorder  metrics.Recorder
	registry  *prom.Registry

	scheduler  *Scheduler
	httpServer *HTTPServer
	watcher    *ConfigWatcher

	// runMu is the overlap guard: scheduled and manual triggers share it,
	// so two runs can never race on the remote branch.
	runMu     sync.Mutex
	running   atomic.Bool
	startTime time.Time

	// runFunc is swappable for tests.
	runFunc func(ctx context.Context, trigger pipeline.Trigger) pipeline.Result
}

// New creates a daemon from a validated config. configPath enables config
// reloads; pass "" to disable watching.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	if cfg.Daemon == nil {
		return nil, fmt.Errorf("daemon configuration section is required")
	}

	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheusRecorder(registry)

	store, err := history.NewStore(cfg.Daemon.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		pipe:       pipeline.New(cfg, recorder),
		store:      store,
		recorder:   recorder,
		registry:   registry,
		startTime:  time.Now(),
	}
	d.runFunc = func(ctx context.Context, trigger pipeline.Trigger) pipeline.Result {
		return d.currentPipeline().Run(ctx, trigger)
	}

	if cfg.Daemon.Announce != nil && cfg.Daemon.Announce.Enabled {
		publisher, err := announce.NewPublisher(cfg.Daemon.Announce)
		if err != nil {
			// Broker unavailability must not keep the calendar from updating.
			slog.Warn("announce disabled, broker unavailable", logfields.Error(err))
		} else {
			d.publisher = publisher
		}
	}

	d.scheduler = NewScheduler(d)
	d.httpServer = NewHTTPServer(cfg.Daemon.Listen, d)
	return d, nil
}

// Start brings up the scheduler, HTTP server, and config watcher, then
// blocks until the context is canceled.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.scheduler.Start(d.currentConfig().Schedule); err != nil {
		return err
	}
	if err := d.httpServer.Start(ctx); err != nil {
		return err
	}

	if d.configPath != "" {
		watcher, err := NewConfigWatcher(d.configPath, d)
		if err != nil {
			slog.Warn("config watching disabled", logfields.Error(err))
		} else {
			d.watcher = watcher
			d.watcher.Start(ctx)
		}
	}

	slog.Info("Daemon started",
		logfields.URL(d.currentConfig().Daemon.Listen),
		slog.String("schedule", d.currentConfig().Schedule.At))

	<-ctx.Done()
	return nil
}

// Stop shuts down all components gracefully.
func (d *Daemon) Stop(ctx context.Context) error {
	var firstErr error
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		firstErr = err
	}
	if err := d.httpServer.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Info("Daemon stopped")
	return firstErr
}

// ExecuteRun runs one pipeline pass under the overlap guard and records
// the result. Both the scheduler and the HTTP trigger call this.
func (d *Daemon) ExecuteRun(ctx context.Context, trigger pipeline.Trigger) pipeline.Result {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.running.Store(true)
	defer d.running.Store(false)

	result := d.runFunc(ctx, trigger)

	if err := d.store.Record(ctx, result); err != nil {
		slog.Error("Failed to record run", logfields.RunID(result.RunID), logfields.Error(err))
	}
	if d.publisher != nil {
		if err := d.publisher.Publish(result); err != nil {
			slog.Warn("Failed to announce run", logfields.RunID(result.RunID), logfields.Error(err))
		}
	}
	return result
}

// TryTriggerRun starts a manual run unless one is already in flight.
// Returns false when busy.
func (d *Daemon) TryTriggerRun() bool {
	if !d.runMu.TryLock() {
		return false
	}
	go func() {
		defer d.runMu.Unlock()
		d.running.Store(true)
		defer d.running.Store(false)

		result := d.runFunc(context.Background(), pipeline.TriggerManual)
		if err := d.store.Record(context.Background(), result); err != nil {
			slog.Error("Failed to record run", logfields.RunID(result.RunID), logfields.Error(err))
		}
		if d.publisher != nil {
			if err := d.publisher.Publish(result); err != nil {
				slog.Warn("Failed to announce run", logfields.RunID(result.RunID), logfields.Error(err))
			}
		}
	}()
	return true
}

// Reload swaps in a new configuration and reschedules the daily job.
func (d *Daemon) Reload(cfg *config.Config) error {
	d.mu.Lock()
	d.cfg = cfg
	d.pipe = pipeline.New(cfg, d.recorder)
	d.mu.Unlock()

	if err := d.scheduler.Reschedule(cfg.Schedule); err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	slog.Info("Configuration reloaded", slog.String("schedule", cfg.Schedule.At))
	return nil
}

// Running reports whether a run is currently in flight.
func (d *Daemon) Running() bool { return d.running.Load() }

// StartTime returns when the daemon came up.
func (d *Daemon) StartTime() time.Time { return d.startTime }

// History exposes the run store for the status endpoint.
func (d *Daemon) History() *history.Store { return d.store }

// Registry exposes the metrics registry for the /metrics endpoint.
func (d *Daemon) Registry() *prom.Registry { return d.registry }

func (d *Daemon) currentConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Daemon) currentPipeline() *pipeline.Pipeline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pipe
}
