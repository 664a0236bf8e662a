package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

// Scheduler triggers the daily publish run.
type Scheduler struct {
	daemon    *Daemon
	scheduler gocron.Scheduler
	job       gocron.Job
}

// NewScheduler creates a scheduler bound to the daemon's run executor.
func NewScheduler(d *Daemon) *Scheduler {
	return &Scheduler{daemon: d}
}

// Start creates the underlying scheduler and registers the daily job.
func (s *Scheduler) Start(schedule config.ScheduleConfig) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.scheduler = sched

	if err := s.schedule(schedule); err != nil {
		return err
	}

	s.scheduler.Start()
	return nil
}

// Reschedule replaces the daily job after a config reload.
func (s *Scheduler) Reschedule(schedule config.ScheduleConfig) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not started")
	}
	if s.job != nil {
		if err := s.scheduler.RemoveJob(s.job.ID()); err != nil {
			return fmt.Errorf("remove job: %w", err)
		}
		s.job = nil
	}
	return s.schedule(schedule)
}

func (s *Scheduler) schedule(schedule config.ScheduleConfig) error {
	hour, minute, err := schedule.ParsedAt()
	if err != nil {
		return err
	}

	// Singleton mode: if a run is still in flight when the next tick fires,
	// the tick is skipped instead of stacking a second run.
	job, err := s.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0))),
		gocron.NewTask(s.runScheduled),
		gocron.WithName("daily-publish"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule daily job: %w", err)
	}
	s.job = job

	if next, err := job.NextRun(); err == nil {
		slog.Info("Daily publish scheduled",
			slog.String("at", schedule.At),
			slog.Time("next_run", next))
	}
	return nil
}

func (s *Scheduler) runScheduled() {
	result := s.daemon.ExecuteRun(context.Background(), pipeline.TriggerSchedule)
	if result.Outcome == pipeline.OutcomeFailed {
		slog.Error("Scheduled run failed",
			logfields.RunID(result.RunID),
			logfields.Stage(result.FailedStage),
			logfields.Error(result.Err))
	}
}

// Stop shuts the scheduler down, waiting for a running job to finish.
func (s *Scheduler) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}
