package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/daemon"
	"git.home.luguber.info/inful/concertcal/internal/ics"
	"git.home.luguber.info/inful/concertcal/internal/metrics"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
	"git.home.luguber.info/inful/concertcal/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Run struct{} `cmd:"" help:"Run one publish pass: fetch the feed, regenerate the calendar, commit and push"`

	Daemon struct{} `cmd:"" help:"Run continuously: daily scheduled publishes plus an HTTP trigger/status endpoint"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Show struct {
		File  string `short:"f" help:"Calendar file to read" default:"concert_schedule.ics"`
		All   bool   `help:"Include past events"`
		Limit int    `short:"n" help:"Maximum events to print" default:"20"`
	} `cmd:"" help:"Print upcoming events from a generated calendar file"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "run":
		cfg := loadConfig()
		setupLogging(cfg)
		if err := runOnce(cfg); err != nil {
			slog.Error("Run failed", "error", err)
			os.Exit(1)
		}
	case "daemon":
		cfg := loadConfig()
		setupLogging(cfg)
		if err := runDaemon(cfg); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		setupDefaultLogging()
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration file created", "path", CLI.Config)
	case "show":
		if err := runShow(CLI.Show.File, CLI.Show.All, CLI.Show.Limit); err != nil {
			fmt.Fprintln(os.Stderr, "show failed:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("concertcal %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		setupDefaultLogging()
		slog.Error("Failed to load configuration", "path", CLI.Config, "error", err)
		os.Exit(1)
	}
	return cfg
}

func setupDefaultLogging() {
	level := slog.LevelInfo
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func setupLogging(cfg *config.Config) {
	level := config.NormalizeLogLevel(cfg.Logging.Level).SlogLevel()
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if config.NormalizeLogFormat(cfg.Logging.Format) == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runOnce(cfg *config.Config) error {
	p := pipeline.New(cfg, metrics.NoopRecorder{})
	result := p.Run(context.Background(), pipeline.TriggerCLI)
	if result.Outcome == pipeline.OutcomeFailed {
		return fmt.Errorf("publish run failed at %s: %w", result.FailedStage, result.Err)
	}
	return nil
}

func runDaemon(cfg *config.Config) error {
	if cfg.Daemon == nil {
		cfg.Daemon = &config.DaemonConfig{Listen: ":8085", HistoryDB: "concertcal-history.db"}
	}

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}

	// Context canceled: shut down with a bounded grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(shutdownCtx)
}

func runShow(path string, all bool, limit int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cal, err := ics.Parse(data)
	if err != nil {
		return fmt.Errorf("parse calendar: %w", err)
	}

	today := time.Now().Truncate(24 * time.Hour)
	events := cal.Events()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date("DTSTART").Before(events[j].Date("DTSTART"))
	})

	printed := 0
	for _, ev := range events {
		start := ev.Date("DTSTART")
		if start.IsZero() {
			continue
		}
		if !all && start.Before(today) {
			continue
		}
		if limit > 0 && printed >= limit {
			break
		}
		fmt.Printf("%s  %s", start.Format("2006-01-02"), ev.Text("SUMMARY"))
		if loc := ev.Text("LOCATION"); loc != "" {
			fmt.Printf("  (%s)", loc)
		}
		fmt.Println()
		printed++
	}
	if printed == 0 {
		fmt.Println("no upcoming events")
	}
	return nil
}
