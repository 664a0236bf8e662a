// Package pipeline orchestrates one publish run: fetch the repository,
// regenerate the calendar from the feed, place the artifact, commit, and
// push. Every trigger (CLI, schedule, HTTP) goes through the same Run
// entrypoint.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/concertcal/internal/calendar"
	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/feed"
	gitpkg "git.home.luguber.info/inful/concertcal/internal/git"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/metrics"
	"git.home.luguber.info/inful/concertcal/internal/retry"
	"git.home.luguber.info/inful/concertcal/internal/site"
	"git.home.luguber.info/inful/concertcal/internal/workspace"
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Stage names, in execution order.
const (
	StageFetchSource = "fetch_source"
	StageGenerate    = "generate"
	StagePublish     = "publish"
	StageCommit      = "commit"
	StagePush        = "push"
)

// Outcome is the final status of a run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"   // new commit pushed
	OutcomeUnchanged Outcome = "unchanged" // calendar identical, nothing committed
	OutcomeFailed    Outcome = "failed"
)

// Result describes a finished run.
type Result struct {
	RunID       string
	Trigger     Trigger
	Outcome     Outcome
	FailedStage string // empty unless Outcome == OutcomeFailed
	CommitHash  string
	Added       int
	Updated     int
	Started     time.Time
	Finished    time.Time
	Err         error
}

// SourceClient is the per-run git surface the pipeline needs.
type SourceClient interface {
	Clone(ctx context.Context) (string, error)
	CommitAndPush(ctx context.Context, repoPath string, paths []string, message string, reapply gitpkg.ReapplyFunc) (gitpkg.PublishResult, error)
}

// EventSource delivers feed events.
type EventSource interface {
	Fetch(ctx context.Context) ([]feed.Event, error)
}

// Pipeline runs the publish sequence.
type Pipeline struct {
	cfg      *config.Config
	recorder metrics.Recorder

	newSource func(workDir string) SourceClient
	events    EventSource
	builder   *calendar.Builder
	renderer  *site.Renderer
}

// New wires a pipeline with its production collaborators.
func New(cfg *config.Config, recorder metrics.Recorder) *Pipeline {
	policy := policyFromConfig(cfg.Retry)
	p := &Pipeline{
		cfg:      cfg,
		recorder: recorder,
		newSource: func(workDir string) SourceClient {
			return gitpkg.NewClient(workDir, cfg.Repository, cfg.Committer, policy)
		},
		events:  feed.NewClient(cfg.Feed.URL, cfg.Feed.ParsedTimeout(), policy),
		builder: calendar.NewBuilder(cfg.Calendar.UIDDomain, cfg.Calendar.ProdID),
	}
	if cfg.Calendar.DigestPath != "" {
		p.renderer = site.NewRenderer(cfg.Calendar.DigestTitle)
	}
	return p
}

// NewWithClients wires a pipeline with injected collaborators (tests).
func NewWithClients(cfg *config.Config, recorder metrics.Recorder, newSource func(workDir string) SourceClient, events EventSource) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		recorder:  recorder,
		newSource: newSource,
		events:    events,
		builder:   calendar.NewBuilder(cfg.Calendar.UIDDomain, cfg.Calendar.ProdID),
	}
	if cfg.Calendar.DigestPath != "" {
		p.renderer = site.NewRenderer(cfg.Calendar.DigestTitle)
	}
	return p
}

func policyFromConfig(rc config.RetryConfig) retry.Policy {
	initial, _ := time.ParseDuration(rc.InitialDelay)
	maxDelay, _ := time.ParseDuration(rc.MaxDelay)
	return retry.NewPolicy(retry.BackoffMode(rc.Backoff), initial, maxDelay, rc.MaxRetries)
}

// Run executes one publish run. All side effects before push happen inside
// an ephemeral workspace; a failed run leaves the remote untouched.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger) Result {
	result := Result{
		RunID:   uuid.NewString(),
		Trigger: trigger,
		Started: time.Now(),
	}
	log := slog.With(logfields.RunID(result.RunID), logfields.Trigger(string(trigger)))
	log.Info("Starting publish run", logfields.Repository(p.cfg.Repository.URL))

	ws := workspace.NewManager("")
	if err := ws.Create(); err != nil {
		return p.finish(log, result, StageFetchSource, err)
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			log.Warn("Failed to cleanup workspace", logfields.Error(err))
		}
	}()

	source := p.newSource(ws.GetPath())

	// Stage 1: fetch source.
	repoPath, err := p.timed(StageFetchSource, func() (string, error) {
		return source.Clone(ctx)
	})
	if err != nil {
		return p.finish(log, result, StageFetchSource, err)
	}

	// Stage 2: generate the artifact from feed + previously published calendar.
	var artifact, digest []byte
	_, err = p.timed(StageGenerate, func() (string, error) {
		var genErr error
		artifact, digest, genErr = p.generate(ctx, repoPath, &result)
		return "", genErr
	})
	if err != nil {
		return p.finish(log, result, StageGenerate, err)
	}

	// Stage 3: publish into the working copy.
	_, err = p.timed(StagePublish, func() (string, error) {
		return "", p.applyArtifacts(repoPath, artifact, digest)
	})
	if err != nil {
		return p.finish(log, result, StagePublish, err)
	}

	// Stages 4+5: commit and push (go-git treats these as one surface; the
	// clean-worktree short-circuit is the commit stage's no-op branch).
	publishResult, err := p.commitAndPush(ctx, source, repoPath, artifact, digest)
	if err != nil {
		return p.finish(log, result, StagePush, err)
	}
	if publishResult.Attempts > 1 {
		for i := 1; i < publishResult.Attempts; i++ {
			p.recorder.IncPushRetry()
		}
	}

	result.Finished = time.Now()
	if publishResult.Committed {
		result.Outcome = OutcomeSuccess
		result.CommitHash = publishResult.CommitHash
	} else {
		result.Outcome = OutcomeUnchanged
	}
	p.recorder.ObserveRunDuration(result.Finished.Sub(result.Started))
	p.recorder.IncRunOutcome(string(result.Outcome))
	log.Info("Publish run finished",
		logfields.Outcome(string(result.Outcome)),
		logfields.Commit(result.CommitHash),
		logfields.DurationMS(float64(result.Finished.Sub(result.Started).Milliseconds())))
	return result
}

// generate fetches events and merges them into the previously published
// calendar, returning the new artifact (and digest page) bytes.
func (p *Pipeline) generate(ctx context.Context, repoPath string, result *Result) (artifact, digest []byte, err error) {
	events, err := p.events.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	var existing []byte
	publishedPath := filepath.Join(repoPath, filepath.FromSlash(p.cfg.Calendar.PublishedPath))
	if data, readErr := os.ReadFile(publishedPath); readErr == nil {
		existing = data
	} else if !os.IsNotExist(readErr) {
		return nil, nil, fmt.Errorf("read published calendar: %w", readErr)
	}

	cal, err := p.builder.LoadOrCreate(existing)
	if err != nil {
		return nil, nil, err
	}
	stats, err := p.builder.Merge(cal, events)
	if err != nil {
		return nil, nil, err
	}
	result.Added = stats.Added
	result.Updated = stats.Updated
	p.recorder.AddEventsMerged(stats.Added, stats.Updated)

	artifact = cal.Encode()
	if p.renderer != nil {
		digest, err = p.renderer.Render(cal, time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
	}
	return artifact, digest, nil
}

// applyArtifacts writes the generated files into the working copy.
func (p *Pipeline) applyArtifacts(repoPath string, artifact, digest []byte) error {
	publishedPath := filepath.Join(repoPath, filepath.FromSlash(p.cfg.Calendar.PublishedPath))
	if err := os.MkdirAll(filepath.Dir(publishedPath), 0o750); err != nil {
		return fmt.Errorf("create published directory: %w", err)
	}
	if err := os.WriteFile(publishedPath, artifact, 0o644); err != nil {
		return fmt.Errorf("write published calendar: %w", err)
	}
	if p.renderer != nil && digest != nil {
		digestPath := filepath.Join(repoPath, filepath.FromSlash(p.cfg.Calendar.DigestPath))
		if err := os.MkdirAll(filepath.Dir(digestPath), 0o750); err != nil {
			return fmt.Errorf("create digest directory: %w", err)
		}
		if err := os.WriteFile(digestPath, digest, 0o644); err != nil {
			return fmt.Errorf("write digest page: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) commitAndPush(ctx context.Context, source SourceClient, repoPath string, artifact, digest []byte) (gitpkg.PublishResult, error) {
	paths := []string{p.cfg.Calendar.PublishedPath}
	if p.renderer != nil {
		paths = append(paths, p.cfg.Calendar.DigestPath)
	}

	start := time.Now()
	publishResult, err := source.CommitAndPush(ctx, repoPath, paths, p.cfg.Committer.Message,
		func(path string) error {
			// Remote diverged: the working copy was re-synced, put the
			// generated files back before the retry commits.
			return p.applyArtifacts(path, artifact, digest)
		})
	d := time.Since(start)
	p.recorder.ObserveStageDuration(StageCommit, d)
	p.recorder.ObserveStageDuration(StagePush, d)
	if err != nil {
		p.recorder.IncStageResult(StagePush, metrics.ResultFatal)
		return publishResult, err
	}
	if publishResult.Committed {
		p.recorder.IncStageResult(StageCommit, metrics.ResultSuccess)
		p.recorder.IncStageResult(StagePush, metrics.ResultSuccess)
	} else {
		p.recorder.IncStageResult(StageCommit, metrics.ResultSkipped)
		p.recorder.IncStageResult(StagePush, metrics.ResultSkipped)
	}
	return publishResult, nil
}

// timed runs a stage closure with duration and result metrics.
func (p *Pipeline) timed(stage string, fn func() (string, error)) (string, error) {
	start := time.Now()
	out, err := fn()
	p.recorder.ObserveStageDuration(stage, time.Since(start))
	if err != nil {
		p.recorder.IncStageResult(stage, metrics.ResultFatal)
		return out, err
	}
	p.recorder.IncStageResult(stage, metrics.ResultSuccess)
	return out, nil
}

func (p *Pipeline) finish(log *slog.Logger, result Result, stage string, err error) Result {
	result.Finished = time.Now()
	result.Outcome = OutcomeFailed
	result.FailedStage = stage
	result.Err = err
	p.recorder.ObserveRunDuration(result.Finished.Sub(result.Started))
	p.recorder.IncRunOutcome(string(OutcomeFailed))
	log.Error("Publish run failed", logfields.Stage(stage), logfields.Error(err))
	return result
}
