// Package history persists one row per pipeline run for the daemon's
// status endpoint and post-mortem digging.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

// Store records pipeline runs in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Run is one persisted pipeline run.
type Run struct {
	RunID       string
	Trigger     string
	Outcome     string
	FailedStage string
	CommitHash  string
	Added       int
	Updated     int
	Started     time.Time
	Finished    time.Time
	Error       string
}

// NewStore opens (and initializes) the run history database.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		trigger_source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		failed_stage TEXT NOT NULL DEFAULT '',
		commit_hash TEXT NOT NULL DEFAULT '',
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a finished pipeline run.
func (s *Store) Record(ctx context.Context, result pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, trigger_source, outcome, failed_stage, commit_hash, added, updated, started, finished, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, string(result.Trigger), string(result.Outcome), result.FailedStage,
		result.CommitHash, result.Added, result.Updated,
		result.Started.Unix(), result.Finished.Unix(), errText)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns the most recent runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, trigger_source, outcome, failed_stage, commit_hash, added, updated, started, finished, error
		 FROM runs ORDER BY started DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.RunID, &r.Trigger, &r.Outcome, &r.FailedStage, &r.CommitHash,
			&r.Added, &r.Updated, &started, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started = time.Unix(started, 0)
		r.Finished = time.Unix(finished, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastSuccess returns the most recent run that pushed a commit, or ok=false.
func (s *Store) LastSuccess(ctx context.Context) (Run, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, trigger_source, outcome, failed_stage, commit_hash, added, updated, started, finished, error
		 FROM runs WHERE outcome = ? ORDER BY started DESC, id DESC LIMIT 1`, string(pipeline.OutcomeSuccess))

	var r Run
	var started, finished int64
	err := row.Scan(&r.RunID, &r.Trigger, &r.Outcome, &r.FailedStage, &r.CommitHash,
		&r.Added, &r.Updated, &started, &finished, &r.Error)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("query last success: %w", err)
	}
	r.Started = time.Unix(started, 0)
	r.Finished = time.Unix(finished, 0)
	return r, true, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
