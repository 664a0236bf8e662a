package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyTrigger    = "trigger"
	KeyStage      = "stage"
	KeyOutcome    = "outcome"
	KeyDurationMS = "duration_ms"
	KeyRepo       = "repository"
	KeyBranch     = "branch"
	KeyURL        = "url"
	KeyPath       = "path"
	KeyEventUID   = "event_uid"
	KeyCount      = "count"
	KeyAttempt    = "attempt"
	KeyCommit     = "commit"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Trigger(t string) slog.Attr      { return slog.String(KeyTrigger, t) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func EventUID(uid string) slog.Attr   { return slog.String(KeyEventUID, uid) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Commit(hash string) slog.Attr    { return slog.String(KeyCommit, hash) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
