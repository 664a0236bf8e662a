package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/metrics"
)

// HTTPServer serves health, status, metrics, and the manual trigger.
type HTTPServer struct {
	daemon *Daemon
	server *http.Server
}

// NewHTTPServer creates the daemon's HTTP surface on addr.
func NewHTTPServer(addr string, d *Daemon) *HTTPServer {
	h := &HTTPServer{daemon: d}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler(d.Registry()))
	mux.HandleFunc("POST /trigger", h.handleTrigger)

	h.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

// Start begins serving in the background.
func (h *HTTPServer) Start(ctx context.Context) error {
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", logfields.Error(err))
		}
	}()
	slog.Info("HTTP server listening", logfields.URL(h.server.Addr))
	return nil
}

// Stop shuts the server down gracefully.
func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.daemon.StartTime()).Round(time.Second).String(),
	})
}

// statusResponse is the /status payload.
type statusResponse struct {
	Running     bool         `json:"running"`
	Uptime      string       `json:"uptime"`
	LastSuccess *runSummary  `json:"last_success,omitempty"`
	RecentRuns  []runSummary `json:"recent_runs"`
}

type runSummary struct {
	RunID       string    `json:"run_id"`
	Trigger     string    `json:"trigger"`
	Outcome     string    `json:"outcome"`
	FailedStage string    `json:"failed_stage,omitempty"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	Added       int       `json:"added"`
	Updated     int       `json:"updated"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Error       string    `json:"error,omitempty"`
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Running:    h.daemon.Running(),
		Uptime:     time.Since(h.daemon.StartTime()).Round(time.Second).String(),
		RecentRuns: []runSummary{},
	}

	runs, err := h.daemon.History().Recent(r.Context(), 20)
	if err != nil {
		slog.Error("Failed to load run history", logfields.Error(err))
		http.Error(w, "failed to load run history", http.StatusInternalServerError)
		return
	}
	for _, run := range runs {
		resp.RecentRuns = append(resp.RecentRuns, toSummary(run.RunID, run.Trigger, run.Outcome,
			run.FailedStage, run.CommitHash, run.Added, run.Updated, run.Started, run.Finished, run.Error))
	}

	if last, ok, err := h.daemon.History().LastSuccess(r.Context()); err == nil && ok {
		s := toSummary(last.RunID, last.Trigger, last.Outcome, last.FailedStage, last.CommitHash,
			last.Added, last.Updated, last.Started, last.Finished, last.Error)
		resp.LastSuccess = &s
	}

	writeJSON(w, http.StatusOK, resp)
}

func toSummary(runID, trigger, outcome, failedStage, commitHash string, added, updated int, started, finished time.Time, errText string) runSummary {
	return runSummary{
		RunID:       runID,
		Trigger:     trigger,
		Outcome:     outcome,
		FailedStage: failedStage,
		CommitHash:  commitHash,
		Added:       added,
		Updated:     updated,
		Started:     started,
		Finished:    finished,
		Error:       errText,
	}
}

func (h *HTTPServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.daemon.TryTriggerRun() {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":  "busy",
			"message": "a publish run is already in progress",
		})
		return
	}
	slog.Info("Manual run triggered", slog.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"message": "publish run started",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", logfields.Error(err))
	}
}
