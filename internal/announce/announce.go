// Package announce publishes run outcomes to NATS for downstream
// consumers (chat bridges, dashboards). It is optional; the daemon runs
// fine without a broker.
package announce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

// Publisher sends run-outcome messages to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// RunMessage is the JSON payload published per run.
type RunMessage struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	FailedAt   string    `json:"failed_at,omitempty"`
	CommitHash string    `json:"commit_hash,omitempty"`
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Finished   time.Time `json:"finished"`
	Error      string    `json:"error,omitempty"`
}

// NewPublisher connects to NATS using the announce configuration.
func NewPublisher(cfg *config.AnnounceConfig) (*Publisher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("announce is disabled")
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("concertcal"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// Publish sends one run outcome. Errors are returned for the caller to
// log; announcing must never fail a run.
func (p *Publisher) Publish(result pipeline.Result) error {
	msg := RunMessage{
		RunID:      result.RunID,
		Trigger:    string(result.Trigger),
		Outcome:    string(result.Outcome),
		FailedAt:   result.FailedStage,
		CommitHash: result.CommitHash,
		Added:      result.Added,
		Updated:    result.Updated,
		Finished:   result.Finished,
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal run message: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish run message: %w", err)
	}
	slog.Debug("announced run outcome", logfields.RunID(result.RunID), logfields.Outcome(string(result.Outcome)))
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}
