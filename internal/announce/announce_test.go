package announce

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/concertcal/internal/config"
	"git.home.luguber.info/inful/concertcal/internal/pipeline"
)

func TestNewPublisherDisabled(t *testing.T) {
	_, err := NewPublisher(nil)
	assert.Error(t, err)

	_, err = NewPublisher(&config.AnnounceConfig{Enabled: false, URL: "nats://localhost:4222"})
	assert.Error(t, err)
}

func TestRunMessageShape(t *testing.T) {
	finished := time.Date(2025, 6, 1, 6, 35, 0, 0, time.UTC)
	result := pipeline.Result{
		RunID:       "run-1",
		Trigger:     pipeline.TriggerSchedule,
		Outcome:     pipeline.OutcomeFailed,
		FailedStage: pipeline.StagePush,
		Added:       2,
		Updated:     1,
		Finished:    finished,
		Err:         errors.New("push rejected"),
	}

	msg := RunMessage{
		RunID:      result.RunID,
		Trigger:    string(result.Trigger),
		Outcome:    string(result.Outcome),
		FailedAt:   result.FailedStage,
		CommitHash: result.CommitHash,
		Added:      result.Added,
		Updated:    result.Updated,
		Finished:   result.Finished,
		Error:      result.Err.Error(),
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "schedule", decoded["trigger"])
	assert.Equal(t, "failed", decoded["outcome"])
	assert.Equal(t, "push", decoded["failed_at"])
	assert.Equal(t, "push rejected", decoded["error"])
	// Omitted when empty.
	assert.NotContains(t, decoded, "commit_hash")
}
