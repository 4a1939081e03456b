package schedule

import (
	"encoding/json"
	"time"
)

// Run represents a single execution attempt of a scheduled job.
//
// Each time a job fires, a Run record is created to track timing, terminal
// status, and the executor's result or error. Runs are append-only and
// status transitions are monotonic: running -> {success, error}, never back.
type Run struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	ScheduledFor time.Time       `json:"scheduled_for"` // The fire time that produced this run
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"` // Nil until terminal
	Status       string          `json:"status"`
	Error        *string         `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Run status constants
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)
