package schedule

import (
	"context"
	"encoding/json"
	"fmt"
)

// KindPruneRuns is the kind identifier of PruneRunsEntrypoint.
const KindPruneRuns = "maintenance.prune-runs"

// DefaultRunRetentionDays is the retention applied when a prune payload
// does not specify one.
const DefaultRunRetentionDays = 90

// pruneRunsPayload is the execution payload for the prune entrypoint.
type pruneRunsPayload struct {
	RetentionDays int `json:"retention_days"`
}

// pruneRunsResult is the run result document recorded after a sweep.
type pruneRunsResult struct {
	Deleted       int `json:"deleted"`
	RetentionDays int `json:"retention_days"`
}

// PruneRunsEntrypoint deletes run history older than a retention period.
// The scheduler registers it against an internal housekeeping trigger so
// the runs table cannot grow without bound.
type PruneRunsEntrypoint struct{}

func (PruneRunsEntrypoint) Kind() string { return KindPruneRuns }

func (PruneRunsEntrypoint) ValidatePayload(_ context.Context, _ ValidationContext, raw json.RawMessage) (json.RawMessage, error) {
	p := pruneRunsPayload{RetentionDays: DefaultRunRetentionDays}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &ValidationError{
				Field:  "payload",
				Value:  string(raw),
				Reason: "payload must be a JSON object with optional retention_days",
			}
		}
	}
	if p.RetentionDays < 1 {
		return nil, &ValidationError{
			Field:  "payload",
			Value:  fmt.Sprintf("%d", p.RetentionDays),
			Reason: "retention_days must be at least 1",
		}
	}
	return json.Marshal(p)
}

func (PruneRunsEntrypoint) Execute(_ context.Context, ec ExecutionContext, payload json.RawMessage) (json.RawMessage, error) {
	var p pruneRunsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	deleted, err := NewRunStore(ec.DB).CleanupOldRuns(p.RetentionDays)
	if err != nil {
		return nil, err
	}

	return json.Marshal(pruneRunsResult{
		Deleted:       deleted,
		RetentionDays: p.RetentionDays,
	})
}
