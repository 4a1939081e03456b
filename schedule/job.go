// Package schedule provides durable cron job scheduling with reconciliation.
//
// The package is built from four cooperating pieces:
//
//   - Store / RunStore / TriggerStore: persistence over SQLite
//   - Registry: maps a job kind to its validating/executing entrypoint
//   - Scheduler: the live trigger loop (misfire handling, one run per job)
//   - Reconciler: converges the live trigger set with the jobs table
//
// The Service type composes them into the public operation surface.
package schedule

import (
	"encoding/json"
	"time"
)

// Job is a durable, organization-scoped record describing what to run,
// on what schedule, and with what payload.
//
// Payload holds the execution payload: the result of the entrypoint's
// registration-time transform, not the caller's raw input. Replaying it
// is always semantically equivalent.
type Job struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"org_id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	Timezone  string          `json:"timezone"` // IANA zone name
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Enabled   bool            `json:"enabled"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"` // Soft delete; runs outlive the job
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
