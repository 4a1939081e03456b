package schedule

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
)

// Trigger is one row of the live scheduler's durable trigger table.
// The table is independent of the jobs table so a restarted scheduler
// process picks up near-term fire times without recomputation; the
// reconciler keeps the two converged.
type Trigger struct {
	JobID      string          `json:"job_id"`
	CronExpr   string          `json:"cron_expr"`
	Timezone   string          `json:"timezone"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Paused     bool            `json:"paused"`
	NextFireAt time.Time       `json:"next_fire_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TriggerStore handles persistence of the scheduler's trigger table
type TriggerStore struct {
	db *sql.DB
}

// NewTriggerStore creates a new trigger store
func NewTriggerStore(db *sql.DB) *TriggerStore {
	return &TriggerStore{db: db}
}

const triggerColumns = `job_id, cron_expr, timezone, kind, payload, paused, next_fire_at, updated_at`

// Upsert inserts or replaces the trigger for a job id. Replacing clears the
// paused flag: a trigger is only upserted for enabled jobs.
func (s *TriggerStore) Upsert(trig *Trigger) error {
	query := `
		INSERT INTO scheduler_triggers (
			job_id, cron_expr, timezone, kind, payload, paused, next_fire_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			kind = excluded.kind,
			payload = excluded.payload,
			paused = 0,
			next_fire_at = excluded.next_fire_at,
			updated_at = excluded.updated_at
	`

	var payload interface{}
	if len(trig.Payload) > 0 {
		payload = string(trig.Payload)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(query,
		trig.JobID,
		trig.CronExpr,
		trig.Timezone,
		trig.Kind,
		payload,
		trig.NextFireAt.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to upsert trigger")
	}

	trig.Paused = false
	trig.UpdatedAt = now
	return nil
}

// Remove deletes the trigger for a job id. Returns false if no trigger
// existed, without error.
func (s *TriggerStore) Remove(jobID string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM scheduler_triggers WHERE job_id = ?`, jobID)
	if err != nil {
		return false, errors.Wrap(err, "failed to remove trigger")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

// SetPaused pauses or resumes a trigger. Returns false if no trigger exists.
func (s *TriggerStore) SetPaused(jobID string, paused bool) (bool, error) {
	query := `
		UPDATE scheduler_triggers
		SET paused = ?,
		    updated_at = ?
		WHERE job_id = ?
	`

	result, err := s.db.Exec(query, paused, time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return false, errors.Wrap(err, "failed to update trigger paused flag")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}

	return rows > 0, nil
}

// SetNextFire records a trigger's next fire time.
func (s *TriggerStore) SetNextFire(jobID string, next time.Time) error {
	query := `
		UPDATE scheduler_triggers
		SET next_fire_at = ?,
		    updated_at = ?
		WHERE job_id = ?
	`

	_, err := s.db.Exec(query,
		next.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		jobID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update trigger next fire time")
	}

	return nil
}

// Get retrieves a single trigger by job id.
func (s *TriggerStore) Get(jobID string) (*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM scheduler_triggers WHERE job_id = ?`

	trig, err := scanTrigger(s.db.QueryRow(query, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("trigger %s", jobID)
		}
		return nil, errors.Wrap(err, "failed to get trigger")
	}

	return trig, nil
}

// ListDue returns unpaused triggers whose fire time has arrived, oldest
// first, for deterministic execution order.
func (s *TriggerStore) ListDue(now time.Time) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM scheduler_triggers
		WHERE paused = 0 AND next_fire_at <= ?
		ORDER BY next_fire_at ASC`

	rows, err := s.db.Query(query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due triggers")
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger")
		}
		triggers = append(triggers, trig)
	}

	return triggers, rows.Err()
}

// JobIDs returns the job ids of every registered trigger, paused included.
func (s *TriggerStore) JobIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT job_id FROM scheduler_triggers ORDER BY job_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list trigger ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger id")
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var trig Trigger
	var payload sql.NullString
	var nextFireAt, updatedAt string

	err := row.Scan(
		&trig.JobID,
		&trig.CronExpr,
		&trig.Timezone,
		&trig.Kind,
		&payload,
		&trig.Paused,
		&nextFireAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		trig.Payload = []byte(payload.String)
	}

	trig.NextFireAt, err = time.Parse(time.RFC3339, nextFireAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_fire_at for trigger %s", trig.JobID)
	}
	trig.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for trigger %s", trig.JobID)
	}

	return &trig, nil
}
