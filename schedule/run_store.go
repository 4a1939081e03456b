package schedule

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
)

// RunStore handles persistence of job execution history
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, job_id, scheduled_for, started_at, finished_at,
       status, error, result, created_at, updated_at`

// CreateRun inserts a new run record in running status.
func (s *RunStore) CreateRun(run *Run) error {
	query := `
		INSERT INTO runs (
			id, job_id, scheduled_for, started_at, finished_at,
			status, error, result, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	var result interface{}
	if len(run.Result) > 0 {
		result = string(run.Result)
	}

	_, err := s.db.Exec(query,
		run.ID,
		run.JobID,
		run.ScheduledFor.Format(time.RFC3339),
		run.StartedAt.Format(time.RFC3339),
		nil,
		run.Status,
		nil,
		result,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)

	if err != nil {
		return errors.Wrap(err, "failed to create run")
	}

	return nil
}

// CloseRun records a run's terminal status. The transition is monotonic:
// only runs still in running status are updated.
func (s *RunStore) CloseRun(id string, status string, errText *string, result json.RawMessage) error {
	query := `
		UPDATE runs
		SET status = ?,
		    finished_at = ?,
		    error = ?,
		    result = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`

	var errVal, resultVal interface{}
	if errText != nil {
		errVal = *errText
	}
	if len(result) > 0 {
		resultVal = string(result)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(query, status, now, errVal, resultVal, now, id, RunStatusRunning)
	if err != nil {
		return errors.Wrap(err, "failed to close run")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("run not found or already closed: %s", id)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *RunStore) GetRun(id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("run %s", id)
		}
		return nil, errors.Wrap(err, "failed to get run")
	}

	return run, nil
}

// ListRuns retrieves the most recent runs for a job, newest first.
func (s *RunStore) ListRuns(jobID string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// CountRunning returns the number of runs currently in running status for
// a job. Used by tests to assert single-instance execution.
func (s *RunStore) CountRunning(jobID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE job_id = ? AND status = ?`,
		jobID, RunStatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count running runs")
	}
	return count, nil
}

// MarkAbandonedRuns closes runs left in running status longer than the given
// age, recording them as errored. A run can only be abandoned by a process
// crash mid-execution: the execution wrapper otherwise always closes the run
// it opened. Called once at scheduler startup.
// Returns the number of runs marked.
func (s *RunStore) MarkAbandonedRuns(olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		UPDATE runs
		SET status = ?,
		    error = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE status = ? AND started_at < ?
	`

	result, err := s.db.Exec(query,
		RunStatusError,
		"abandoned: process exited mid-execution",
		now,
		now,
		RunStatusRunning,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark abandoned runs")
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(marked), nil
}

// CleanupOldRuns deletes run records older than the specified retention
// period. Returns the number of runs deleted.
//
// This implements TTL cleanup to prevent unbounded growth of the runs table.
func (s *RunStore) CleanupOldRuns(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	result, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(deleted), nil
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var scheduledFor, startedAt, createdAt, updatedAt string
	var finishedAt, errText, result sql.NullString

	err := row.Scan(
		&run.ID,
		&run.JobID,
		&scheduledFor,
		&startedAt,
		&finishedAt,
		&run.Status,
		&errText,
		&result,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ScheduledFor, err = time.Parse(time.RFC3339, scheduledFor)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_for for run %s", run.ID)
	}
	run.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for run %s", run.ID)
	}
	run.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for run %s", run.ID)
	}
	run.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for run %s", run.ID)
	}

	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse finished_at for run %s", run.ID)
		}
		run.FinishedAt = &t
	}
	if errText.Valid {
		run.Error = &errText.String
	}
	if result.Valid {
		run.Result = []byte(result.String)
	}

	return &run, nil
}
