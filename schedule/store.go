package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/cadence/errors"
)

// Store handles persistence of job records. It is the source of truth the
// reconciler converges the live scheduler against.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, org_id, name, cron_expr, timezone, kind, payload,
       enabled, deleted_at, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO jobs (
			id, org_id, name, cron_expr, timezone, kind, payload,
			enabled, deleted_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	var payload interface{}
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}

	_, err := s.db.Exec(query,
		job.ID,
		job.OrgID,
		job.Name,
		job.CronExpr,
		job.Timezone,
		job.Kind,
		payload,
		job.Enabled,
		nil,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)

	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID. Soft-deleted jobs are treated as not found.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND deleted_at IS NULL`

	job, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// ListJobs returns all non-deleted jobs belonging to an organization,
// newest first. If enabledOnly is set, paused jobs are filtered out.
func (s *Store) ListJobs(orgID string, enabledOnly bool) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE org_id = ? AND deleted_at IS NULL`
	args := []interface{}{orgID}

	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListActiveJobs returns every enabled, non-deleted job across all
// organizations. Used by the reconciler to compute the desired trigger set.
func (s *Store) ListActiveJobs() ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE enabled = 1 AND deleted_at IS NULL
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// UpdateJob persists the mutable fields of a job.
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE jobs
		SET name = ?,
		    cron_expr = ?,
		    timezone = ?,
		    kind = ?,
		    payload = ?,
		    enabled = ?,
		    updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	var payload interface{}
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(query,
		job.Name,
		job.CronExpr,
		job.Timezone,
		job.Kind,
		payload,
		job.Enabled,
		now.Format(time.RFC3339),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", job.ID)
	}

	job.UpdatedAt = now
	return nil
}

// SetEnabled flips the enabled flag without touching any other field.
func (s *Store) SetEnabled(id string, enabled bool) error {
	query := `
		UPDATE jobs
		SET enabled = ?,
		    updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	result, err := s.db.Exec(query, enabled, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrap(err, "failed to update job enabled flag")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	return nil
}

// OwnerOrg returns a job's organization id from the raw row, soft-deleted
// or not, so ownership checks on run history keep working after deletion.
func (s *Store) OwnerOrg(id string) (string, error) {
	var orgID string
	err := s.db.QueryRow(`SELECT org_id FROM jobs WHERE id = ?`, id).Scan(&orgID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", errors.NewNotFoundError("job %s", id)
		}
		return "", errors.Wrap(err, "failed to get job owner")
	}
	return orgID, nil
}

// SoftDeleteJob marks a job deleted. The row is preserved so run history
// keeps a valid job reference; it simply disappears from every read path.
func (s *Store) SoftDeleteJob(id string) error {
	query := `
		UPDATE jobs
		SET deleted_at = ?,
		    enabled = 0,
		    updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(query, now, now, id)
	if err != nil {
		return errors.Wrap(err, "failed to soft-delete job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload, deletedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.OrgID,
		&job.Name,
		&job.CronExpr,
		&job.Timezone,
		&job.Kind,
		&payload,
		&job.Enabled,
		&deletedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}

	// Parse timestamps (return error if parsing fails - indicates data
	// corruption or schema mismatch)
	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339, deletedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse deleted_at for job %s", job.ID)
		}
		job.DeletedAt = &t
	}

	return &job, nil
}
