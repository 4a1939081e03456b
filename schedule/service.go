package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
)

// DefaultMinInterval is the system-wide minimum inter-execution interval
// enforced on job schedules.
const DefaultMinInterval = 5 * time.Minute

// defaultRunListLimit bounds ListRuns when the caller does not.
const defaultRunListLimit = 50

// Service is the public operation surface over jobs and runs. Every
// operation is organization-scoped and returns plain data projections;
// no scheduler handles escape.
type Service struct {
	jobs        *Store
	runs        *RunStore
	registry    *Registry
	sched       TriggerScheduler
	minInterval time.Duration
	logger      *zap.SugaredLogger
}

// NewService creates the job lifecycle service.
func NewService(db *sql.DB, registry *Registry, sched TriggerScheduler, minInterval time.Duration, log *zap.SugaredLogger) *Service {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Service{
		jobs:        NewStore(db),
		runs:        NewRunStore(db),
		registry:    registry,
		sched:       sched,
		minInterval: minInterval,
		logger:      log,
	}
}

// CreateParams are the caller-supplied fields for a new job. Payload is
// the raw user payload; the registered entrypoint transforms it into the
// execution payload that gets stored.
type CreateParams struct {
	OrgID    string
	Name     string
	CronExpr string
	Timezone string
	Kind     string
	Payload  json.RawMessage
}

// Create validates the schedule and payload, persists a new enabled job,
// and registers it with the live scheduler.
//
// If scheduler registration fails the job stays persisted but is forced
// disabled, and the error is surfaced as a scheduler error; the reconciler
// (or a manual resume) can repair it later.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Job, error) {
	if err := s.validateSchedule(p.CronExpr, p.Timezone); err != nil {
		return nil, err
	}

	ep, err := s.registry.Resolve(p.Kind)
	if err != nil {
		return nil, err
	}
	execPayload, err := ep.ValidatePayload(ctx, ValidationContext{OrgID: p.OrgID}, p.Payload)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:       uuid.NewString(),
		OrgID:    p.OrgID,
		Name:     p.Name,
		CronExpr: p.CronExpr,
		Timezone: p.Timezone,
		Kind:     p.Kind,
		Payload:  execPayload,
		Enabled:  true,
	}
	if err := s.jobs.CreateJob(job); err != nil {
		return nil, err
	}

	if err := s.sched.AddOrReplace(job.ID, job.CronExpr, job.Timezone, job.Kind, job.Payload); err != nil {
		// The write is not rolled back: the job exists, disabled, for
		// later repair.
		if disableErr := s.jobs.SetEnabled(job.ID, false); disableErr != nil {
			s.logger.Errorw("Failed to disable job after scheduler error",
				"job_id", job.ID,
				"error", disableErr)
		}
		s.logger.Errorw("Scheduler registration failed, job persisted disabled",
			"job_id", job.ID,
			"org_id", job.OrgID,
			"error", err)
		return nil, errors.Wrapf(errors.ErrSchedulerUnavailable,
			"job %s persisted but disabled: %v", job.ID, err)
	}

	s.logger.Infow("Job created",
		"job_id", job.ID,
		"org_id", job.OrgID,
		"name", job.Name,
		"cron", job.CronExpr,
		"kind", job.Kind,
	)
	return job, nil
}

// UpdateParams are the optional fields of an update. Nil pointers leave
// the field untouched; a non-nil Payload re-runs the registration
// validator against the job's (possibly updated) kind.
type UpdateParams struct {
	Name     *string
	CronExpr *string
	Timezone *string
	Kind     *string
	Payload  json.RawMessage
	Enabled  *bool
}

// Update applies a partial update to an owned job, re-validating any
// changed schedule fields and re-running the registration transform when
// the kind or payload changes. Schedule-affecting changes replace the live
// trigger atomically; an enabled-only change maps to pause/resume.
func (s *Service) Update(ctx context.Context, jobID, orgID string, p UpdateParams) (*Job, error) {
	job, err := s.getOwned(jobID, orgID)
	if err != nil {
		return nil, err
	}

	cronExpr := job.CronExpr
	if p.CronExpr != nil {
		cronExpr = *p.CronExpr
	}
	timezone := job.Timezone
	if p.Timezone != nil {
		timezone = *p.Timezone
	}
	if p.CronExpr != nil || p.Timezone != nil {
		if err := s.validateSchedule(cronExpr, timezone); err != nil {
			return nil, err
		}
	}

	kind := job.Kind
	if p.Kind != nil {
		kind = *p.Kind
	}
	payload := job.Payload
	if p.Kind != nil || p.Payload != nil {
		ep, err := s.registry.Resolve(kind)
		if err != nil {
			return nil, err
		}
		raw := p.Payload
		if raw == nil {
			raw = job.Payload
		}
		payload, err = ep.ValidatePayload(ctx, ValidationContext{
			OrgID: orgID,
			Prior: job.Payload,
		}, raw)
		if err != nil {
			return nil, err
		}
	}

	scheduleChanged := cronExpr != job.CronExpr ||
		timezone != job.Timezone ||
		kind != job.Kind ||
		p.Kind != nil || p.Payload != nil

	job.CronExpr = cronExpr
	job.Timezone = timezone
	job.Kind = kind
	job.Payload = payload
	if p.Name != nil {
		job.Name = *p.Name
	}
	enabledChanged := p.Enabled != nil && *p.Enabled != job.Enabled
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}

	if err := s.jobs.UpdateJob(job); err != nil {
		return nil, err
	}

	switch {
	case scheduleChanged && job.Enabled:
		// AddOrReplace swaps the trigger in one upsert, so the old and new
		// schedules are never live at the same time.
		if err := s.sched.AddOrReplace(job.ID, job.CronExpr, job.Timezone, job.Kind, job.Payload); err != nil {
			s.logger.Errorw("Scheduler re-registration failed",
				"job_id", job.ID,
				"error", err)
			return nil, errors.Wrapf(errors.ErrSchedulerUnavailable,
				"job %s updated but trigger not replaced: %v", job.ID, err)
		}
	case scheduleChanged && !job.Enabled:
		s.sched.Remove(job.ID)
	case enabledChanged && job.Enabled:
		s.resumeTrigger(job)
	case enabledChanged && !job.Enabled:
		s.sched.Pause(job.ID)
	}

	s.logger.Infow("Job updated", "job_id", job.ID, "org_id", orgID)
	return job, nil
}

// Delete deregisters a job from the live scheduler and soft-deletes it.
// Run history is preserved. A deregistration failure does not block the
// soft-delete: the job must not remain schedulable, and the reconciler
// restores consistency on its next cycle.
func (s *Service) Delete(ctx context.Context, jobID, orgID string) error {
	job, err := s.getOwned(jobID, orgID)
	if err != nil {
		return err
	}

	if !s.sched.Remove(job.ID) {
		s.logger.Warnw("No live trigger removed during delete",
			"job_id", job.ID)
	}

	if err := s.jobs.SoftDeleteJob(job.ID); err != nil {
		return err
	}

	s.logger.Infow("Job deleted", "job_id", job.ID, "org_id", orgID)
	return nil
}

// Pause disables a job and pauses its live trigger.
func (s *Service) Pause(ctx context.Context, jobID, orgID string) error {
	job, err := s.getOwned(jobID, orgID)
	if err != nil {
		return err
	}

	if err := s.jobs.SetEnabled(job.ID, false); err != nil {
		return err
	}
	s.sched.Pause(job.ID)

	s.logger.Infow("Job paused", "job_id", job.ID, "org_id", orgID)
	return nil
}

// Resume re-enables a paused job. The prior cron expression and timezone
// are restored exactly as validated at creation or last update; no
// re-validation happens here.
func (s *Service) Resume(ctx context.Context, jobID, orgID string) error {
	job, err := s.getOwned(jobID, orgID)
	if err != nil {
		return err
	}

	if err := s.jobs.SetEnabled(job.ID, true); err != nil {
		return err
	}
	job.Enabled = true
	s.resumeTrigger(job)

	s.logger.Infow("Job resumed", "job_id", job.ID, "org_id", orgID)
	return nil
}

// List returns the organization's non-deleted jobs.
func (s *Service) List(ctx context.Context, orgID string, enabledOnly bool) ([]*Job, error) {
	return s.jobs.ListJobs(orgID, enabledOnly)
}

// JobDetail is the detail projection: the job plus, optionally, its most
// recent runs.
type JobDetail struct {
	Job  *Job   `json:"job"`
	Runs []*Run `json:"runs,omitempty"`
}

// GetDetail returns one owned job, optionally with recent run history.
func (s *Service) GetDetail(ctx context.Context, jobID, orgID string, includeRuns bool) (*JobDetail, error) {
	job, err := s.getOwned(jobID, orgID)
	if err != nil {
		return nil, err
	}

	detail := &JobDetail{Job: job}
	if includeRuns {
		runs, err := s.runs.ListRuns(job.ID, defaultRunListLimit)
		if err != nil {
			return nil, err
		}
		detail.Runs = runs
	}
	return detail, nil
}

// ListRuns returns the most recent runs of an owned job, newest first.
// Run history survives job soft-deletion, but listing requires the job row
// to still exist for the ownership check; soft-deleted jobs keep their row.
func (s *Service) ListRuns(ctx context.Context, jobID, orgID string, limit int) ([]*Run, error) {
	if err := s.checkOwnership(jobID, orgID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	return s.runs.ListRuns(jobID, limit)
}

// validateSchedule runs all three schedule checks.
func (s *Service) validateSchedule(cronExpr, timezone string) error {
	if err := ValidateCronExpression(cronExpr); err != nil {
		return err
	}
	if err := ValidateTimezone(timezone); err != nil {
		return err
	}
	return ValidateMinimumFrequency(cronExpr, s.minInterval)
}

// getOwned fetches a job and asserts organization ownership. Cross-org
// access is logged as a security-relevant event.
func (s *Service) getOwned(jobID, orgID string) (*Job, error) {
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != orgID {
		s.logger.Warnw("Cross-organization access denied",
			"job_id", jobID,
			"caller_org_id", orgID,
			"owner_org_id", job.OrgID)
		return nil, errors.Wrapf(errors.ErrAccessDenied, "job %s", jobID)
	}
	return job, nil
}

// checkOwnership is getOwned for callers that ignore soft-delete state:
// it looks at the raw row so run history stays reachable after deletion.
func (s *Service) checkOwnership(jobID, orgID string) error {
	ownerOrg, err := s.jobs.OwnerOrg(jobID)
	if err != nil {
		return err
	}
	if ownerOrg != orgID {
		s.logger.Warnw("Cross-organization access denied",
			"job_id", jobID,
			"caller_org_id", orgID,
			"owner_org_id", ownerOrg)
		return errors.Wrapf(errors.ErrAccessDenied, "job %s", jobID)
	}
	return nil
}

// resumeTrigger resumes a job's live trigger, re-registering it from the
// job row when the scheduler has no trigger to resume.
func (s *Service) resumeTrigger(job *Job) {
	if s.sched.Resume(job.ID) {
		return
	}
	if err := s.sched.AddOrReplace(job.ID, job.CronExpr, job.Timezone, job.Kind, job.Payload); err != nil {
		s.logger.Errorw("Failed to re-register trigger on resume",
			"job_id", job.ID,
			"error", err)
	}
}
