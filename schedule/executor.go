package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
)

// executeTrigger is the execution wrapper: the single place where
// "scheduled" becomes "executed" and the only writer of run rows.
//
// It opens a run in running status, invokes the registered entrypoint with
// the stored execution payload, and closes the run with a terminal status.
// Entrypoint errors are fully contained here; they are observable only
// through run history and the scheduler's failure accounting.
func (s *Scheduler) executeTrigger(trig *Trigger, scheduledFor time.Time) {
	defer s.execWG.Done()
	defer s.clearInflight(trig.JobID)

	started := time.Now().UTC()
	run := &Run{
		ID:           uuid.NewString(),
		JobID:        trig.JobID,
		ScheduledFor: scheduledFor.UTC(),
		StartedAt:    started,
		Status:       RunStatusRunning,
	}

	runTracked := true
	if err := s.runs.CreateRun(run); err != nil {
		// Execute anyway: losing one history row is better than losing
		// the fire.
		s.logger.Errorw("Failed to create run record",
			"job_id", trig.JobID,
			"error", err)
		runTracked = false
	}

	result, execErr := s.invoke(trig, run.ID)
	durationMs := time.Since(started).Milliseconds()

	if execErr != nil {
		s.mu.Lock()
		s.fires++
		s.failures++
		s.mu.Unlock()

		s.logger.Errorw("Job execution failed",
			"job_id", trig.JobID,
			"run_id", run.ID,
			"kind", trig.Kind,
			"duration_ms", durationMs,
			"error", execErr)

		if runTracked {
			errText := execErr.Error()
			if err := s.runs.CloseRun(run.ID, RunStatusError, &errText, nil); err != nil {
				s.logger.Errorw("Failed to close run record",
					"run_id", run.ID,
					"error", err)
			}
		}
		return
	}

	s.mu.Lock()
	s.fires++
	s.mu.Unlock()

	s.logger.Infow("Job execution complete",
		"job_id", trig.JobID,
		"run_id", run.ID,
		"kind", trig.Kind,
		"scheduled_for", scheduledFor.Format(time.RFC3339),
		"duration_ms", durationMs,
	)

	if runTracked {
		if err := s.runs.CloseRun(run.ID, RunStatusSuccess, nil, result); err != nil {
			s.logger.Errorw("Failed to close run record",
				"run_id", run.ID,
				"error", err)
		}
	}
}

// invoke resolves the trigger's entrypoint and executes it. A panicking
// entrypoint is converted into an ordinary execution error so a bad job
// can never take the scheduling process down.
func (s *Scheduler) invoke(trig *Trigger, runID string) (result json.RawMessage, err error) {
	ep, err := s.registry.Resolve(trig.Kind)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Newf("entrypoint panic: %v", r)
		}
	}()

	// Shutdown drains in-flight executions instead of cancelling them, so
	// the execution context must outlive the tick loop's.
	return ep.Execute(context.WithoutCancel(s.ctx), ExecutionContext{
		DB:    s.db,
		JobID: trig.JobID,
		RunID: runID,
	}, trig.Payload)
}
