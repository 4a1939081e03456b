package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// InternalPruneJobID is the trigger id of the scheduler's own run-history
// housekeeping job. It never corresponds to a row in the jobs table; the
// reconciler excludes it when diffing trigger sets.
const InternalPruneJobID = "system.prune-runs"

// internalPruneCron fires the housekeeping sweep nightly, off-peak.
const internalPruneCron = "0 3 * * *"

// TriggerScheduler is the mutation surface the lifecycle service and the
// reconciler need from the live scheduler.
type TriggerScheduler interface {
	AddOrReplace(jobID, cronExpr, timezone, kind string, payload json.RawMessage) error
	Remove(jobID string) bool
	Pause(jobID string) bool
	Resume(jobID string) bool
	JobIDs() []string
}

// SchedulerConfig contains configuration for the live scheduler
type SchedulerConfig struct {
	TickInterval     time.Duration // How often to check for due triggers (default: 1 second)
	MisfireGrace     time.Duration // Fire times older than this are dropped, not fired (default: 5 minutes)
	RunRetentionDays int           // Run history retention; 0 disables the internal prune trigger
}

// DefaultSchedulerConfig returns sensible defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:     1 * time.Second,
		MisfireGrace:     5 * time.Minute,
		RunRetentionDays: DefaultRunRetentionDays,
	}
}

// Scheduler fires registered triggers at the correct wall-clock instant in
// each trigger's timezone. It owns a durable trigger table (restart
// survival), enforces at most one concurrent execution per job id, and
// drops fire times that arrive past the misfire grace window, coalescing
// multiple missed fires into a single future one.
//
// A Scheduler is constructed once at process start and passed by reference
// to the components that need it; Start and Stop are explicit and tolerate
// being called twice.
type Scheduler struct {
	db       *sql.DB
	triggers *TriggerStore
	runs     *RunStore
	registry *Registry
	cfg      SchedulerConfig
	logger   *zap.SugaredLogger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // tick loop
	execWG sync.WaitGroup // in-flight executions

	mu       sync.Mutex
	started  bool
	inflight map[string]struct{}
	fires    int64
	failures int64
	lastTick time.Time
	ticks    int64

	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule // cron expr -> parsed schedule
}

// NewScheduler creates a live scheduler over the given database.
func NewScheduler(db *sql.DB, registry *Registry, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), db, registry, cfg, log)
}

// NewSchedulerWithContext creates a scheduler with a parent context.
func NewSchedulerWithContext(ctx context.Context, db *sql.DB, registry *Registry, cfg SchedulerConfig, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		db:       db,
		triggers: NewTriggerStore(db),
		runs:     NewRunStore(db),
		registry: registry,
		cfg:      cfg,
		logger:   log,
		parent:   ctx,
		inflight: make(map[string]struct{}),
		parsed:   make(map[string]cronlib.Schedule),
	}
}

// Start begins the tick loop. Safe to call on a started scheduler.
//
// Startup also closes any run left in running status by a previous process
// crash (this process is the only writer of runs, so a running run at
// startup can only be abandoned) and registers the internal prune trigger
// when run retention is configured.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(s.parent)
	s.mu.Unlock()

	if marked, err := s.runs.MarkAbandonedRuns(0); err != nil {
		s.logger.Warnw("Failed to close abandoned runs", "error", err)
	} else if marked > 0 {
		s.logger.Warnw("Closed runs abandoned by previous process", "count", marked)
	}

	if s.cfg.RunRetentionDays > 0 {
		payload, _ := json.Marshal(pruneRunsPayload{RetentionDays: s.cfg.RunRetentionDays})
		if err := s.AddOrReplace(InternalPruneJobID, internalPruneCron, "UTC", KindPruneRuns, payload); err != nil {
			s.logger.Warnw("Failed to register run-history prune trigger", "error", err)
		}
	}

	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"misfire_grace", s.cfg.MisfireGrace,
	)
	return nil
}

// Stop gracefully stops the scheduler: no new fires are started, and Stop
// returns only once every in-flight execution has finished. In-flight
// executions are never forcibly cancelled. Safe to call on a stopped
// scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.execWG.Wait()
	s.logger.Infow("Scheduler stopped")
}

// AddOrReplace registers a trigger for a job id, replacing any existing
// one. Replacing a non-existent job id behaves like adding. The next fire
// time is computed from now in the trigger's timezone.
func (s *Scheduler) AddOrReplace(jobID, cronExpr, timezone, kind string, payload json.RawMessage) error {
	sched, err := s.parseExpr(cronExpr)
	if err != nil {
		return errors.Wrapf(err, "cannot schedule job %s", jobID)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return errors.Wrapf(err, "cannot schedule job %s", jobID)
	}

	trig := &Trigger{
		JobID:      jobID,
		CronExpr:   cronExpr,
		Timezone:   timezone,
		Kind:       kind,
		Payload:    payload,
		NextFireAt: sched.Next(time.Now().In(loc)),
	}
	if err := s.triggers.Upsert(trig); err != nil {
		return err
	}

	s.logger.Debugw("Trigger registered",
		"job_id", jobID,
		"cron", cronExpr,
		"timezone", timezone,
		"next_fire_at", trig.NextFireAt.Format(time.RFC3339),
	)
	return nil
}

// Remove deletes a trigger. Removing a non-existent job id returns false
// without error.
func (s *Scheduler) Remove(jobID string) bool {
	removed, err := s.triggers.Remove(jobID)
	if err != nil {
		s.logger.Errorw("Failed to remove trigger", "job_id", jobID, "error", err)
		return false
	}
	return removed
}

// Pause stops a trigger from firing without forgetting its schedule.
func (s *Scheduler) Pause(jobID string) bool {
	paused, err := s.triggers.SetPaused(jobID, true)
	if err != nil {
		s.logger.Errorw("Failed to pause trigger", "job_id", jobID, "error", err)
		return false
	}
	return paused
}

// Resume reactivates a paused trigger with its original cron expression and
// timezone. The next fire time is recomputed from now so the pause gap is
// not treated as a backlog of misfires.
func (s *Scheduler) Resume(jobID string) bool {
	trig, err := s.triggers.Get(jobID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			s.logger.Errorw("Failed to resume trigger", "job_id", jobID, "error", err)
		}
		return false
	}

	sched, loc, err := s.schedule(trig)
	if err != nil {
		s.logger.Errorw("Failed to resume trigger", "job_id", jobID, "error", err)
		return false
	}
	if err := s.triggers.SetNextFire(jobID, sched.Next(time.Now().In(loc))); err != nil {
		s.logger.Errorw("Failed to resume trigger", "job_id", jobID, "error", err)
		return false
	}

	resumed, err := s.triggers.SetPaused(jobID, false)
	if err != nil {
		s.logger.Errorw("Failed to resume trigger", "job_id", jobID, "error", err)
		return false
	}
	return resumed
}

// JobIDs returns the id of every registered trigger, paused included.
func (s *Scheduler) JobIDs() []string {
	ids, err := s.triggers.JobIDs()
	if err != nil {
		s.logger.Errorw("Failed to list trigger ids", "error", err)
		return nil
	}
	return ids
}

// run is the main tick loop
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTick = tickTime
			s.ticks++
			s.mu.Unlock()

			if err := s.tick(tickTime); err != nil {
				// Don't spam logs - shutdown races surface here too
				if !errors.Is(err, context.Canceled) && !db.IsDatabaseClosed(err) {
					s.logger.Warnw("Scheduler tick error", "error", err)
				}
			}
		}
	}
}

// tick fires every due trigger exactly once, applying the misfire grace
// window and the single-instance policy.
func (s *Scheduler) tick(now time.Time) error {
	due, err := s.triggers.ListDue(now)
	if err != nil {
		return errors.Wrap(err, "failed to list due triggers")
	}

	for _, trig := range due {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		sched, loc, err := s.schedule(trig)
		if err != nil {
			// A trigger row that no longer parses cannot make progress;
			// the reconciler replaces it on its next cycle.
			s.logger.Errorw("Unschedulable trigger",
				"job_id", trig.JobID,
				"cron", trig.CronExpr,
				"error", err)
			continue
		}
		next := sched.Next(now.In(loc))

		// Misfire: the fire time is too stale to honor. Advancing from now
		// also coalesces any other missed fires into the single next one.
		if now.Sub(trig.NextFireAt) > s.cfg.MisfireGrace {
			if err := s.triggers.SetNextFire(trig.JobID, next); err != nil {
				return err
			}
			s.logger.Warnw("Dropped misfired trigger",
				"job_id", trig.JobID,
				"scheduled_for", trig.NextFireAt.Format(time.RFC3339),
				"late_by", now.Sub(trig.NextFireAt).Round(time.Second),
				"next_fire_at", next.Format(time.RFC3339),
			)
			continue
		}

		// Single-instance policy: a fire arriving while the previous
		// execution is still running is skipped, not queued.
		if !s.markInflight(trig.JobID) {
			if err := s.triggers.SetNextFire(trig.JobID, next); err != nil {
				return err
			}
			s.logger.Debugw("Skipped fire, previous execution still running",
				"job_id", trig.JobID,
				"scheduled_for", trig.NextFireAt.Format(time.RFC3339),
			)
			continue
		}

		if err := s.triggers.SetNextFire(trig.JobID, next); err != nil {
			s.clearInflight(trig.JobID)
			return err
		}

		s.execWG.Add(1)
		go s.executeTrigger(trig, trig.NextFireAt)
	}

	return nil
}

// schedule resolves a trigger's parsed cron schedule and location.
func (s *Scheduler) schedule(trig *Trigger) (cronlib.Schedule, *time.Location, error) {
	sched, err := s.parseExpr(trig.CronExpr)
	if err != nil {
		return nil, nil, err
	}
	loc, err := time.LoadLocation(trig.Timezone)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "bad timezone %q", trig.Timezone)
	}
	return sched, loc, nil
}

// parseExpr parses a cron expression through the schedule cache.
func (s *Scheduler) parseExpr(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad cron expression %q", expr)
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}

// markInflight records a job as executing. Returns false if the job already
// has an execution in flight.
func (s *Scheduler) markInflight(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inflight[jobID]; running {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTick,
		"ticks_since_start": s.ticks,
		"tick_interval":     s.cfg.TickInterval,
		"fires":             s.fires,
		"failures":          s.failures,
		"in_flight":         len(s.inflight),
	}
}

var _ TriggerScheduler = (*Scheduler)(nil)

// String implements fmt.Stringer for log readability.
func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler(tick=%s, grace=%s)", s.cfg.TickInterval, s.cfg.MisfireGrace)
}
