package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
)

// Reconciler converges the live scheduler's trigger set with the jobs
// table. It runs an initial cycle at startup and then a fixed-interval
// loop; lifecycle operations keep the two in sync on the happy path, the
// reconciler repairs everything else (crashed registrations, CLI writes,
// manual database edits).
//
// A cycle removes triggers whose job is gone or disabled, then upserts a
// trigger for every active job unconditionally. No per-field diffing is
// attempted: AddOrReplace is idempotent, and the redundant work buys
// correctness simplicity.
type Reconciler struct {
	jobs     *Store
	sched    TriggerScheduler
	interval time.Duration
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// cycleMu is the single-slot lock: a cycle still running when the next
	// timer fires causes the new cycle to be skipped, not queued.
	cycleMu sync.Mutex

	mu      sync.Mutex
	started bool
	cycles  int64
	skipped int64
}

// DefaultReconcileInterval is how often drift is repaired.
const DefaultReconcileInterval = 30 * time.Second

// NewReconciler creates a reconciler over the given job store and scheduler.
func NewReconciler(jobs *Store, sched TriggerScheduler, interval time.Duration, log *zap.SugaredLogger) *Reconciler {
	return NewReconcilerWithContext(context.Background(), jobs, sched, interval, log)
}

// NewReconcilerWithContext creates a reconciler with a parent context.
func NewReconcilerWithContext(ctx context.Context, jobs *Store, sched TriggerScheduler, interval time.Duration, log *zap.SugaredLogger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	rctx, cancel := context.WithCancel(ctx)
	return &Reconciler{
		jobs:     jobs,
		sched:    sched,
		interval: interval,
		logger:   log,
		ctx:      rctx,
		cancel:   cancel,
	}
}

// Start runs an initial reconciliation cycle, then begins the periodic
// loop. Safe to call on a started reconciler.
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
	r.logger.Infow("Reconciler started", "interval", r.interval)
}

// Stop stops the periodic loop and waits for an in-progress cycle.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.logger.Infow("Reconciler stopped")
}

// run drives the initial cycle and the periodic loop on its own goroutine,
// so reconciliation I/O never blocks the scheduler's tick loop.
func (r *Reconciler) run() {
	defer r.wg.Done()

	if err := r.Reconcile(); err != nil {
		r.logger.Warnw("Initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warnw("Reconciliation failed", "error", err)
			}
		}
	}
}

// Reconcile performs one convergence cycle. Overlapping invocations are
// skipped: only one cycle runs at a time.
func (r *Reconciler) Reconcile() error {
	if !r.cycleMu.TryLock() {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		r.logger.Debugw("Skipping reconciliation cycle, previous still running")
		return nil
	}
	defer r.cycleMu.Unlock()

	started := time.Now()

	active, err := r.jobs.ListActiveJobs()
	if err != nil {
		return errors.Wrap(err, "failed to list active jobs")
	}

	activeIDs := make(map[string]struct{}, len(active))
	for _, job := range active {
		activeIDs[job.ID] = struct{}{}
	}

	// Remove triggers with no backing active job. The scheduler's internal
	// housekeeping trigger is not ours to manage.
	var removed int
	for _, id := range r.sched.JobIDs() {
		if id == InternalPruneJobID {
			continue
		}
		if _, ok := activeIDs[id]; !ok {
			if r.sched.Remove(id) {
				removed++
				r.logger.Infow("Removed stale trigger", "job_id", id)
			}
		}
	}

	// Upsert every active job. Idempotent, so no field diffing.
	var failed int
	for _, job := range active {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		if err := r.sched.AddOrReplace(job.ID, job.CronExpr, job.Timezone, job.Kind, job.Payload); err != nil {
			failed++
			r.logger.Errorw("Failed to register trigger during reconciliation",
				"job_id", job.ID,
				"error", err)
		}
	}

	r.mu.Lock()
	r.cycles++
	cycles := r.cycles
	r.mu.Unlock()

	r.logger.Debugw("Reconciliation cycle complete",
		"cycle", cycles,
		"active_jobs", len(active),
		"removed", removed,
		"failed", failed,
		"duration", time.Since(started).Round(time.Millisecond),
	)

	return nil
}

// GetStats returns reconciler statistics
func (r *Reconciler) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return map[string]interface{}{
		"cycles":   r.cycles,
		"skipped":  r.skipped,
		"interval": r.interval,
	}
}
