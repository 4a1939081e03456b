package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestEngineEndToEnd drives the full path with real components sharing one
// database: create through the service, fire through the scheduler, inspect
// history, delete, reconcile.
func TestEngineEndToEnd(t *testing.T) {
	db := createTestDB(t)
	registry := noopRegistry()

	sched := NewScheduler(db, registry, SchedulerConfig{
		TickInterval: time.Hour, // ticks driven by hand
		MisfireGrace: 5 * time.Minute,
	}, zap.NewNop().Sugar())
	require.NoError(t, sched.Start())
	defer sched.Stop()

	svc := NewService(db, registry, sched, 5*time.Minute, zap.NewNop().Sugar())
	rec := NewReconciler(NewStore(db), sched, time.Minute, zap.NewNop().Sugar())
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		OrgID:    "org-a",
		Name:     "end-to-end",
		CronExpr: "0 * * * *",
		Timezone: "UTC",
		Kind:     KindNoop,
		Payload:  json.RawMessage(`{"marker":"e2e"}`),
	})
	require.NoError(t, err)

	// The trigger is live immediately, before any reconcile cycle.
	trig, err := sched.triggers.Get(job.ID)
	require.NoError(t, err)
	assert.False(t, trig.Paused)

	// Fire it.
	now := time.Now().UTC()
	require.NoError(t, sched.triggers.SetNextFire(job.ID, now.Add(-time.Second)))
	require.NoError(t, sched.tick(now))
	sched.execWG.Wait()

	runs, err := svc.ListRuns(ctx, job.ID, "org-a", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusSuccess, runs[0].Status)
	assert.JSONEq(t, `{"marker":"e2e"}`, string(runs[0].Result))

	// Delete: trigger gone, job invisible, history intact.
	require.NoError(t, svc.Delete(ctx, job.ID, "org-a"))
	_, err = sched.triggers.Get(job.ID)
	assert.Error(t, err)

	runs, err = svc.ListRuns(ctx, job.ID, "org-a", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// A reconcile cycle after the fact changes nothing.
	require.NoError(t, rec.Reconcile())
	assert.Empty(t, sched.JobIDs())
}

// TestEngineReconcilerRepairsDetachedWrites models the CLI operating mode:
// a job created against a no-op scheduler becomes live after one cycle.
func TestEngineReconcilerRepairsDetachedWrites(t *testing.T) {
	db := createTestDB(t)
	registry := noopRegistry()

	sched := NewScheduler(db, registry, SchedulerConfig{
		TickInterval: time.Hour,
		MisfireGrace: 5 * time.Minute,
	}, zap.NewNop().Sugar())
	require.NoError(t, sched.Start())
	defer sched.Stop()

	// Writes land with a scheduler that does nothing, as the CLI's do.
	detached := newFakeScheduler()
	svc := NewService(db, registry, detached, 5*time.Minute, zap.NewNop().Sugar())

	job, err := svc.Create(context.Background(), CreateParams{
		OrgID:    "org-a",
		Name:     "cli-created",
		CronExpr: "0 3 * * *",
		Timezone: "UTC",
		Kind:     KindNoop,
	})
	require.NoError(t, err)

	_, err = sched.triggers.Get(job.ID)
	require.Error(t, err, "no live trigger before reconciliation")

	rec := NewReconciler(NewStore(db), sched, time.Minute, zap.NewNop().Sugar())
	require.NoError(t, rec.Reconcile())

	trig, err := sched.triggers.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", trig.CronExpr)
}
