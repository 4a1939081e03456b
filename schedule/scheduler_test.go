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

// newTestScheduler builds a started scheduler whose tick loop is effectively
// parked (hour-long tick interval) so tests drive ticks by hand. Run
// retention is disabled to keep the trigger table free of the internal
// housekeeping trigger.
func newTestScheduler(t *testing.T, registry *Registry) *Scheduler {
	t.Helper()
	db := createTestDB(t)
	s := NewScheduler(db, registry, SchedulerConfig{
		TickInterval:     time.Hour,
		MisfireGrace:     5 * time.Minute,
		RunRetentionDays: 0,
	}, zap.NewNop().Sugar())
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func noopRegistry() *Registry {
	registry := NewRegistry()
	registry.Register(NoopEntrypoint{})
	return registry
}

func TestSchedulerAddOrReplaceComputesNextFire(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("job-1", "0 3 * * *", "America/New_York", KindNoop, nil))

	trig, err := s.triggers.Get("job-1")
	require.NoError(t, err)
	assert.True(t, trig.NextFireAt.After(time.Now()))

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := trig.NextFireAt.In(loc)
	assert.Equal(t, 3, local.Hour())
	assert.Equal(t, 0, local.Minute())
}

func TestSchedulerAddOrReplaceRejectsBadInput(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	assert.Error(t, s.AddOrReplace("job-1", "bogus", "UTC", KindNoop, nil))
	assert.Error(t, s.AddOrReplace("job-1", "0 3 * * *", "Mars/Olympus", KindNoop, nil))
}

func TestSchedulerRemove(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("job-1", "0 3 * * *", "UTC", KindNoop, nil))
	assert.True(t, s.Remove("job-1"))
	assert.False(t, s.Remove("job-1"))
	assert.False(t, s.Remove("never-existed"))
}

func TestSchedulerPauseResumeRoundTrip(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("job-1", "30 9 * * 1-5", "Europe/Berlin", KindNoop, json.RawMessage(`{"x":1}`)))
	assert.True(t, s.Pause("job-1"))

	trig, err := s.triggers.Get("job-1")
	require.NoError(t, err)
	assert.True(t, trig.Paused)

	// Resume restores the exact schedule and recomputes the fire time from
	// now, so the pause gap produces no misfire backlog.
	assert.True(t, s.Resume("job-1"))
	trig, err = s.triggers.Get("job-1")
	require.NoError(t, err)
	assert.False(t, trig.Paused)
	assert.Equal(t, "30 9 * * 1-5", trig.CronExpr)
	assert.Equal(t, "Europe/Berlin", trig.Timezone)
	assert.True(t, trig.NextFireAt.After(time.Now()))

	assert.False(t, s.Pause("never-existed"))
	assert.False(t, s.Resume("never-existed"))
}

func TestSchedulerTickFiresDueTrigger(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("job-1", "0 * * * *", "UTC", KindNoop, json.RawMessage(`{"echo":"me"}`)))

	// Pull the fire time into the past, inside the grace window.
	now := time.Now().UTC()
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-30*time.Second)))

	require.NoError(t, s.tick(now))
	s.execWG.Wait()

	runs, err := s.runs.ListRuns("job-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusSuccess, runs[0].Status)
	assert.JSONEq(t, `{"echo":"me"}`, string(runs[0].Result))
	require.NotNil(t, runs[0].FinishedAt)

	// The trigger advanced past now.
	trig, err := s.triggers.Get("job-1")
	require.NoError(t, err)
	assert.True(t, trig.NextFireAt.After(now))

	stats := s.GetStats()
	assert.EqualValues(t, 1, stats["fires"])
	assert.EqualValues(t, 0, stats["failures"])
}

func TestSchedulerMisfireDroppedAndCoalesced(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("job-1", "0 * * * *", "UTC", KindNoop, nil))

	// A fire time past the grace window is dropped, not executed.
	now := time.Now().UTC()
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-30*time.Minute)))

	require.NoError(t, s.tick(now))
	s.execWG.Wait()

	runs, err := s.runs.ListRuns("job-1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// All missed occurrences collapse into one future fire time.
	trig, err := s.triggers.Get("job-1")
	require.NoError(t, err)
	assert.True(t, trig.NextFireAt.After(now))
}

// blockingEntrypoint holds Execute until released, to model a long run.
type blockingEntrypoint struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingEntrypoint) Kind() string { return "test.blocking" }

func (b *blockingEntrypoint) ValidatePayload(_ context.Context, _ ValidationContext, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

func (b *blockingEntrypoint) Execute(_ context.Context, _ ExecutionContext, _ json.RawMessage) (json.RawMessage, error) {
	close(b.started)
	<-b.release
	return nil, nil
}

func TestSchedulerSkipsFireWhileExecutionInFlight(t *testing.T) {
	blocker := &blockingEntrypoint{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	registry := NewRegistry()
	registry.Register(blocker)
	s := newTestScheduler(t, registry)

	require.NoError(t, s.AddOrReplace("job-1", "0 * * * *", "UTC", blocker.Kind(), nil))

	now := time.Now().UTC()
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-time.Second)))
	require.NoError(t, s.tick(now))
	<-blocker.started

	// A second due fire while the first is still running is skipped.
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-time.Second)))
	require.NoError(t, s.tick(now))

	close(blocker.release)
	s.execWG.Wait()

	runs, err := s.runs.ListRuns("job-1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// drainEntrypoint completes only when released, surfacing any context
// cancellation it observes in the meantime.
type drainEntrypoint struct {
	started chan struct{}
	release chan struct{}
}

func (d *drainEntrypoint) Kind() string { return "test.drain" }

func (d *drainEntrypoint) ValidatePayload(_ context.Context, _ ValidationContext, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

func (d *drainEntrypoint) Execute(ctx context.Context, _ ExecutionContext, _ json.RawMessage) (json.RawMessage, error) {
	close(d.started)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
		return json.RawMessage(`{"finished":true}`), nil
	}
}

func TestSchedulerStopDrainsWithoutCancellingExecutions(t *testing.T) {
	ep := &drainEntrypoint{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	registry := NewRegistry()
	registry.Register(ep)

	db := createTestDB(t)
	s := NewScheduler(db, registry, SchedulerConfig{
		TickInterval: time.Hour,
		MisfireGrace: 5 * time.Minute,
	}, zap.NewNop().Sugar())
	require.NoError(t, s.Start())

	require.NoError(t, s.AddOrReplace("job-1", "0 * * * *", "UTC", ep.Kind(), nil))
	now := time.Now().UTC()
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-time.Second)))
	require.NoError(t, s.tick(now))
	<-ep.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// The tick-loop context is cancelled during Stop; the execution must
	// not observe that.
	select {
	case <-s.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler context not cancelled during Stop")
	}
	close(ep.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the execution finished")
	}

	runs, err := s.runs.ListRuns("job-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusSuccess, runs[0].Status)
	assert.JSONEq(t, `{"finished":true}`, string(runs[0].Result))
}

// panickyEntrypoint always panics, to exercise executor containment.
type panickyEntrypoint struct{}

func (panickyEntrypoint) Kind() string { return "test.panic" }

func (panickyEntrypoint) ValidatePayload(_ context.Context, _ ValidationContext, raw json.RawMessage) (json.RawMessage, error) {
	return raw, nil
}

func (panickyEntrypoint) Execute(_ context.Context, _ ExecutionContext, _ json.RawMessage) (json.RawMessage, error) {
	panic("kaboom")
}

func TestSchedulerContainsEntrypointPanic(t *testing.T) {
	registry := NewRegistry()
	registry.Register(panickyEntrypoint{})
	s := newTestScheduler(t, registry)

	require.NoError(t, s.AddOrReplace("job-1", "0 * * * *", "UTC", "test.panic", nil))

	now := time.Now().UTC()
	require.NoError(t, s.triggers.SetNextFire("job-1", now.Add(-time.Second)))
	require.NoError(t, s.tick(now))
	s.execWG.Wait()

	runs, err := s.runs.ListRuns("job-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunStatusError, runs[0].Status)
	require.NotNil(t, runs[0].Error)
	assert.Contains(t, *runs[0].Error, "entrypoint panic")

	stats := s.GetStats()
	assert.EqualValues(t, 1, stats["failures"])
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	db := createTestDB(t)
	s := NewScheduler(db, noopRegistry(), SchedulerConfig{
		TickInterval: time.Hour,
		MisfireGrace: 5 * time.Minute,
	}, zap.NewNop().Sugar())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestSchedulerStartClosesAbandonedRuns(t *testing.T) {
	db := createTestDB(t)
	seedJob(t, NewStore(db), "job-1")

	stale := time.Now().UTC().Add(-time.Hour)
	runs := NewRunStore(db)
	require.NoError(t, runs.CreateRun(&Run{ID: "run-stale", JobID: "job-1", ScheduledFor: stale, StartedAt: stale, Status: RunStatusRunning}))

	s := NewScheduler(db, noopRegistry(), SchedulerConfig{
		TickInterval: time.Hour,
		MisfireGrace: 5 * time.Minute,
	}, zap.NewNop().Sugar())
	require.NoError(t, s.Start())
	defer s.Stop()

	got, err := runs.GetRun("run-stale")
	require.NoError(t, err)
	assert.Equal(t, RunStatusError, got.Status)
}

func TestSchedulerStartRegistersPruneTrigger(t *testing.T) {
	db := createTestDB(t)
	registry := noopRegistry()
	registry.Register(PruneRunsEntrypoint{})

	s := NewScheduler(db, registry, SchedulerConfig{
		TickInterval:     time.Hour,
		MisfireGrace:     5 * time.Minute,
		RunRetentionDays: 30,
	}, zap.NewNop().Sugar())
	require.NoError(t, s.Start())
	defer s.Stop()

	trig, err := s.triggers.Get(InternalPruneJobID)
	require.NoError(t, err)
	assert.Equal(t, KindPruneRuns, trig.Kind)
	assert.JSONEq(t, `{"retention_days":30}`, string(trig.Payload))
}

func TestSchedulerJobIDs(t *testing.T) {
	s := newTestScheduler(t, noopRegistry())

	require.NoError(t, s.AddOrReplace("b", "0 * * * *", "UTC", KindNoop, nil))
	require.NoError(t, s.AddOrReplace("a", "0 * * * *", "UTC", KindNoop, nil))
	assert.True(t, s.Pause("a"))

	// Paused triggers stay registered.
	assert.Equal(t, []string{"a", "b"}, s.JobIDs())
}
