package schedule

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
)

// fakeScheduler records trigger mutations in memory for reconciler and
// service tests.
type fakeScheduler struct {
	mu       sync.Mutex
	triggers map[string]*Trigger
	paused   map[string]bool
	addErr   error // injected AddOrReplace failure

	addCalls    []string
	removeCalls []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		triggers: make(map[string]*Trigger),
		paused:   make(map[string]bool),
	}
}

func (f *fakeScheduler) AddOrReplace(jobID, cronExpr, timezone, kind string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls = append(f.addCalls, jobID)
	if f.addErr != nil {
		return f.addErr
	}
	f.triggers[jobID] = &Trigger{
		JobID:    jobID,
		CronExpr: cronExpr,
		Timezone: timezone,
		Kind:     kind,
		Payload:  payload,
	}
	delete(f.paused, jobID)
	return nil
}

func (f *fakeScheduler) Remove(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, jobID)
	if _, ok := f.triggers[jobID]; !ok {
		return false
	}
	delete(f.triggers, jobID)
	delete(f.paused, jobID)
	return true
}

func (f *fakeScheduler) Pause(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.triggers[jobID]; !ok {
		return false
	}
	f.paused[jobID] = true
	return true
}

func (f *fakeScheduler) Resume(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.triggers[jobID]; !ok {
		return false
	}
	delete(f.paused, jobID)
	return true
}

func (f *fakeScheduler) JobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.triggers))
	for id := range f.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeScheduler) trigger(jobID string) *Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[jobID]
}

var _ TriggerScheduler = (*fakeScheduler)(nil)

func newTestReconciler(t *testing.T, sched TriggerScheduler) (*Reconciler, *Store) {
	t.Helper()
	db := createTestDB(t)
	store := NewStore(db)
	return NewReconciler(store, sched, time.Minute, zap.NewNop().Sugar()), store
}

func TestReconcileAddsMissingTriggers(t *testing.T) {
	fake := newFakeScheduler()
	rec, store := newTestReconciler(t, fake)

	require.NoError(t, store.CreateJob(&Job{ID: "job-1", OrgID: "org-a", Name: "one", CronExpr: "0 3 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))
	require.NoError(t, store.CreateJob(&Job{ID: "job-2", OrgID: "org-a", Name: "two", CronExpr: "0 4 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: false}))

	require.NoError(t, rec.Reconcile())

	// Only the enabled job gets a trigger.
	assert.Equal(t, []string{"job-1"}, fake.JobIDs())
	assert.Equal(t, "0 3 * * *", fake.trigger("job-1").CronExpr)
}

func TestReconcileRemovesStaleTriggers(t *testing.T) {
	fake := newFakeScheduler()
	rec, store := newTestReconciler(t, fake)

	require.NoError(t, store.CreateJob(&Job{ID: "job-live", OrgID: "org-a", Name: "live", CronExpr: "0 3 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))
	require.NoError(t, fake.AddOrReplace("job-live", "0 3 * * *", "UTC", KindNoop, nil))
	require.NoError(t, fake.AddOrReplace("job-orphan", "0 4 * * *", "UTC", KindNoop, nil))

	require.NoError(t, rec.Reconcile())

	assert.Equal(t, []string{"job-live"}, fake.JobIDs())
	assert.Contains(t, fake.removeCalls, "job-orphan")
}

func TestReconcileLeavesInternalTriggerAlone(t *testing.T) {
	fake := newFakeScheduler()
	rec, _ := newTestReconciler(t, fake)

	require.NoError(t, fake.AddOrReplace(InternalPruneJobID, "0 3 * * *", "UTC", KindPruneRuns, nil))

	require.NoError(t, rec.Reconcile())

	// The housekeeping trigger has no jobs row yet must survive.
	assert.Equal(t, []string{InternalPruneJobID}, fake.JobIDs())
	assert.NotContains(t, fake.removeCalls, InternalPruneJobID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	fake := newFakeScheduler()
	rec, store := newTestReconciler(t, fake)

	require.NoError(t, store.CreateJob(&Job{ID: "job-1", OrgID: "org-a", Name: "one", CronExpr: "0 3 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))

	require.NoError(t, rec.Reconcile())
	require.NoError(t, rec.Reconcile())

	assert.Equal(t, []string{"job-1"}, fake.JobIDs())

	stats := rec.GetStats()
	assert.EqualValues(t, 2, stats["cycles"])
	assert.EqualValues(t, 0, stats["skipped"])
}

func TestReconcileContinuesPastRegistrationFailure(t *testing.T) {
	fake := newFakeScheduler()
	rec, store := newTestReconciler(t, fake)

	require.NoError(t, store.CreateJob(&Job{ID: "job-1", OrgID: "org-a", Name: "one", CronExpr: "0 3 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))
	require.NoError(t, store.CreateJob(&Job{ID: "job-2", OrgID: "org-a", Name: "two", CronExpr: "0 4 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))

	fake.addErr = errors.New("scheduler down")
	require.NoError(t, rec.Reconcile())

	// Both jobs were attempted despite the failures.
	assert.Len(t, fake.addCalls, 2)
}

func TestReconcilerStartRunsInitialCycle(t *testing.T) {
	fake := newFakeScheduler()
	rec, store := newTestReconciler(t, fake)

	require.NoError(t, store.CreateJob(&Job{ID: "job-1", OrgID: "org-a", Name: "one", CronExpr: "0 3 * * *", Timezone: "UTC", Kind: KindNoop, Enabled: true}))

	rec.Start()
	defer rec.Stop()

	// The initial cycle runs on the reconciler goroutine; wait for it.
	require.Eventually(t, func() bool {
		return len(fake.JobIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.Start() // second Start is a no-op
	rec.Stop()
	rec.Stop()
}
