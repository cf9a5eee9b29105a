package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/config"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    store.Store
	clock    *clock
	settings Settings
	controls *Controls
	sched    *Scheduler
	reaper   *Reaper
}

func newFixture(t *testing.T, sources ...model.SourceControl) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	c := &clock{now: t0}
	settings := DefaultSettings()
	settings.WorkerID = "worker-a"
	settings.MaxAttempts = 2
	settings.FailingThreshold = 2

	f := &fixture{
		store:    s,
		clock:    c,
		settings: settings,
		controls: NewControls(s, settings).WithNow(c.Now),
		sched:    NewScheduler(s, settings).WithNow(c.Now),
		reaper:   NewReaper(s, settings).WithNow(c.Now),
	}
	if len(sources) > 0 {
		require.NoError(t, f.controls.Register(context.Background(), sources...))
	}
	return f
}

func source(name string, maxJobs, rateSecs int) model.SourceControl {
	return model.SourceControl{
		SourceName:        name,
		SourceType:        model.SourceAuction,
		IsEnabled:         true,
		MaxConcurrentJobs: maxJobs,
		RateLimitSeconds:  rateSecs,
	}
}

func (f *fixture) enqueue(t *testing.T, src string, n int) []*model.IngestionJob {
	t.Helper()
	var out []*model.IngestionJob
	for i := 0; i < n; i++ {
		j, err := f.sched.Enqueue(context.Background(), JobRequest{SourceName: src})
		require.NoError(t, err)
		out = append(out, j)
	}
	return out
}

func (f *fixture) job(t *testing.T, id string) *model.IngestionJob {
	t.Helper()
	j, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0))

	j, err := f.sched.Enqueue(ctx, JobRequest{SourceName: "bat", Payload: json.RawMessage(`{"page":1}`)})
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, 2, j.MaxAttempts)
	assert.True(t, j.ScheduledFor.Equal(t0))

	_, err = f.sched.Enqueue(ctx, JobRequest{SourceName: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.sched.Enqueue(ctx, JobRequest{SourceName: "bat", Payload: json.RawMessage(`{`)})
	assert.True(t, model.IsValidation(err))
}

func TestClaim_RespectsConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 2, 0))
	f.enqueue(t, "bat", 5)

	a, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, a)
	b, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, b)
	c, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.Equal(t, model.JobRunning, a.Status)
	assert.Equal(t, "worker-a", a.LockedBy)
	assert.Equal(t, 1, a.Attempt)

	require.NoError(t, f.sched.Complete(ctx, a, json.RawMessage(`{"rows":3}`)))
	c, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestClaim_ConcurrentSchedulersNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("cnb", 3, 0))
	f.enqueue(t, "cnb", 20)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 8; i++ {
		settings := f.settings
		settings.WorkerID = fmt.Sprintf("worker-%d", i)
		sched := NewScheduler(f.store, settings).WithNow(f.clock.Now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 3; k++ {
				j, err := sched.Claim(ctx, "cnb")
				assert.NoError(t, err)
				if j != nil {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, claimed)
	n, err := f.store.CountJobs(ctx, "cnb", model.JobRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestClaim_DisabledSourceIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 2, 0))
	f.enqueue(t, "bat", 2)

	running, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, running)

	off := false
	_, err = f.controls.Update(ctx, "bat", model.SourcePatch{IsEnabled: &off})
	require.NoError(t, err)

	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.Nil(t, j)

	// The job already running is untouched and can still finish.
	assert.Equal(t, model.JobRunning, f.job(t, running.ID).Status)
	require.NoError(t, f.sched.Complete(ctx, running, nil))
}

func TestClaim_RateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 5, 60))
	f.enqueue(t, "bat", 3)

	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, j)

	f.clock.Advance(30 * time.Second)
	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.Nil(t, j)

	f.clock.Advance(31 * time.Second)
	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.NotNil(t, j)
}

func TestClaim_UnknownSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Claim(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFail_RequeuesThenFailsTerminally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0))
	job := f.enqueue(t, "bat", 1)[0]

	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, j)

	status, err := f.sched.Fail(ctx, j, fmt.Errorf("timeout fetching page"))
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, status)

	stored := f.job(t, job.ID)
	assert.Equal(t, model.JobQueued, stored.Status)
	assert.Equal(t, "timeout fetching page", stored.Error)
	assert.True(t, stored.ScheduledFor.Equal(t0.Add(30*time.Second)), stored.ScheduledFor)
	assert.Empty(t, stored.LockedBy)

	// Not due yet.
	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	assert.Nil(t, j)

	f.clock.Advance(31 * time.Second)
	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempt)

	status, err = f.sched.Fail(ctx, j, fmt.Errorf("timeout again"))
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, status)

	stored = f.job(t, job.ID)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Contains(t, stored.Error, model.ErrMaxAttemptsExceeded.Error())

	sc, err := f.controls.Get(ctx, "bat")
	require.NoError(t, err)
	assert.Equal(t, f.settings.FailingThreshold, sc.FailureCount)
}

func TestFail_ExhaustedAttemptsMarkSourceFailing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0), source("cnb", 1, 0))
	f.settings.MaxAttempts = 1
	f.settings.FailingThreshold = 3
	f.sched = NewScheduler(f.store, f.settings).WithNow(f.clock.Now)
	f.controls = NewControls(f.store, f.settings).WithNow(f.clock.Now)

	// A prior success keeps the source from reading as stale.
	f.enqueue(t, "bat", 2)
	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NoError(t, f.sched.Complete(ctx, j, nil))

	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, j)
	status, err := f.sched.Fail(ctx, j, fmt.Errorf("upstream 500"))
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, status)

	health, err := f.controls.Health(ctx)
	require.NoError(t, err)
	byName := map[string]model.SourceHealth{}
	for _, h := range health {
		byName[h.SourceName] = h
	}
	assert.Equal(t, model.HealthFailing, byName["bat"].Status)
	assert.Equal(t, 3, byName["bat"].FailureCount)
	assert.NotEqual(t, model.HealthFailing, byName["cnb"].Status)

	// A success clears the escalation.
	f.enqueue(t, "bat", 1)
	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, f.sched.Complete(ctx, j, nil))
	sc, err := f.controls.Get(ctx, "bat")
	require.NoError(t, err)
	assert.Zero(t, sc.FailureCount)
}

func TestComplete_ResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0))
	f.enqueue(t, "bat", 2)

	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NoError(t, f.sched.Block(ctx, j, "captcha wall"))

	sc, err := f.controls.Get(ctx, "bat")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.FailureCount)
	assert.Equal(t, model.JobBlocked, f.job(t, j.ID).Status)

	j, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NoError(t, f.sched.Complete(ctx, j, json.RawMessage(`{"rows":10}`)))

	sc, err = f.controls.Get(ctx, "bat")
	require.NoError(t, err)
	assert.Zero(t, sc.FailureCount)
	require.NotNil(t, sc.LastSuccessAt)
	assert.True(t, sc.LastSuccessAt.Equal(t0))

	stored := f.job(t, j.ID)
	assert.JSONEq(t, `{"rows":10}`, string(stored.Result))
}

func TestReaper_ResetsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 5, 0))
	f.enqueue(t, "bat", 2)

	first, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	second, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, second)

	f.clock.Advance(10 * time.Minute)
	res, err := f.reaper.ResetStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued+res.Failed, "leases are still fresh")

	f.clock.Advance(10 * time.Minute)
	res, err = f.reaper.ResetStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requeued)

	stored := f.job(t, first.ID)
	assert.Equal(t, model.JobQueued, stored.Status)
	assert.Equal(t, "stale lock", stored.Error)

	// The original holder lost its lease.
	err = f.sched.Complete(ctx, first, nil)
	assert.True(t, IsLeaseLost(err))
	assert.Equal(t, model.JobQueued, f.job(t, second.ID).Status)
}

func TestReaper_FailsJobsOutOfAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 5, 0))
	f.enqueue(t, "bat", 1)

	for attempt := 1; attempt <= 2; attempt++ {
		j, err := f.sched.Claim(ctx, "bat")
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		f.clock.Advance(20 * time.Minute)
		_, err = f.reaper.ResetStale(ctx)
		require.NoError(t, err)
	}

	jobs, err := f.store.ListJobs(ctx, store.JobFilter{SourceName: "bat"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)

	sc, err := f.controls.Get(ctx, "bat")
	require.NoError(t, err)
	assert.Equal(t, f.settings.FailingThreshold, sc.FailureCount)
	assert.Equal(t, model.HealthFailing, DeriveHealth(*sc, f.settings, f.clock.Now()))
}

func TestReaper_ConcurrentResettersWinOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 5, 0))
	f.enqueue(t, "bat", 1)
	_, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := NewReaper(f.store, f.settings).WithNow(f.clock.Now).ResetStale(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += res.Requeued + res.Failed
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0))
	jobs := f.enqueue(t, "bat", 2)

	running, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NotNil(t, running)

	queuedID := jobs[0].ID
	if queuedID == running.ID {
		queuedID = jobs[1].ID
	}
	require.NoError(t, f.sched.Cancel(ctx, queuedID))
	assert.Equal(t, model.JobCancelled, f.job(t, queuedID).Status)

	err = f.sched.Cancel(ctx, running.ID)
	assert.True(t, model.IsValidation(err))

	err = f.sched.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestControls(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, model.SourceControl{SourceName: "fb", SourceType: model.SourceMarketplace, IsEnabled: true})

	sc, err := f.controls.Get(ctx, "fb")
	require.NoError(t, err)
	assert.Equal(t, 1, sc.MaxConcurrentJobs)

	four, prio := 4, 9
	sc, err = f.controls.Update(ctx, "fb", model.SourcePatch{MaxConcurrentJobs: &four, Priority: &prio})
	require.NoError(t, err)
	assert.Equal(t, 4, sc.MaxConcurrentJobs)
	assert.Equal(t, 9, sc.Priority)
	assert.True(t, sc.IsEnabled)

	neg := -1
	_, err = f.controls.Update(ctx, "fb", model.SourcePatch{RateLimitSeconds: &neg})
	assert.True(t, model.IsValidation(err))

	_, err = f.controls.Update(ctx, "ghost", model.SourcePatch{Priority: &prio})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.controls.Get(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.Error(t, f.controls.Register(ctx, model.SourceControl{}))
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0), source("cnb", 1, 0))
	f.enqueue(t, "bat", 3)

	j, err := f.sched.Claim(ctx, "bat")
	require.NoError(t, err)
	require.NoError(t, f.sched.Complete(ctx, j, nil))
	_, err = f.sched.Claim(ctx, "bat")
	require.NoError(t, err)

	health, err := f.controls.Health(ctx)
	require.NoError(t, err)
	require.Len(t, health, 2)

	byName := map[string]model.SourceHealth{}
	for _, h := range health {
		byName[h.SourceName] = h
	}
	assert.Equal(t, model.HealthActive, byName["bat"].Status)
	assert.Equal(t, 1, byName["bat"].QueueDepth)
	assert.Equal(t, 1, byName["bat"].Running)
	assert.Equal(t, model.HealthActive, byName["cnb"].Status)
	assert.Zero(t, byName["cnb"].QueueDepth)
}

func TestDeriveHealth(t *testing.T) {
	s := Settings{FailingThreshold: 3, StaleAfter: 48 * time.Hour}
	recent := t0.Add(-time.Hour)
	old := t0.Add(-72 * time.Hour)

	tests := []struct {
		name string
		sc   model.SourceControl
		want model.HealthStatus
	}{
		{"disabled beats failing", model.SourceControl{IsEnabled: false, FailureCount: 9}, model.HealthDisabled},
		{"failing", model.SourceControl{IsEnabled: true, FailureCount: 3, LastSuccessAt: &recent}, model.HealthFailing},
		{"stale success", model.SourceControl{IsEnabled: true, LastSuccessAt: &old}, model.HealthStale},
		{"never succeeded, ran long ago", model.SourceControl{IsEnabled: true, LastRunAt: &old}, model.HealthStale},
		{"never ran", model.SourceControl{IsEnabled: true}, model.HealthActive},
		{"recent success", model.SourceControl{IsEnabled: true, FailureCount: 2, LastSuccessAt: &recent}, model.HealthActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveHealth(tt.sc, s, t0))
		})
	}
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(config.OrchestratorConfig{
		WorkerID:         "w1",
		LeaseTimeoutSecs: 60,
		MaxAttempts:      5,
		RetryBackoffMs:   1000,
		BreakerThreshold: 2,
	})
	assert.Equal(t, "w1", s.WorkerID)
	assert.Equal(t, time.Minute, s.LeaseTimeout)
	assert.Equal(t, 5, s.MaxAttempts)
	assert.Equal(t, time.Second, s.Requeue.InitialBackoff)
	assert.Equal(t, time.Hour, s.Requeue.MaxBackoff)
	assert.Zero(t, s.Requeue.JitterFraction)
	assert.Equal(t, 2, s.Breaker.FailureThreshold)
	assert.Equal(t, 48*time.Hour, s.StaleAfter)

	assert.NotEmpty(t, DefaultSettings().WorkerID)
}
