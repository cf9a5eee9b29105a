package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

func newRunner(f *fixture, reg *Registry) *Runner {
	return NewRunner(f.sched, f.controls, reg, f.settings)
}

func statuses(t *testing.T, f *fixture, src string) map[model.JobStatus]int {
	t.Helper()
	jobs, err := f.store.ListJobs(context.Background(), store.JobFilter{SourceName: src})
	require.NoError(t, err)
	out := map[model.JobStatus]int{}
	for _, j := range jobs {
		out[j.Status]++
	}
	return out
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b", func(context.Context, model.IngestionJob) (json.RawMessage, error) { return nil, nil })
	reg.Register("a", func(context.Context, model.IngestionJob) (json.RawMessage, error) { return nil, nil })

	assert.Equal(t, []string{"a", "b"}, reg.Sources())
	_, ok := reg.Get("a")
	assert.True(t, ok)
	_, ok = reg.Get("z")
	assert.False(t, ok)
}

func TestRunOnce_DispatchesOutcomes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("ok", 5, 0), source("wall", 5, 0), source("flaky", 5, 0), source("unhandled", 5, 0))
	f.enqueue(t, "ok", 2)
	f.enqueue(t, "wall", 1)
	f.enqueue(t, "flaky", 1)
	f.enqueue(t, "unhandled", 1)

	reg := NewRegistry()
	reg.Register("ok", func(_ context.Context, job model.IngestionJob) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"job":%q}`, job.ID)), nil
	})
	reg.Register("wall", func(context.Context, model.IngestionJob) (json.RawMessage, error) {
		return nil, fmt.Errorf("cloudflare challenge: %w", ErrBlocked)
	})
	reg.Register("flaky", func(context.Context, model.IngestionJob) (json.RawMessage, error) {
		return nil, errors.New("connection reset")
	})

	n, err := newRunner(f, reg).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, map[model.JobStatus]int{model.JobSucceeded: 2}, statuses(t, f, "ok"))
	assert.Equal(t, map[model.JobStatus]int{model.JobBlocked: 1}, statuses(t, f, "wall"))
	assert.Equal(t, map[model.JobStatus]int{model.JobQueued: 1}, statuses(t, f, "flaky"))
	assert.Equal(t, map[model.JobStatus]int{model.JobQueued: 1}, statuses(t, f, "unhandled"))
}

func TestRunOnce_BoundedByParallelism(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 10, 0))
	f.settings.Parallelism = 3
	f.enqueue(t, "bat", 7)

	var peak, inflight atomic.Int32
	reg := NewRegistry()
	reg.Register("bat", func(context.Context, model.IngestionJob) (json.RawMessage, error) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return nil, nil
	})

	r := newRunner(f, reg)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	total := n
	for total < 7 {
		n, err = r.RunOnce(ctx)
		require.NoError(t, err)
		require.Positive(t, n)
		total += n
	}
	assert.Equal(t, map[model.JobStatus]int{model.JobSucceeded: 7}, statuses(t, f, "bat"))
}

func TestRunOnce_PanicFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 1, 0))
	job := f.enqueue(t, "bat", 1)[0]

	reg := NewRegistry()
	reg.Register("bat", func(context.Context, model.IngestionJob) (json.RawMessage, error) {
		panic("nil listing")
	})

	_, err := newRunner(f, reg).RunOnce(ctx)
	require.NoError(t, err)
	stored := f.job(t, job.ID)
	assert.Equal(t, model.JobQueued, stored.Status)
	assert.Contains(t, stored.Error, "nil listing")
}

func TestRunOnce_OpenBreakerSkipsSource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, source("bat", 5, 0))
	f.settings.Breaker.FailureThreshold = 1
	f.settings.Breaker.ResetTimeout = time.Hour
	f.enqueue(t, "bat", 3)

	var calls atomic.Int32
	reg := NewRegistry()
	reg.Register("bat", func(context.Context, model.IngestionJob) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	})
	f.settings.Parallelism = 1

	r := newRunner(f, reg)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bat"}, r.Breakers().Open())

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, source("bat", 1, 0))
	f.settings.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newRunner(f, NewRegistry()).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
