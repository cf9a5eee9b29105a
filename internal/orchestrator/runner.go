package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/resilience"
)

// ErrBlocked is returned (possibly wrapped) by a handler when the source
// refused the work. The job moves to the terminal blocked state.
var ErrBlocked = errors.New("orchestrator: blocked by source")

// Handler executes one leased job and returns its result document.
type Handler func(ctx context.Context, job model.IngestionJob) (json.RawMessage, error)

// Registry maps source names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to source, replacing any previous handler.
func (r *Registry) Register(source string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[source] = h
}

// Get returns the handler for source.
func (r *Registry) Get(source string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[source]
	return h, ok
}

// Sources lists registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Runner claims due jobs for every registered source and executes them
// with bounded parallelism. Sources whose breaker is open are skipped until
// it half-opens.
type Runner struct {
	sched    *Scheduler
	controls *Controls
	registry *Registry
	breakers *resilience.BreakerSet
	settings Settings
	log      *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(sched *Scheduler, controls *Controls, registry *Registry, settings Settings) *Runner {
	log := zap.L().With(zap.String("component", "orchestrator.runner"), zap.String("worker", settings.WorkerID))
	bcfg := settings.Breaker
	bcfg.ShouldTrip = func(err error) bool { return !errors.Is(err, context.Canceled) }
	bcfg.OnStateChange = func(name string, from, to resilience.BreakerState) {
		log.Warn("source breaker changed state",
			zap.String("source", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Runner{
		sched:    sched,
		controls: controls,
		registry: registry,
		breakers: resilience.NewBreakerSet(bcfg),
		settings: settings,
		log:      log,
	}
}

// Breakers exposes the per-source breakers.
func (r *Runner) Breakers() *resilience.BreakerSet {
	return r.breakers
}

// Run polls until ctx is cancelled. Scheduler errors are logged and never
// stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.settings.PollInterval
	if interval <= 0 {
		interval = DefaultSettings().PollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	r.log.Info("starting job runner",
		zap.Strings("sources", r.registry.Sources()),
		zap.Int("parallelism", r.parallelism()),
		zap.Duration("poll_interval", interval),
	)

	for {
		if err := limiter.Wait(ctx); err != nil {
			r.log.Info("job runner stopped")
			return nil
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Error("job runner round failed", zap.Error(err))
		}
	}
}

// RunOnce claims up to Parallelism due jobs, in source priority order, and
// waits for them to finish. It returns the number of jobs executed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.claim(ctx)
	if err != nil && len(jobs) == 0 {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism())
	for _, job := range jobs {
		g.Go(func() error {
			r.execute(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), err
}

func (r *Runner) claim(ctx context.Context) ([]model.IngestionJob, error) {
	sources, err := r.controls.List(ctx)
	if err != nil {
		return nil, err
	}

	limit := r.parallelism()
	var (
		out      []model.IngestionJob
		firstErr error
	)
	for _, sc := range sources {
		if _, ok := r.registry.Get(sc.SourceName); !ok || !sc.IsEnabled {
			continue
		}
		if err := r.breakers.Get(sc.SourceName).Allow(); err != nil {
			r.log.Debug("source breaker open", zap.String("source", sc.SourceName))
			continue
		}
		for len(out) < limit {
			job, err := r.sched.Claim(ctx, sc.SourceName)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				break
			}
			if job == nil {
				break
			}
			out = append(out, *job)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, eris.Wrap(firstErr, "orchestrator: claim round")
}

func (r *Runner) execute(ctx context.Context, job model.IngestionJob) {
	h, _ := r.registry.Get(job.SourceName)
	breaker := r.breakers.Get(job.SourceName)
	log := r.log.With(zap.String("job_id", job.ID), zap.String("source", job.SourceName))

	result, runErr := r.call(ctx, h, job)
	breaker.Record(runErr)

	// Record the outcome even if the runner is shutting down.
	fctx := context.WithoutCancel(ctx)
	var err error
	switch {
	case runErr == nil:
		err = r.sched.Complete(fctx, &job, result)
	case errors.Is(runErr, ErrBlocked):
		err = r.sched.Block(fctx, &job, runErr.Error())
	default:
		_, err = r.sched.Fail(fctx, &job, runErr)
	}
	if err != nil {
		if IsLeaseLost(err) {
			log.Warn("lease lost before outcome was recorded", zap.Error(err))
			return
		}
		log.Error("record job outcome", zap.Error(err))
	}
}

// call runs h, converting a panic into a job failure.
func (r *Runner) call(ctx context.Context, h Handler, job model.IngestionJob) (res json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("orchestrator: handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}

func (r *Runner) parallelism() int {
	if r.settings.Parallelism > 0 {
		return r.settings.Parallelism
	}
	return 1
}
