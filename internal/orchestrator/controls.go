package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// Controls is the operator surface over source configuration and health.
type Controls struct {
	store    store.Store
	settings Settings
	now      func() time.Time
	log      *zap.Logger
}

// NewControls creates Controls.
func NewControls(s store.Store, settings Settings) *Controls {
	return &Controls{
		store:    s,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "orchestrator.controls")),
	}
}

// WithNow fixes the clock for tests.
func (c *Controls) WithNow(now func() time.Time) *Controls {
	c.now = now
	return c
}

// Register creates or reconfigures sources. Health columns are preserved.
func (c *Controls) Register(ctx context.Context, sources ...model.SourceControl) error {
	for i := range sources {
		if sources[i].SourceName == "" {
			return model.NewValidationError("source_name", "required")
		}
		if sources[i].MaxConcurrentJobs < 0 || sources[i].RateLimitSeconds < 0 {
			return model.NewValidationError("source", "limits must be >= 0")
		}
		if sources[i].MaxConcurrentJobs == 0 {
			sources[i].MaxConcurrentJobs = 1
		}
	}
	n, err := c.store.SyncSources(ctx, sources)
	if err != nil {
		return eris.Wrap(err, "orchestrator: register sources")
	}
	c.log.Info("registered sources", zap.Int64("count", n))
	return nil
}

// Get returns one source's controls.
func (c *Controls) Get(ctx context.Context, name string) (*model.SourceControl, error) {
	sc, err := c.store.GetSource(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: get source %s", name)
	}
	if sc == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "orchestrator: source %s", name)
	}
	return sc, nil
}

// List returns every source ordered by priority.
func (c *Controls) List(ctx context.Context) ([]model.SourceControl, error) {
	out, err := c.store.ListSources(ctx)
	return out, eris.Wrap(err, "orchestrator: list sources")
}

// Update applies an operator patch. Disabling a source stops new claims but
// leaves running jobs alone.
func (c *Controls) Update(ctx context.Context, name string, patch model.SourcePatch) (*model.SourceControl, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	var out model.SourceControl
	err := c.store.InTx(ctx, func(q store.Queries) error {
		sc, err := q.LockSource(ctx, name)
		if err != nil {
			return err
		}
		if sc == nil {
			return eris.Wrapf(model.ErrNotFound, "source %s", name)
		}
		out = patch.Apply(*sc)
		return q.UpdateSource(ctx, out)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: update source %s", name)
	}
	c.log.Info("updated source controls",
		zap.String("source", name),
		zap.Bool("enabled", out.IsEnabled),
		zap.Int("max_concurrent_jobs", out.MaxConcurrentJobs),
		zap.Int("rate_limit_seconds", out.RateLimitSeconds),
		zap.Int("priority", out.Priority),
	)
	return &out, nil
}

// Health derives the health view for every source.
func (c *Controls) Health(ctx context.Context) ([]model.SourceHealth, error) {
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: health sources")
	}
	counts, err := c.store.JobCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: health job counts")
	}

	now := c.now()
	out := make([]model.SourceHealth, 0, len(sources))
	for _, sc := range sources {
		out = append(out, model.SourceHealth{
			SourceName:    sc.SourceName,
			Status:        DeriveHealth(sc, c.settings, now),
			QueueDepth:    counts[sc.SourceName][model.JobQueued],
			Running:       counts[sc.SourceName][model.JobRunning],
			FailureCount:  sc.FailureCount,
			LastRunAt:     sc.LastRunAt,
			LastSuccessAt: sc.LastSuccessAt,
		})
	}
	return out, nil
}

// DeriveHealth classifies one source. Disabled wins over failing, which
// wins over stale. A source that never succeeded turns stale once its
// first recorded run is older than StaleAfter.
func DeriveHealth(sc model.SourceControl, s Settings, now time.Time) model.HealthStatus {
	switch {
	case !sc.IsEnabled:
		return model.HealthDisabled
	case s.FailingThreshold > 0 && sc.FailureCount >= s.FailingThreshold:
		return model.HealthFailing
	}
	if s.StaleAfter > 0 {
		if sc.LastSuccessAt == nil {
			if sc.LastRunAt != nil && now.Sub(*sc.LastRunAt) > s.StaleAfter {
				return model.HealthStale
			}
		} else if now.Sub(*sc.LastSuccessAt) > s.StaleAfter {
			return model.HealthStale
		}
	}
	return model.HealthActive
}
