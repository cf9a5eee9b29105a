package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// ReapResult counts the leases a sweep reset.
type ReapResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
}

// Reaper returns jobs whose lease expired to the queue. Each reset is a
// conditional update, so concurrent reapers never double-reset a job.
type Reaper struct {
	store    store.Store
	settings Settings
	now      func() time.Time
	log      *zap.Logger
}

// NewReaper creates a Reaper.
func NewReaper(s store.Store, settings Settings) *Reaper {
	return &Reaper{
		store:    s,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "orchestrator.reaper")),
	}
}

// WithNow fixes the clock for tests.
func (r *Reaper) WithNow(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// ResetStale resets every running job locked before now - LeaseTimeout.
// Jobs with attempts left go back to queued; the rest fail terminally.
func (r *Reaper) ResetStale(ctx context.Context) (ReapResult, error) {
	var res ReapResult
	now := r.now()
	cutoff := now.Add(-r.settings.LeaseTimeout)

	for {
		jobs, err := r.store.ListExpiredLeases(ctx, cutoff, 100)
		if err != nil {
			return res, eris.Wrap(err, "orchestrator: list expired leases")
		}
		if len(jobs) == 0 {
			return res, nil
		}

		progressed := false
		for _, job := range jobs {
			to := model.JobQueued
			if job.Attempt >= job.MaxAttempts {
				to = model.JobFailed
			}
			won, err := r.reset(ctx, job, cutoff, to, now)
			if err != nil {
				return res, err
			}
			if !won {
				continue
			}
			progressed = true
			if to == model.JobQueued {
				res.Requeued++
			} else {
				res.Failed++
			}
			r.log.Warn("reset expired lease",
				zap.String("job_id", job.ID),
				zap.String("source", job.SourceName),
				zap.String("locked_by", job.LockedBy),
				zap.String("status", string(to)),
				zap.Error(model.ErrStaleLock),
			)
		}
		if !progressed {
			return res, nil
		}
	}
}

func (r *Reaper) reset(ctx context.Context, job model.IngestionJob, cutoff time.Time, to model.JobStatus, now time.Time) (bool, error) {
	var won bool
	err := r.store.InTx(ctx, func(q store.Queries) error {
		ok, err := q.ResetExpiredLease(ctx, job.ID, job.LockedBy, cutoff, to, now)
		if err != nil || !ok {
			return err
		}
		won = true
		if to == model.JobFailed {
			if err := q.RecordSourceOutcome(ctx, job.SourceName, false, now); err != nil {
				return err
			}
			return markFailing(ctx, q, job.SourceName, r.settings, now)
		}
		return nil
	})
	return won, eris.Wrapf(err, "orchestrator: reset lease %s", job.ID)
}

// Run sweeps every ReapInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.settings.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r.log.Info("starting lease reaper", zap.Duration("interval", interval), zap.Duration("lease_timeout", r.settings.LeaseTimeout))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("lease reaper stopped")
			return
		case <-ticker.C:
			res, err := r.ResetStale(ctx)
			if err != nil {
				r.log.Error("reap expired leases", zap.Error(err))
				continue
			}
			if res.Requeued+res.Failed > 0 {
				r.log.Info("reaped expired leases", zap.Int("requeued", res.Requeued), zap.Int("failed", res.Failed))
			}
		}
	}
}
