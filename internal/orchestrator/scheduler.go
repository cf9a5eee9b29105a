package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/resilience"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// JobRequest describes a job to enqueue.
type JobRequest struct {
	SourceName   string          `json:"source_name"`
	Priority     *int            `json:"priority,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	ScheduledFor time.Time       `json:"scheduled_for,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Scheduler moves jobs through their state machine:
// queued -> running -> succeeded | failed | blocked, with failed jobs
// requeued until they run out of attempts.
type Scheduler struct {
	store    store.Store
	settings Settings
	retry    resilience.RetryConfig
	now      func() time.Time
	log      *zap.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, settings Settings) *Scheduler {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("orchestrator", "transition")
	return &Scheduler{
		store:    s,
		settings: settings,
		retry:    retry,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "orchestrator.scheduler"), zap.String("worker", settings.WorkerID)),
	}
}

// WithNow fixes the clock for tests.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// WorkerID is the lease owner name this scheduler writes.
func (s *Scheduler) WorkerID() string {
	return s.settings.WorkerID
}

// Enqueue adds a queued job. The source's priority is used unless the
// request overrides it. Enqueueing for a disabled source is allowed; the
// job waits until the source is enabled again.
func (s *Scheduler) Enqueue(ctx context.Context, req JobRequest) (*model.IngestionJob, error) {
	if req.SourceName == "" {
		return nil, model.NewValidationError("source_name", "required")
	}
	if req.MaxAttempts < 0 {
		return nil, model.NewValidationError("max_attempts", "must be >= 0")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, model.NewValidationError("payload", "must be valid JSON")
	}

	sc, err := s.store.GetSource(ctx, req.SourceName)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: enqueue %s", req.SourceName)
	}
	if sc == nil {
		return nil, eris.Wrapf(model.ErrNotFound, "orchestrator: source %s", req.SourceName)
	}

	job := &model.IngestionJob{
		SourceName:   req.SourceName,
		Status:       model.JobQueued,
		MaxAttempts:  req.MaxAttempts,
		Priority:     sc.Priority,
		ScheduledFor: req.ScheduledFor,
		Payload:      req.Payload,
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.settings.MaxAttempts
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = s.now()
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: enqueue %s", req.SourceName)
	}
	s.log.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("source", job.SourceName))
	return job, nil
}

// Claim leases the next due job for source, or returns nil when the source
// is disabled, at its concurrency ceiling, inside its rate-limit interval,
// or has nothing due. The source row lock serializes concurrent claimers so
// the running count cannot overshoot.
func (s *Scheduler) Claim(ctx context.Context, source string) (*model.IngestionJob, error) {
	var claimed *model.IngestionJob
	err := s.store.InTx(ctx, func(q store.Queries) error {
		claimed = nil
		sc, err := q.LockSource(ctx, source)
		if err != nil {
			return err
		}
		if sc == nil {
			return eris.Wrapf(model.ErrNotFound, "source %s", source)
		}
		if !sc.IsEnabled {
			s.log.Debug("skipping source", zap.String("source", source), zap.Error(model.ErrSourceDisabled))
			return nil
		}

		now := s.now()
		if sc.RateLimitSeconds > 0 && sc.LastRunAt != nil &&
			now.Sub(*sc.LastRunAt) < time.Duration(sc.RateLimitSeconds)*time.Second {
			return nil
		}

		running, err := q.CountJobs(ctx, source, model.JobRunning)
		if err != nil {
			return err
		}
		if running >= sc.MaxConcurrentJobs {
			return nil
		}

		job, err := q.NextQueuedJob(ctx, source, now)
		if err != nil || job == nil {
			return err
		}
		ok, err := q.LeaseJob(ctx, job.ID, s.settings.WorkerID, now)
		if err != nil || !ok {
			return err
		}
		if err := q.TouchSourceRun(ctx, source, now); err != nil {
			return err
		}

		job.Status = model.JobRunning
		job.LockedBy = s.settings.WorkerID
		job.LockedAt = &now
		job.Attempt++
		job.Error = ""
		claimed = job
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: claim %s", source)
	}
	if claimed != nil {
		s.log.Info("claimed job",
			zap.String("job_id", claimed.ID),
			zap.String("source", source),
			zap.Int("attempt", claimed.Attempt),
		)
	}
	return claimed, nil
}

// Complete marks a leased job succeeded.
func (s *Scheduler) Complete(ctx context.Context, job *model.IngestionJob, result json.RawMessage) error {
	return s.finish(ctx, job, model.JobSucceeded, result, "", nil)
}

// Block marks a leased job blocked, a terminal state for work the source
// refused (captcha, auth wall, robots). It counts as a source failure.
func (s *Scheduler) Block(ctx context.Context, job *model.IngestionJob, reason string) error {
	return s.finish(ctx, job, model.JobBlocked, nil, reason, nil)
}

// Fail records a failed attempt. The job is requeued with backoff while
// attempts remain; otherwise it fails terminally. The returned status is
// the job's new state.
func (s *Scheduler) Fail(ctx context.Context, job *model.IngestionJob, cause error) (model.JobStatus, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempt < job.MaxAttempts {
		at := s.now().Add(resilience.Backoff(job.Attempt, s.settings.Requeue))
		if err := s.finish(ctx, job, model.JobQueued, nil, msg, &at); err != nil {
			return "", err
		}
		return model.JobQueued, nil
	}
	msg = msg + ": " + model.ErrMaxAttemptsExceeded.Error()
	if err := s.finish(ctx, job, model.JobFailed, nil, msg, nil); err != nil {
		return "", err
	}
	return model.JobFailed, nil
}

// Cancel cancels a queued job. Running jobs are never interrupted; only
// lease expiry reclaims them.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	ok, err := s.store.CancelJob(ctx, id, s.now())
	if err != nil {
		return eris.Wrapf(err, "orchestrator: cancel %s", id)
	}
	if ok {
		s.log.Info("cancelled job", zap.String("job_id", id))
		return nil
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: cancel %s", id)
	}
	if job == nil {
		return eris.Wrapf(model.ErrNotFound, "orchestrator: job %s", id)
	}
	return model.NewValidationError("status", "only queued jobs can be cancelled, job is "+string(job.Status))
}

// finish applies a lease-holder transition and, when terminal, folds the
// outcome into source health in the same transaction.
func (s *Scheduler) finish(ctx context.Context, job *model.IngestionJob, to model.JobStatus, result json.RawMessage, msg string, requeueAt *time.Time) error {
	if job == nil || job.ID == "" {
		return model.NewValidationError("job", "required")
	}
	now := s.now()
	err := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(q store.Queries) error {
			ok, err := q.TransitionJob(ctx, model.JobTransition{
				JobID:        job.ID,
				LockedBy:     job.LockedBy,
				Status:       to,
				Result:       result,
				Error:        msg,
				ScheduledFor: requeueAt,
				At:           now,
			})
			if err != nil {
				return err
			}
			if !ok {
				return eris.Wrapf(model.ErrLeaseLost, "job %s held by %q", job.ID, job.LockedBy)
			}
			if !to.IsTerminal() {
				return nil
			}
			if err := q.RecordSourceOutcome(ctx, job.SourceName, to == model.JobSucceeded, now); err != nil {
				return err
			}
			if to == model.JobFailed {
				return markFailing(ctx, q, job.SourceName, s.settings, now)
			}
			return nil
		})
	})
	if err != nil {
		return eris.Wrapf(err, "orchestrator: %s job %s", to, job.ID)
	}

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("source", job.SourceName),
		zap.String("status", string(to)),
		zap.Int("attempt", job.Attempt),
	}
	switch {
	case to == model.JobSucceeded:
		s.log.Info("job succeeded", fields...)
	case to == model.JobQueued:
		s.log.Warn("job requeued", append(fields, zap.String("error", msg), zap.Timep("scheduled_for", requeueAt))...)
	case to == model.JobFailed:
		s.log.Warn("job failed", append(fields, zap.String("error", msg), zap.Error(model.ErrMaxAttemptsExceeded))...)
	default:
		s.log.Warn("job "+string(to), append(fields, zap.String("reason", msg))...)
	}

	job.Status = to
	job.LockedBy = ""
	job.LockedAt = nil
	job.Error = msg
	if requeueAt != nil {
		job.ScheduledFor = *requeueAt
	}
	return nil
}

// markFailing puts a source whose job exhausted its attempts straight into
// the failing health state.
func markFailing(ctx context.Context, q store.Queries, source string, settings Settings, at time.Time) error {
	if settings.FailingThreshold <= 0 {
		return nil
	}
	return q.RaiseSourceFailures(ctx, source, settings.FailingThreshold, at)
}

// IsLeaseLost reports whether err means the caller no longer owns the job.
func IsLeaseLost(err error) bool {
	return errors.Is(err, model.ErrLeaseLost)
}
