package consensus

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/lock"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/resilience"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// Options controls one recomputation.
type Options struct {
	// AutoAssign writes the winning value to the canonical field when the
	// action is use_consensus.
	AutoAssign bool
}

// View is the consensus query answer for one (entity, field).
type View struct {
	Result    *model.ConsensusResult `json:"result"`
	Canonical *model.CanonicalField  `json:"canonical,omitempty"`
	Trail     []model.FieldEvidence  `json:"trail"`
	Cached    bool                   `json:"cached"`
}

// Resolver recomputes and caches consensus. Recomputation of one
// (entity, field) is serialized by the Locker, and canonical writes use
// compare-and-swap on the field version.
type Resolver struct {
	store  store.Store
	locker lock.Locker
	policy Policy
	retry  resilience.RetryConfig
	now    func() time.Time
	log    *zap.Logger
}

// NewResolver creates a Resolver. A nil locker uses an in-process one.
func NewResolver(s store.Store, locker lock.Locker, policy Policy) *Resolver {
	if locker == nil {
		locker = lock.NewLocal()
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 5
	retry.ShouldRetry = resilience.IsContention
	retry.OnRetry = resilience.RetryLogger("consensus", "recompute")
	return &Resolver{
		store:  s,
		locker: locker,
		policy: policy,
		retry:  retry,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.L().With(zap.String("component", "consensus.resolver")),
	}
}

// WithNow fixes the clock for tests.
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Policy returns the resolver's policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Recompute arbitrates the pair from its full evidence set, caches the
// result and, when asked and confident enough, applies it.
func (r *Resolver) Recompute(ctx context.Context, entityID, field string, opts Options) (*model.ConsensusResult, error) {
	release, err := r.locker.Acquire(ctx, lock.FieldKey(entityID, field))
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: lock %s.%s", entityID, field)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("release field lock", zap.String("entity_id", entityID), zap.String("field", field), zap.Error(err))
		}
	}()

	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*model.ConsensusResult, error) {
		var out model.ConsensusResult
		err := r.store.InTx(ctx, func(q store.Queries) error {
			res, err := r.recomputeTx(ctx, q, entityID, field, opts)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
		if err != nil {
			return nil, eris.Wrapf(err, "consensus: recompute %s.%s", entityID, field)
		}
		return &out, nil
	})
}

func (r *Resolver) recomputeTx(ctx context.Context, q store.Queries, entityID, field string, opts Options) (model.ConsensusResult, error) {
	ent, err := q.GetEntity(ctx, entityID)
	if err != nil {
		return model.ConsensusResult{}, err
	}
	if ent == nil {
		return model.ConsensusResult{}, eris.Wrapf(model.ErrNotFound, "entity %s", entityID)
	}

	evs, err := q.ListEvidence(ctx, entityID, field)
	if err != nil {
		return model.ConsensusResult{}, err
	}

	now := r.now()
	res := Compute(entityID, field, evs, r.policy, now)

	if opts.AutoAssign && res.Action == model.ActionUseConsensus {
		if err := r.apply(ctx, q, &res, evs, now); err != nil {
			return model.ConsensusResult{}, err
		}
	}

	if err := q.UpsertConsensus(ctx, res); err != nil {
		return model.ConsensusResult{}, err
	}

	r.log.Debug("recomputed consensus",
		zap.String("entity_id", entityID),
		zap.String("field", field),
		zap.String("action", string(res.Action)),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("applied", res.Applied),
	)
	return res, nil
}

// apply writes the winning value and settles evidence statuses. A lost
// compare-and-swap surfaces as ErrVersionConflict so the caller retries.
func (r *Resolver) apply(ctx context.Context, q store.Queries, res *model.ConsensusResult, evs []model.FieldEvidence, now time.Time) error {
	cur, err := q.GetCanonicalField(ctx, res.EntityID, res.FieldName)
	if err != nil {
		return err
	}

	if cur == nil || cur.Value != res.AssignedValue || cur.Confidence != res.Confidence {
		var expect int64
		if cur != nil {
			expect = cur.Version
		}
		ok, err := q.CompareAndSetField(ctx, model.CanonicalField{
			EntityID:   res.EntityID,
			FieldName:  res.FieldName,
			Value:      res.AssignedValue,
			Confidence: res.Confidence,
			UpdatedAt:  now,
		}, expect)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrapf(model.ErrVersionConflict, "field %s.%s at version %d", res.EntityID, res.FieldName, expect)
		}
		if _, err := q.ApplyEntityAttribute(ctx, res.EntityID, res.FieldName, res.AssignedValue, now); err != nil {
			return err
		}
	}

	winners := make(map[string]bool, len(res.ContributingEvidenceIDs))
	for _, id := range res.ContributingEvidenceIDs {
		winners[id] = true
	}
	var losers []string
	for _, ev := range evs {
		if ev.Status == model.EvidenceRejected || winners[ev.ID] {
			continue
		}
		losers = append(losers, ev.ID)
	}

	if _, err := q.SetEvidenceStatus(ctx, res.ContributingEvidenceIDs, model.EvidenceAccepted); err != nil {
		return err
	}
	if _, err := q.SetEvidenceStatus(ctx, losers, model.EvidenceSuperseded); err != nil {
		return err
	}
	res.Applied = true
	return nil
}

// Get returns the cached result with the canonical value and full trail.
// When nothing is cached yet the result is computed on the fly and not
// stored.
func (r *Resolver) Get(ctx context.Context, entityID, field string) (*View, error) {
	trail, err := r.store.ListEvidence(ctx, entityID, field)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: trail %s.%s", entityID, field)
	}
	canonical, err := r.store.GetCanonicalField(ctx, entityID, field)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: canonical %s.%s", entityID, field)
	}
	cached, err := r.store.GetConsensus(ctx, entityID, field)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: cached %s.%s", entityID, field)
	}

	v := &View{Canonical: canonical, Trail: trail, Cached: cached != nil}
	if cached != nil {
		v.Result = cached
	} else {
		res := Compute(entityID, field, trail, r.policy, r.now())
		v.Result = &res
	}
	return v, nil
}

// ApplyRecorded recomputes every distinct pair in recs that asked for
// auto-consensus. It keeps going past failures and returns the first one.
func (r *Resolver) ApplyRecorded(ctx context.Context, recs []evidence.Recorded) ([]model.ConsensusResult, error) {
	var (
		out      []model.ConsensusResult
		firstErr error
	)
	for _, rec := range evidence.Targets(recs) {
		res, err := r.Recompute(ctx, rec.EntityID, rec.FieldName, Options{AutoAssign: true})
		if err != nil {
			r.log.Warn("auto-consensus failed",
				zap.String("entity_id", rec.EntityID),
				zap.String("field", rec.FieldName),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, *res)
	}
	return out, firstErr
}
