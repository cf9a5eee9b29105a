// Package merge folds duplicate entities into a canonical one without
// deleting anything.
package merge

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// errDryRun rolls back the merge transaction once planning is complete.
var errDryRun = errors.New("merge: dry run")

// Executor runs merges. All steps of one merge share a transaction that
// holds row locks on both entities.
type Executor struct {
	store    store.Store
	resolver *consensus.Resolver
	now      func() time.Time
	log      *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(s store.Store) *Executor {
	return &Executor{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "merge.executor")),
	}
}

// WithResolver makes the executor recompute consensus for every field whose
// evidence moved onto the canonical entity.
func (x *Executor) WithResolver(r *consensus.Resolver) *Executor {
	x.resolver = r
	return x
}

// WithNow fixes the clock for tests.
func (x *Executor) WithNow(now func() time.Time) *Executor {
	x.now = now
	return x
}

// Merge absorbs duplicateID into canonicalID. Re-running a completed merge
// is a no-op that reports AlreadyMerged. With dryRun the plan is built by
// the same code and the transaction is rolled back before any write.
func (x *Executor) Merge(ctx context.Context, canonicalID, duplicateID string, dryRun bool) (*model.MergeRecord, error) {
	return x.merge(ctx, canonicalID, duplicateID, "", 0, dryRun)
}

// ExecuteGroup merges every duplicate of g into its canonical member, in
// member order.
func (x *Executor) ExecuteGroup(ctx context.Context, g model.DuplicateCandidateGroup, dryRun bool) ([]model.MergeRecord, error) {
	if g.CanonicalID == "" {
		return nil, model.NewValidationError("canonical_id", "required")
	}
	var out []model.MergeRecord
	for _, dup := range g.Duplicates() {
		rec, err := x.merge(ctx, g.CanonicalID, dup, g.MatchBasis, g.Confidence, dryRun)
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// ExecutePlan runs ExecuteGroup for each group with at most parallelism
// groups in flight. Groups touching the same entity serialize on its row
// lock. Results keep the order of groups.
func (x *Executor) ExecutePlan(ctx context.Context, groups []model.DuplicateCandidateGroup, dryRun bool, parallelism int) ([][]model.MergeRecord, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	out := make([][]model.MergeRecord, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, grp := range groups {
		g.Go(func() error {
			recs, err := x.ExecuteGroup(gctx, grp, dryRun)
			if err != nil {
				return eris.Wrapf(err, "merge: group %s", grp.Signature)
			}
			out[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// History lists merges in which the entity took part, oldest first.
func (x *Executor) History(ctx context.Context, entityID string) ([]model.MergeRecord, error) {
	recs, err := x.store.ListMergeRecords(ctx, entityID)
	return recs, eris.Wrapf(err, "merge: history %s", entityID)
}

func (x *Executor) merge(ctx context.Context, canonicalID, duplicateID string, basis model.MatchBasis, confidence float64, dryRun bool) (*model.MergeRecord, error) {
	if canonicalID == "" || duplicateID == "" {
		return nil, model.NewValidationError("entity_id", "canonical and duplicate ids are required")
	}
	if canonicalID == duplicateID {
		return nil, model.NewValidationError("duplicate_id", "cannot merge an entity into itself")
	}

	log := x.log.With(zap.String("canonical_id", canonicalID), zap.String("duplicate_id", duplicateID))
	var rec *model.MergeRecord

	err := x.store.InTx(ctx, func(q store.Queries) error {
		rec = &model.MergeRecord{
			CanonicalID:   canonicalID,
			AbsorbedID:    duplicateID,
			MatchBasis:    basis,
			Confidence:    confidence,
			MovedChildren: make(map[model.ChildKind]model.ChildMoveCounts),
			DryRun:        dryRun,
			ExecutedAt:    x.now(),
		}

		ents, err := q.LockEntities(ctx, canonicalID, duplicateID)
		if err != nil {
			return err
		}
		var canon, dup *model.Entity
		for i := range ents {
			switch ents[i].ID {
			case canonicalID:
				canon = &ents[i]
			case duplicateID:
				dup = &ents[i]
			}
		}
		if canon == nil {
			return eris.Wrapf(model.ErrNotFound, "canonical entity %s", canonicalID)
		}
		if dup == nil {
			return eris.Wrapf(model.ErrNotFound, "duplicate entity %s", duplicateID)
		}

		if dup.IsMerged() {
			rec.AlreadyMerged = true
			if dup.MergedInto != canonicalID {
				log.Warn("duplicate already merged elsewhere", zap.String("merged_into", dup.MergedInto))
			}
			return nil
		}
		if canon.IsMerged() {
			return model.NewValidationError("canonical_id", "entity "+canonicalID+" is merged into "+canon.MergedInto)
		}

		moves, err := x.plan(ctx, q, rec, canonicalID, duplicateID, log)
		if err != nil {
			return err
		}
		if dryRun {
			return errDryRun
		}

		for _, ref := range moves {
			ok, err := q.MoveChild(ctx, ref, duplicateID, canonicalID)
			if err != nil {
				return err
			}
			if !ok {
				counts := rec.MovedChildren[ref.Kind]
				counts.Moved--
				counts.Skipped++
				rec.MovedChildren[ref.Kind] = counts
				rec.Skipped = append(rec.Skipped, ref)
				log.Warn("child left on duplicate", zap.String("kind", string(ref.Kind)), zap.String("child_id", ref.ID),
					zap.Error(model.ErrMergeInvariantSkip))
			}
		}

		if err := q.AddCounters(ctx, canonicalID, dup.ViewCount, dup.WatchCount, rec.ExecutedAt); err != nil {
			return err
		}
		marked, err := q.MarkMerged(ctx, duplicateID, canonicalID, rec.ExecutedAt)
		if err != nil {
			return err
		}
		if !marked {
			return eris.Errorf("merge: %s changed status under lock", duplicateID)
		}
		return q.InsertMergeRecord(ctx, rec)
	})

	switch {
	case errors.Is(err, errDryRun):
		return rec, nil
	case err != nil:
		return nil, eris.Wrapf(err, "merge: %s <- %s", canonicalID, duplicateID)
	}

	if rec.AlreadyMerged {
		log.Info("merge already applied")
		return rec, nil
	}
	log.Info("merged entities", zap.Int("moved", rec.TotalMoved()), zap.Int("skipped", len(rec.Skipped)))
	x.recompute(ctx, rec)
	return rec, nil
}

// plan decides, kind by kind, which children move and which stay because
// the canonical entity already holds a child with the same uniqueness key.
func (x *Executor) plan(ctx context.Context, q store.Queries, rec *model.MergeRecord, canonicalID, duplicateID string, log *zap.Logger) ([]model.ChildRef, error) {
	var moves []model.ChildRef
	touched := make(map[string]bool)

	for _, kind := range model.ChildKinds {
		dupRefs, err := q.ListChildren(ctx, kind, duplicateID)
		if err != nil {
			return nil, err
		}
		if len(dupRefs) == 0 {
			continue
		}
		canonRefs, err := q.ListChildren(ctx, kind, canonicalID)
		if err != nil {
			return nil, err
		}
		taken := make(map[string]bool, len(canonRefs))
		for _, ref := range canonRefs {
			if ref.Key != "" {
				taken[ref.Key] = true
			}
		}

		var counts model.ChildMoveCounts
		for _, ref := range dupRefs {
			if ref.Key != "" && taken[ref.Key] {
				counts.Skipped++
				rec.Skipped = append(rec.Skipped, ref)
				log.Warn("child left on duplicate", zap.String("kind", string(kind)), zap.String("child_id", ref.ID),
					zap.String("key", ref.Key), zap.Error(model.ErrMergeInvariantSkip))
				continue
			}
			if ref.Key != "" {
				taken[ref.Key] = true
			}
			counts.Moved++
			moves = append(moves, ref)

			if kind == model.ChildEvidence {
				ev, err := q.GetEvidence(ctx, ref.ID)
				if err != nil {
					return nil, err
				}
				if ev != nil {
					touched[ev.FieldName] = true
				}
			}
		}
		rec.MovedChildren[kind] = counts
	}

	for f := range touched {
		rec.TouchedFields = append(rec.TouchedFields, f)
	}
	sort.Strings(rec.TouchedFields)
	return moves, nil
}

// recompute refreshes consensus for fields that gained evidence. Failures
// are logged; the merge itself has already committed.
func (x *Executor) recompute(ctx context.Context, rec *model.MergeRecord) {
	if x.resolver == nil {
		return
	}
	for _, field := range rec.TouchedFields {
		if _, err := x.resolver.Recompute(ctx, rec.CanonicalID, field, consensus.Options{AutoAssign: true}); err != nil {
			x.log.Warn("recompute after merge failed",
				zap.String("canonical_id", rec.CanonicalID),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}
}
