package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// MaxMergeHops bounds how far LiveEntity follows merged_into pointers.
const MaxMergeHops = 8

// LiveEntity loads id and follows merged_into to the entity that absorbed
// it. It returns (nil, nil) when id, or any entity on its chain, is missing.
func LiveEntity(ctx context.Context, q Queries, id string) (*model.Entity, error) {
	cur := id
	for hop := 0; hop <= MaxMergeHops; hop++ {
		e, err := q.GetEntity(ctx, cur)
		if err != nil || e == nil {
			return nil, err
		}
		if !e.IsMerged() || e.MergedInto == "" {
			return e, nil
		}
		cur = e.MergedInto
	}
	return nil, eris.Errorf("store: merge chain from %s exceeds %d hops", id, MaxMergeHops)
}
