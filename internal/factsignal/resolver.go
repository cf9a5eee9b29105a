package factsignal

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// Canonical fields read as price signals.
const (
	FieldEstimatedValue = "estimated_value"
	FieldPurchasePrice  = "purchase_price"
	FieldMSRP           = "msrp"
)

var fieldLabels = map[string]model.SignalLabel{
	FieldEstimatedValue: model.SignalInternalEstimate,
	FieldPurchasePrice:  model.SignalHistoricalPurchase,
	FieldMSRP:           model.SignalListPrice,
}

// Resolver gathers signals from the store and resolves them on read.
// Nothing it computes is persisted.
type Resolver struct {
	store store.Store
	fresh time.Duration
	now   func() time.Time
	log   *zap.Logger
}

// NewResolver creates a Resolver. freshDays <= 0 disables freshness decay.
func NewResolver(s store.Store, freshDays int) *Resolver {
	return &Resolver{
		store: s,
		fresh: time.Duration(freshDays) * 24 * time.Hour,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.L().With(zap.String("component", "factsignal.resolver")),
	}
}

// WithNow fixes the clock for tests.
func (r *Resolver) WithNow(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns one resolution per distinct id, in request order.
// Unknown ids resolve to an empty result with every label missing.
func (r *Resolver) Resolve(ctx context.Context, entityIDs []string) ([]model.SignalResolution, error) {
	ids := dedupe(entityIDs)
	if len(ids) == 0 {
		return nil, model.NewValidationError("entity_ids", "at least one id is required")
	}

	entities, err := r.store.ListEntities(ctx, store.EntityFilter{IDs: ids, Limit: len(ids)})
	if err != nil {
		return nil, eris.Wrap(err, "factsignal: load entities")
	}
	listings, err := r.store.ListListings(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "factsignal: load listings")
	}

	byID := make(map[string]model.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	listingsBy := make(map[string][]model.Listing)
	for _, l := range listings {
		listingsBy[l.EntityID] = append(listingsBy[l.EntityID], l)
	}

	now := r.now()
	out := make([]model.SignalResolution, 0, len(ids))
	for _, id := range ids {
		ent, ok := byID[id]
		if !ok {
			r.log.Debug("unknown entity", zap.String("entity_id", id))
			out = append(out, Resolve(id, nil, r.fresh, now))
			continue
		}
		fields, err := r.store.ListCanonicalFields(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "factsignal: canonical fields %s", id)
		}
		signals := Gather(ent, listingsBy[id], fields, now)
		out = append(out, Resolve(id, signals, r.fresh, now))
	}
	return out, nil
}

// Gather turns an entity's sale state, listings and price fields into
// signals. A live bid whose auction already ended is ignored.
func Gather(ent model.Entity, listings []model.Listing, fields []model.CanonicalField, now time.Time) []model.FactSignal {
	var out []model.FactSignal

	if ent.SalePrice != nil && *ent.SalePrice > 0 {
		out = append(out, model.FactSignal{
			Label:    model.SignalConfirmedSale,
			Value:    *ent.SalePrice,
			AsOf:     ent.UpdatedAt,
			SourceID: "entity:" + ent.ID + ":sale_price",
		})
	}

	for _, l := range listings {
		src := "listing:" + l.ID
		switch l.Status {
		case model.ListingSold:
			if l.SoldPrice != nil && *l.SoldPrice > 0 {
				out = append(out, model.FactSignal{Label: model.SignalConfirmedSale, Value: *l.SoldPrice, AsOf: l.UpdatedAt, SourceID: src})
			}
		case model.ListingLive:
			if l.CurrentBid != nil && *l.CurrentBid > 0 && (l.EndsAt == nil || l.EndsAt.After(now)) {
				out = append(out, model.FactSignal{Label: model.SignalLiveBid, Value: *l.CurrentBid, AsOf: l.UpdatedAt, SourceID: src})
			}
		case model.ListingActive:
			if l.AskingPrice != nil && *l.AskingPrice > 0 {
				out = append(out, model.FactSignal{Label: model.SignalAskIfListed, Value: *l.AskingPrice, AsOf: l.UpdatedAt, SourceID: src})
			}
		}
	}

	for _, f := range fields {
		label, ok := fieldLabels[f.FieldName]
		if !ok {
			continue
		}
		v, ok := parseAmount(f.Value)
		if !ok || v <= 0 {
			continue
		}
		out = append(out, model.FactSignal{
			Label:    label,
			Value:    v,
			AsOf:     f.UpdatedAt,
			SourceID: "field:" + f.EntityID + ":" + f.FieldName,
		})
	}
	return out
}

var amountCleaner = strings.NewReplacer("$", "", ",", "", "_", "", " ", "", "USD", "", "usd", "")

func parseAmount(s string) (float64, bool) {
	v, err := strconv.ParseFloat(amountCleaner.Replace(strings.TrimSpace(s)), 64)
	return v, err == nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
