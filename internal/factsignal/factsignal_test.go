package factsignal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func sig(label model.SignalLabel, v float64, ageDays int, src string) model.FactSignal {
	return model.FactSignal{Label: label, Value: v, AsOf: now.AddDate(0, 0, -ageDays), SourceID: src}
}

func ptr(v float64) *float64 { return &v }

func TestResolve_PrecedenceAndAnchor(t *testing.T) {
	res := Resolve("veh-1", []model.FactSignal{
		sig(model.SignalListPrice, 40000, 3000, "msrp"),
		sig(model.SignalAskIfListed, 72000, 1, "listing:ask"),
		sig(model.SignalLiveBid, 65000, 0, "listing:bid"),
		sig(model.SignalHistoricalPurchase, 50000, 900, "purchase"),
	}, week, now)

	require.NotNil(t, res.Primary)
	assert.Equal(t, model.SignalLiveBid, res.Primary.Label)
	assert.Equal(t, 2, res.Tier)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, model.SignalHistoricalPurchase, res.Anchor.Label)
	assert.Equal(t, 15000.0, *res.Delta)
	assert.Equal(t, 30.0, *res.DeltaPct)
	assert.Equal(t, 80.0, res.Confidence)

	// Every contributor is reported, strongest tier first.
	assert.Equal(t, []string{"listing:bid", "listing:ask", "purchase", "msrp"}, res.Sources)
	assert.Equal(t, []string{"confirmed_sale", "internal_estimate"}, res.MissingFields)
	assert.Len(t, res.Signals, 4)
}

func TestResolve_AnchorSkipsPrimaryLabel(t *testing.T) {
	res := Resolve("veh-1", []model.FactSignal{
		sig(model.SignalHistoricalPurchase, 30000, 400, "purchase"),
		sig(model.SignalListPrice, 25000, 4000, "msrp"),
	}, week, now)

	assert.Equal(t, model.SignalHistoricalPurchase, res.Primary.Label)
	require.NotNil(t, res.Anchor)
	assert.Equal(t, model.SignalListPrice, res.Anchor.Label)
	assert.Equal(t, 20.0, *res.DeltaPct)
	// Historical facts do not decay.
	assert.Equal(t, 45.0, res.Confidence)
}

func TestResolve_NoAnchor(t *testing.T) {
	res := Resolve("veh-1", []model.FactSignal{sig(model.SignalConfirmedSale, 91000, 30, "sale")}, week, now)
	assert.Equal(t, 1, res.Tier)
	assert.Nil(t, res.Anchor)
	assert.Nil(t, res.Delta)
	assert.Nil(t, res.DeltaPct)
	assert.Contains(t, res.MissingFields, "anchor")
	assert.Equal(t, 95.0, res.Confidence)
}

func TestResolve_Empty(t *testing.T) {
	res := Resolve("veh-1", nil, week, now)
	assert.Nil(t, res.Primary)
	assert.Zero(t, res.Tier)
	assert.Zero(t, res.Confidence)
	assert.Len(t, res.MissingFields, len(Precedence))
	assert.Empty(t, res.Sources)
}

func TestResolve_FreshnessAndSourceCount(t *testing.T) {
	stale := Resolve("veh-1", []model.FactSignal{sig(model.SignalAskIfListed, 50000, 14, "a")}, week, now)
	assert.Equal(t, 32.5, stale.Confidence, "half of 65 at twice the window")

	ancient := Resolve("veh-1", []model.FactSignal{sig(model.SignalAskIfListed, 50000, 300, "a")}, week, now)
	assert.Equal(t, 32.5, ancient.Confidence, "floored")

	multi := Resolve("veh-1", []model.FactSignal{
		sig(model.SignalAskIfListed, 50000, 1, "a"),
		sig(model.SignalAskIfListed, 51000, 2, "b"),
		sig(model.SignalAskIfListed, 49000, 3, "c"),
	}, week, now)
	assert.Equal(t, 69.0, multi.Confidence)
	assert.Equal(t, "a", multi.Primary.SourceID, "newest wins within a tier")
	assert.Equal(t, []string{"a", "b", "c"}, multi.Sources)

	capped := make([]model.FactSignal, 0, 10)
	for i := 0; i < 10; i++ {
		capped = append(capped, sig(model.SignalConfirmedSale, 1, 0, string(rune('a'+i))))
	}
	assert.Equal(t, 100.0, Resolve("veh-1", capped, week, now).Confidence)
}

func TestResolve_Deterministic(t *testing.T) {
	in := []model.FactSignal{
		sig(model.SignalAskIfListed, 50000, 1, "b"),
		sig(model.SignalAskIfListed, 52000, 1, "a"),
	}
	first := Resolve("veh-1", in, week, now)
	second := Resolve("veh-1", []model.FactSignal{in[1], in[0]}, week, now)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", first.Primary.SourceID)
}

func TestGather(t *testing.T) {
	ended := now.Add(-time.Hour)
	ent := model.Entity{ID: "veh-1", SalePrice: ptr(88000), UpdatedAt: now}
	listings := []model.Listing{
		{ID: "l1", Status: model.ListingSold, SoldPrice: ptr(87500), UpdatedAt: now},
		{ID: "l2", Status: model.ListingLive, CurrentBid: ptr(60000), UpdatedAt: now},
		{ID: "l3", Status: model.ListingLive, CurrentBid: ptr(61000), EndsAt: &ended, UpdatedAt: now},
		{ID: "l4", Status: model.ListingActive, AskingPrice: ptr(90000), UpdatedAt: now},
		{ID: "l5", Status: model.ListingEnded, AskingPrice: ptr(95000), UpdatedAt: now},
	}
	fields := []model.CanonicalField{
		{EntityID: "veh-1", FieldName: "estimated_value", Value: "$84,000", UpdatedAt: now},
		{EntityID: "veh-1", FieldName: "purchase_price", Value: "not a number", UpdatedAt: now},
		{EntityID: "veh-1", FieldName: "color", Value: "blue", UpdatedAt: now},
	}

	got := Gather(ent, listings, fields, now)
	labels := map[string]model.SignalLabel{}
	for _, s := range got {
		labels[s.SourceID] = s.Label
	}
	assert.Equal(t, map[string]model.SignalLabel{
		"entity:veh-1:sale_price":     model.SignalConfirmedSale,
		"listing:l1":                  model.SignalConfirmedSale,
		"listing:l2":                  model.SignalLiveBid,
		"listing:l4":                  model.SignalAskIfListed,
		"field:veh-1:estimated_value": model.SignalInternalEstimate,
	}, labels)
}

func TestResolver_FromStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.CreateEntity(ctx, &model.Entity{ID: "veh-1", Year: 1990, Make: "Nissan", Model: "Skyline"}))
	require.NoError(t, s.InsertListing(ctx, &model.Listing{
		EntityID: "veh-1", Platform: "bat", URL: "https://example.test/l/1",
		Status: model.ListingActive, AskingPrice: ptr(62000), UpdatedAt: now,
	}))
	ok, err := s.CompareAndSetField(ctx, model.CanonicalField{
		EntityID: "veh-1", FieldName: FieldMSRP, Value: "31000", Confidence: 90, UpdatedAt: now,
	}, 0)
	require.NoError(t, err)
	require.True(t, ok)

	r := NewResolver(s, 7).WithNow(func() time.Time { return now })
	out, err := r.Resolve(ctx, []string{"veh-1", "ghost", "veh-1"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "veh-1", out[0].EntityID)
	assert.Equal(t, model.SignalAskIfListed, out[0].Primary.Label)
	assert.Equal(t, model.SignalListPrice, out[0].Anchor.Label)
	assert.Equal(t, 100.0, *out[0].DeltaPct)

	assert.Equal(t, "ghost", out[1].EntityID)
	assert.Nil(t, out[1].Primary)

	_, err = r.Resolve(ctx, []string{" "})
	assert.True(t, model.IsValidation(err))
}
