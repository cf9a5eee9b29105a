// Package factsignal resolves competing live price signals for an entity
// into one primary value, an anchor for comparison, and a confidence.
package factsignal

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

// Precedence orders signal labels from strongest to weakest. The tier of a
// resolution is the 1-based position of its primary label.
var Precedence = []model.SignalLabel{
	model.SignalConfirmedSale,
	model.SignalLiveBid,
	model.SignalAskIfListed,
	model.SignalInternalEstimate,
	model.SignalHistoricalPurchase,
	model.SignalListPrice,
}

// AnchorPrecedence orders the labels usable as a comparison anchor.
var AnchorPrecedence = []model.SignalLabel{
	model.SignalHistoricalPurchase,
	model.SignalListPrice,
}

// tierBase is the confidence of a fresh, single-source primary per label.
var tierBase = map[model.SignalLabel]float64{
	model.SignalConfirmedSale:      95,
	model.SignalLiveBid:            80,
	model.SignalAskIfListed:        65,
	model.SignalInternalEstimate:   55,
	model.SignalHistoricalPurchase: 45,
	model.SignalListPrice:          35,
}

// Labels that describe a past fact and so never go stale.
var timeless = map[model.SignalLabel]bool{
	model.SignalConfirmedSale:      true,
	model.SignalHistoricalPurchase: true,
	model.SignalListPrice:          true,
}

const (
	sourceBonus    = 2.0
	maxSourceBonus = 10.0
	minFreshness   = 0.5
)

// Resolve picks the primary and anchor from signals. It is pure: the same
// signals, freshness window and clock always give the same answer.
func Resolve(entityID string, signals []model.FactSignal, fresh time.Duration, now time.Time) model.SignalResolution {
	res := model.SignalResolution{
		EntityID:      entityID,
		Sources:       []string{},
		MissingFields: []string{},
	}

	byLabel := make(map[model.SignalLabel][]model.FactSignal)
	for _, s := range signals {
		byLabel[s.Label] = append(byLabel[s.Label], s)
	}
	for _, list := range byLabel {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].AsOf.Equal(list[j].AsOf) {
				return list[i].AsOf.After(list[j].AsOf)
			}
			return list[i].SourceID < list[j].SourceID
		})
	}

	for i, label := range Precedence {
		list := byLabel[label]
		if len(list) == 0 {
			res.MissingFields = append(res.MissingFields, string(label))
			continue
		}
		res.Signals = append(res.Signals, list...)
		for _, s := range list {
			res.Sources = append(res.Sources, s.SourceID)
		}
		if res.Primary == nil {
			p := list[0]
			res.Primary = &p
			res.Tier = i + 1
		}
	}

	if res.Primary == nil {
		return res
	}

	for _, label := range AnchorPrecedence {
		if label == res.Primary.Label {
			continue
		}
		if list := byLabel[label]; len(list) > 0 {
			a := list[0]
			res.Anchor = &a
			break
		}
	}
	if res.Anchor == nil {
		res.MissingFields = append(res.MissingFields, "anchor")
	} else {
		delta := round2(res.Primary.Value - res.Anchor.Value)
		res.Delta = &delta
		if res.Anchor.Value != 0 {
			pct := round2(delta / res.Anchor.Value * 100)
			res.DeltaPct = &pct
		}
	}

	res.Confidence = confidence(*res.Primary, len(byLabel[res.Primary.Label]), fresh, now)
	return res
}

// confidence is the tier base scaled by freshness, plus a bonus for every
// extra source reporting the same label.
func confidence(primary model.FactSignal, sources int, fresh time.Duration, now time.Time) float64 {
	c := tierBase[primary.Label] * freshness(primary, fresh, now)
	if sources > 1 {
		c += math.Min(maxSourceBonus, sourceBonus*float64(sources-1))
	}
	return round2(math.Min(100, c))
}

// freshness is 1 inside the window and falls as window/age beyond it,
// floored at minFreshness.
func freshness(s model.FactSignal, fresh time.Duration, now time.Time) float64 {
	if timeless[s.Label] || fresh <= 0 || s.AsOf.IsZero() {
		return 1
	}
	age := now.Sub(s.AsOf)
	if age <= fresh {
		return 1
	}
	return math.Max(minFreshness, float64(fresh)/float64(age))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
