// Package consensus arbitrates competing evidence for one (entity, field)
// into a single value with a confidence score.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/vehicle-consensus/internal/config"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
)

// Policy holds every tunable the resolver reads. Observations are weighted
// by the trust recorded on each row; the trust table is applied when the
// evidence is recorded, not here.
type Policy struct {
	// AutoAssignThreshold is the confidence needed for use_consensus.
	AutoAssignThreshold float64

	// SingleSourceCap and TwoSourceCap bound confidence when the winning
	// value is backed by one or two distinct source types.
	SingleSourceCap float64
	TwoSourceCap    float64

	// ConflictPenalty scales how much the runner-up's support discounts
	// the winner.
	ConflictPenalty float64

	// AuthoritativeTrust lifts the source-count cap for a winner backed by
	// an observation whose trust exceeds it. Zero uses AutoAssignThreshold.
	AuthoritativeTrust float64

	Decay DecayFunc
}

// DefaultPolicy returns the built-in policy with no decay.
func DefaultPolicy() Policy {
	return Policy{
		AutoAssignThreshold: 70,
		SingleSourceCap:     60,
		TwoSourceCap:        85,
		ConflictPenalty:     0.25,
		Decay:               NoDecay,
	}
}

// NewPolicy builds a Policy from configuration.
func NewPolicy(cfg config.ConsensusConfig) (Policy, error) {
	p := DefaultPolicy()
	if cfg.AutoAssignThreshold > 0 {
		p.AutoAssignThreshold = cfg.AutoAssignThreshold
	}
	if cfg.SingleSourceCap > 0 {
		p.SingleSourceCap = cfg.SingleSourceCap
	}
	if cfg.ConflictPenalty > 0 {
		p.ConflictPenalty = cfg.ConflictPenalty
	}
	p.AuthoritativeTrust = cfg.AuthoritativeTrust

	decay, err := NewDecay(cfg.Decay.Curve, cfg.Decay.HalfLifeDays, cfg.Decay.HorizonDays, cfg.Decay.Floor)
	if err != nil {
		return Policy{}, err
	}
	p.Decay = decay
	return p, nil
}

func (p Policy) authoritative() float64 {
	if p.AuthoritativeTrust > 0 {
		return p.AuthoritativeTrust
	}
	return p.AutoAssignThreshold
}

func (p Policy) capFor(sourceTypes int) float64 {
	switch {
	case sourceTypes <= 1:
		return p.SingleSourceCap
	case sourceTypes == 2:
		return math.Max(p.TwoSourceCap, p.SingleSourceCap)
	default:
		return 100
	}
}

// group is the evidence backing one normalized value.
type group struct {
	key       string
	display   string
	displayW  float64
	byType    map[model.SourceType]float64
	maxTrust  float64
	maxWeight float64
	newest    time.Time
	ids       []string
	support   float64
}

// Compute arbitrates evidence without side effects. evidence may contain
// rows of any status; rejected rows are ignored.
func Compute(entityID, field string, evidence []model.FieldEvidence, p Policy, now time.Time) model.ConsensusResult {
	if p.Decay == nil {
		p.Decay = NoDecay
	}
	res := model.ConsensusResult{
		EntityID:                entityID,
		FieldName:               field,
		ContributingEvidenceIDs: []string{},
		ComputedAt:              now,
	}

	var (
		considered   int
		modification []string
		groups       = make(map[string]*group)
	)
	for _, ev := range evidence {
		if ev.Status == model.EvidenceRejected {
			continue
		}
		considered++
		if ev.SourceType == model.SourceModificationDetected && ev.Status == model.EvidencePending {
			modification = append(modification, ev.ID)
			continue
		}

		key := normalize.Value(ev.ProposedValue)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, byType: make(map[model.SourceType]float64)}
			groups[key] = g
		}

		trust := ev.SourceTrust
		w := clamp01(trust/100) * clamp01(p.Decay(now.Sub(ev.ObservedAt)))
		if cur, seen := g.byType[ev.SourceType]; !seen || w > cur {
			g.byType[ev.SourceType] = w
		}
		if w > g.displayW || g.display == "" {
			g.display = ev.ProposedValue
			g.displayW = w
		}
		g.maxTrust = math.Max(g.maxTrust, trust)
		g.maxWeight = math.Max(g.maxWeight, w)
		if ev.ObservedAt.After(g.newest) {
			g.newest = ev.ObservedAt
		}
		g.ids = append(g.ids, ev.ID)
	}

	if considered == 0 {
		res.Action = model.ActionInsufficientEvidence
		res.Reason = model.ErrInsufficientEvidence.Error()
		return res
	}

	ranked := make([]*group, 0, len(groups))
	for _, g := range groups {
		// Noisy-OR across source types: independent agreement raises
		// support, repetition within one type does not.
		miss := 1.0
		for _, w := range g.byType {
			miss *= 1 - w
		}
		g.support = 1 - miss
		ranked = append(ranked, g)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.support != b.support {
			return a.support > b.support
		}
		if len(a.byType) != len(b.byType) {
			return len(a.byType) > len(b.byType)
		}
		if a.maxWeight != b.maxWeight {
			return a.maxWeight > b.maxWeight
		}
		if !a.newest.Equal(b.newest) {
			return a.newest.After(b.newest)
		}
		return a.key < b.key
	})

	for _, g := range ranked {
		res.Candidates = append(res.Candidates, model.Candidate{
			Value:       g.display,
			Support:     round2(g.support * 100),
			SourceTypes: sortedTypes(g.byType),
			EvidenceIDs: g.ids,
		})
	}

	if len(ranked) == 0 {
		res.Action = model.ActionFlagForReview
		res.Reason = fmt.Sprintf("%d pending modification observation(s) and nothing else to weigh", len(modification))
		return res
	}

	winner := ranked[0]
	runnerUp := 0.0
	if len(ranked) > 1 {
		runnerUp = ranked[1].support
	}

	confidence := 100 * winner.support * (1 - p.ConflictPenalty*runnerUp)
	limit := p.capFor(len(winner.byType))
	if winner.maxTrust > p.authoritative() {
		limit = math.Max(limit, winner.maxTrust)
	}
	confidence = round2(math.Max(0, math.Min(confidence, limit)))

	res.AssignedValue = winner.display
	res.Confidence = confidence
	res.ContributingEvidenceIDs = winner.ids

	switch {
	case len(modification) > 0:
		res.Action = model.ActionFlagForReview
		res.Reason = fmt.Sprintf("modification detected: %d pending observation(s) need review", len(modification))
	case confidence >= p.AutoAssignThreshold:
		res.Action = model.ActionUseConsensus
	default:
		res.Action = model.ActionFlagForReview
		res.Reason = fmt.Sprintf("%s: %.2f < %.2f", model.ErrConflictBelowThreshold, confidence, p.AutoAssignThreshold)
	}
	return res
}

func sortedTypes(m map[model.SourceType]float64) []model.SourceType {
	out := make([]model.SourceType, 0, len(m))
	for st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
