// Package anomaly classifies a new observation against the trusted value of
// a field and raises modification_detected evidence for changes that
// contradict the vehicle's static identity.
package anomaly

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// Class is the outcome of comparing an observation with the trusted value.
type Class string

const (
	ClassUnchanged    Class = "unchanged"
	ClassCorrection   Class = "correction"
	ClassModification Class = "modification_detected"
)

// Rule says how a field is allowed to change over a vehicle's life.
type Rule string

const (
	// RuleIdentity fields are fixed at manufacture.
	RuleIdentity Rule = "identity"
	// RuleMonotonic fields only grow.
	RuleMonotonic Rule = "monotonic"
	// RuleFree fields may change in any direction.
	RuleFree Rule = "free"
)

// Rules maps field names to their change rule. Unlisted fields are free.
type Rules map[string]Rule

// DefaultRules returns the built-in field rules.
func DefaultRules() Rules {
	return Rules{
		"drivetrain":   RuleIdentity,
		"engine":       RuleIdentity,
		"transmission": RuleIdentity,
		"body_style":   RuleIdentity,
		"fuel_type":    RuleIdentity,
		"odometer":     RuleMonotonic,
		"mileage":      RuleMonotonic,
	}
}

func (r Rules) of(field string) Rule {
	if rule, ok := r[field]; ok {
		return rule
	}
	return RuleFree
}

// Baseline is the trusted value an observation is compared against.
type Baseline struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Classification explains one comparison.
type Classification struct {
	Class    Class    `json:"class"`
	Rule     Rule     `json:"rule"`
	Baseline Baseline `json:"baseline"`
	Reason   string   `json:"reason"`
}

// Classify compares observed with the baseline under the field's rule.
func Classify(rules Rules, field, observed string, base Baseline) Classification {
	rule := rules.of(field)
	c := Classification{Rule: rule, Baseline: base}

	if base.Value == "" {
		c.Class = ClassUnchanged
		c.Reason = "no trusted value to compare against"
		return c
	}
	if normalize.Value(observed) == normalize.Value(base.Value) {
		c.Class = ClassUnchanged
		c.Reason = "matches trusted value"
		return c
	}

	switch rule {
	case RuleIdentity:
		c.Class = ClassModification
		c.Reason = "differs from " + base.Source + " identity value " + base.Value
	case RuleMonotonic:
		prev, okPrev := parseNumber(base.Value)
		next, okNext := parseNumber(observed)
		switch {
		case !okPrev || !okNext:
			c.Class = ClassCorrection
			c.Reason = "non-numeric reading"
		case next < prev:
			c.Class = ClassModification
			c.Reason = "reading went backwards from " + base.Value
		default:
			c.Class = ClassCorrection
			c.Reason = "reading advanced"
		}
	default:
		c.Class = ClassCorrection
		c.Reason = "value changed"
	}
	return c
}

// parseNumber reads "42,118 mi" as 42118.
func parseNumber(s string) (float64, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	return v, err == nil
}

// Outcome is the result of Observe.
type Outcome struct {
	Classification
	Recorded []evidence.Recorded `json:"recorded"`
}

// Detector records observations and raises modification evidence.
type Detector struct {
	store    store.Store
	evidence *evidence.Service
	rules    Rules
	trust    float64
	log      *zap.Logger
}

// NewDetector creates a Detector. Modification evidence is recorded with
// the trust table's modification_detected weight.
func NewDetector(s store.Store, ev *evidence.Service, rules Rules, trust model.TrustTable) *Detector {
	if rules == nil {
		rules = DefaultRules()
	}
	if trust == nil {
		trust = model.DefaultTrustTable()
	}
	elevated, _ := trust.Lookup(model.SourceModificationDetected)
	return &Detector{
		store:    s,
		evidence: ev,
		rules:    rules,
		trust:    elevated,
		log:      zap.L().With(zap.String("component", "anomaly.detector")),
	}
}

// Baseline returns the value obs should be compared against. Identity
// fields prefer the newest non-rejected official decode; everything else
// uses the canonical field.
func (d *Detector) Baseline(ctx context.Context, entityID, field string) (Baseline, error) {
	if d.rules.of(field) == RuleIdentity {
		evs, err := d.store.ListEvidence(ctx, entityID, field)
		if err != nil {
			return Baseline{}, eris.Wrapf(err, "anomaly: list evidence %s.%s", entityID, field)
		}
		for _, ev := range evs {
			if ev.SourceType == model.SourceOfficialDecode && ev.Status != model.EvidenceRejected {
				return Baseline{Value: ev.ProposedValue, Source: string(model.SourceOfficialDecode)}, nil
			}
		}
	}

	f, err := d.store.GetCanonicalField(ctx, entityID, field)
	if err != nil {
		return Baseline{}, eris.Wrapf(err, "anomaly: canonical %s.%s", entityID, field)
	}
	if f == nil {
		return Baseline{}, nil
	}
	return Baseline{Value: f.Value, Source: "canonical"}, nil
}

// Observe classifies obs against the baseline of the entity it resolves
// to, records it, and for a modification also records pending
// modification_detected evidence in the same batch. The canonical value is
// never changed here.
func (d *Detector) Observe(ctx context.Context, obs evidence.Observation) (*Outcome, error) {
	entityID, err := d.evidence.ResolveEntity(ctx, obs.EntityID)
	if err != nil {
		return nil, err
	}
	base, err := d.Baseline(ctx, entityID, obs.FieldName)
	if err != nil {
		return nil, err
	}
	class := Classify(d.rules, obs.FieldName, obs.Value, base)

	batch := evidence.Batch{Observations: []evidence.Observation{obs}}
	if class.Class == ClassModification {
		trust := d.trust
		batch.Observations = append(batch.Observations, evidence.Observation{
			EntityID:   entityID,
			FieldName:  obs.FieldName,
			Value:      obs.Value,
			SourceType: model.SourceModificationDetected,
			SourceName: "anomaly",
			Trust:      &trust,
			ObservedAt: obs.ObservedAt,
			Signals: model.SupportingSignals{
				Kind: model.SourceModificationDetected,
				Modification: &model.ModificationSignals{
					BaselineValue:  base.Value,
					BaselineSource: base.Source,
					Rule:           string(class.Rule),
				},
			},
		})
	}

	recs, err := d.evidence.RecordBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Classification: class, Recorded: recs}
	if class.Class == ClassModification {
		d.log.Info("modification detected",
			zap.String("entity_id", entityID),
			zap.String("field", obs.FieldName),
			zap.String("baseline", base.Value),
			zap.String("observed", obs.Value),
		)
	}
	return out, nil
}
