package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ev(id string, st model.SourceType, trust float64, value string) model.FieldEvidence {
	return model.FieldEvidence{
		ID:            id,
		EntityID:      "veh-1",
		FieldName:     "color",
		ProposedValue: value,
		SourceType:    st,
		SourceTrust:   trust,
		ObservedAt:    now.Add(-time.Hour),
		Status:        model.EvidencePending,
	}
}

func TestCompute_ZeroEvidence(t *testing.T) {
	res := Compute("veh-1", "color", nil, DefaultPolicy(), now)
	assert.Equal(t, model.ActionInsufficientEvidence, res.Action)
	assert.Empty(t, res.AssignedValue)
	assert.Empty(t, res.ContributingEvidenceIDs)
}

func TestCompute_OnlyRejected(t *testing.T) {
	e := ev("e1", model.SourceManual, 40, "red")
	e.Status = model.EvidenceRejected
	res := Compute("veh-1", "color", []model.FieldEvidence{e}, DefaultPolicy(), now)
	assert.Equal(t, model.ActionInsufficientEvidence, res.Action)
}

func TestCompute_TrustBeatsCount(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("m1", model.SourceManual, 40, "red"),
		ev("d1", model.SourceOfficialDecode, 95, "blue"),
	}
	res := Compute("veh-1", "color", evs, DefaultPolicy(), now)

	assert.Equal(t, "blue", res.AssignedValue)
	assert.Equal(t, model.ActionUseConsensus, res.Action)
	// 95 * (1 - 0.25*0.40)
	assert.InDelta(t, 85.5, res.Confidence, 0.01)
	assert.Equal(t, []string{"d1"}, res.ContributingEvidenceIDs)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "red", res.Candidates[1].Value)
}

func TestCompute_TrustNotCountManyManual(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("m1", model.SourceManual, 40, "red"),
		ev("m2", model.SourceManual, 40, "red"),
		ev("m3", model.SourceManual, 40, "red"),
		ev("d1", model.SourceOfficialDecode, 95, "blue"),
	}
	res := Compute("veh-1", "color", evs, DefaultPolicy(), now)
	assert.Equal(t, "blue", res.AssignedValue)
}

func TestCompute_SingleSourceTypeIsCapped(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("a1", model.SourceAuction, 65, "red"),
		ev("a2", model.SourceAuction, 65, "red"),
		ev("a3", model.SourceAuction, 65, "red"),
	}
	res := Compute("veh-1", "color", evs, DefaultPolicy(), now)
	assert.Equal(t, 60.0, res.Confidence)
	assert.Equal(t, model.ActionFlagForReview, res.Action)
	assert.Contains(t, res.Reason, model.ErrConflictBelowThreshold.Error())
	assert.Len(t, res.ContributingEvidenceIDs, 3)
}

func TestCompute_SingleAuthoritativeSourceWins(t *testing.T) {
	evs := []model.FieldEvidence{ev("d1", model.SourceOfficialDecode, 95, "AWD")}
	res := Compute("veh-1", "drivetrain", evs, DefaultPolicy(), now)
	assert.Equal(t, 95.0, res.Confidence)
	assert.Equal(t, model.ActionUseConsensus, res.Action)
}

func TestCompute_IndependentAgreement(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("a1", model.SourceAuction, 70, "Guards Red"),
		ev("k1", model.SourceMarketplace, 55, "guards  red"),
	}
	res := Compute("veh-1", "color", evs, DefaultPolicy(), now)
	// 1 - 0.3*0.45 = 0.865, capped at 85 for two types.
	assert.Equal(t, 85.0, res.Confidence)
	assert.Equal(t, model.ActionUseConsensus, res.Action)
	assert.Equal(t, "Guards Red", res.AssignedValue)
	assert.ElementsMatch(t, []string{"a1", "k1"}, res.ContributingEvidenceIDs)
}

func TestCompute_WeighsRecordedTrust(t *testing.T) {
	// A decode recorded with a low explicit trust is not treated as
	// authoritative just because its source type usually is.
	evs := []model.FieldEvidence{ev("d1", model.SourceOfficialDecode, 20, "AWD")}
	res := Compute("veh-1", "drivetrain", evs, DefaultPolicy(), now)
	assert.Equal(t, 20.0, res.Confidence)
	assert.Equal(t, model.ActionFlagForReview, res.Action)

	evs = []model.FieldEvidence{ev("m1", model.SourceManual, 99, "red")}
	res = Compute("veh-1", "color", evs, DefaultPolicy(), now)
	assert.Equal(t, 99.0, res.Confidence)
	assert.Equal(t, model.ActionUseConsensus, res.Action)
}

func TestCompute_PendingModificationForcesReview(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("d1", model.SourceOfficialDecode, 95, "RWD"),
		ev("x1", model.SourceModificationDetected, 85, "AWD"),
	}
	res := Compute("veh-1", "drivetrain", evs, DefaultPolicy(), now)
	assert.Equal(t, model.ActionFlagForReview, res.Action)
	assert.Equal(t, "RWD", res.AssignedValue)
	assert.Contains(t, res.Reason, "modification detected")
	require.Len(t, res.Candidates, 1)
}

func TestCompute_AcceptedModificationVotes(t *testing.T) {
	mod := ev("x1", model.SourceModificationDetected, 85, "AWD")
	mod.Status = model.EvidenceAccepted
	evs := []model.FieldEvidence{ev("m1", model.SourceManual, 40, "RWD"), mod}
	res := Compute("veh-1", "drivetrain", evs, DefaultPolicy(), now)
	assert.Equal(t, "AWD", res.AssignedValue)
	assert.Equal(t, model.ActionUseConsensus, res.Action)
}

func TestCompute_OnlyPendingModification(t *testing.T) {
	evs := []model.FieldEvidence{ev("x1", model.SourceModificationDetected, 85, "AWD")}
	res := Compute("veh-1", "drivetrain", evs, DefaultPolicy(), now)
	assert.Equal(t, model.ActionFlagForReview, res.Action)
	assert.Empty(t, res.AssignedValue)
}

func TestCompute_DecayFavorsRecent(t *testing.T) {
	old := ev("a1", model.SourceAuction, 80, "red")
	old.ObservedAt = now.AddDate(-3, 0, 0)
	fresh := ev("k1", model.SourceMarketplace, 60, "blue")

	p := DefaultPolicy()
	decay, err := NewDecay(CurveExponential, 365, 0, 0.1)
	require.NoError(t, err)
	p.Decay = decay

	res := Compute("veh-1", "color", []model.FieldEvidence{old, fresh}, p, now)
	assert.Equal(t, "blue", res.AssignedValue)

	res = Compute("veh-1", "color", []model.FieldEvidence{old, fresh}, DefaultPolicy(), now)
	assert.Equal(t, "red", res.AssignedValue)
}

func TestCompute_Deterministic(t *testing.T) {
	evs := []model.FieldEvidence{
		ev("a1", model.SourceAuction, 50, "red"),
		ev("k1", model.SourceMarketplace, 50, "blue"),
	}
	first := Compute("veh-1", "color", evs, DefaultPolicy(), now)
	for range 20 {
		again := Compute("veh-1", "color", evs, DefaultPolicy(), now)
		assert.Equal(t, first.AssignedValue, again.AssignedValue)
	}
	assert.Equal(t, "blue", first.AssignedValue)
}

// Adding an independent agreeing observation never lowers confidence.
func TestCompute_ConfidenceMonotonic(t *testing.T) {
	p := DefaultPolicy()
	base := []model.FieldEvidence{
		ev("m1", model.SourceManual, 40, "red"),
		ev("k1", model.SourceMarketplace, 30, "blue"),
	}
	additions := []model.FieldEvidence{
		ev("a1", model.SourceAuction, 75, "red"),
		ev("i1", model.SourceImageMetadata, 60, "red"),
		ev("d1", model.SourceOfficialDecode, 95, "red"),
		ev("a2", model.SourceAuction, 90, "red"),
	}

	prev := Compute("veh-1", "color", base, p, now).Confidence
	evs := base
	for _, add := range additions {
		evs = append(evs, add)
		res := Compute("veh-1", "color", evs, p, now)
		assert.Equal(t, "red", res.AssignedValue)
		assert.GreaterOrEqual(t, res.Confidence, prev, "adding %s lowered confidence", add.ID)
		prev = res.Confidence
	}
}
