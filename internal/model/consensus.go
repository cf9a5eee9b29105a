package model

import "time"

// ConsensusAction is the resolver outcome for one (entity, field).
type ConsensusAction string

const (
	ActionUseConsensus         ConsensusAction = "use_consensus"
	ActionFlagForReview        ConsensusAction = "flag_for_review"
	ActionInsufficientEvidence ConsensusAction = "insufficient_evidence"
)

// Candidate is one distinct normalized value considered by the resolver.
type Candidate struct {
	Value       string       `json:"value"`
	Support     float64      `json:"support"`
	SourceTypes []SourceType `json:"source_types"`
	EvidenceIDs []string     `json:"evidence_ids"`
}

// ConsensusResult is the cached, recomputable arbitration for one field.
type ConsensusResult struct {
	EntityID                string          `json:"entity_id"`
	FieldName               string          `json:"field_name"`
	AssignedValue           string          `json:"assigned_value,omitempty"`
	Confidence              float64         `json:"confidence"`
	ContributingEvidenceIDs []string        `json:"contributing_evidence_ids"`
	Action                  ConsensusAction `json:"action"`
	Reason                  string          `json:"reason,omitempty"`
	Candidates              []Candidate     `json:"candidates,omitempty"`
	Applied                 bool            `json:"applied"`
	ComputedAt              time.Time       `json:"computed_at"`
}

// MatchBasis names the signal that proposed a duplicate group.
type MatchBasis string

const (
	BasisImageSignature MatchBasis = "image_signature"
	BasisGeoTime        MatchBasis = "geo_time"
	BasisAttributeMatch MatchBasis = "attribute_match"
)

// DuplicateCandidateGroup is a proposed set of entities believed to be the
// same vehicle. CanonicalID is always one of MemberIDs.
type DuplicateCandidateGroup struct {
	Signature   string     `json:"signature"`
	CanonicalID string     `json:"canonical_id"`
	MemberIDs   []string   `json:"member_entity_ids"`
	MatchBasis  MatchBasis `json:"match_basis"`
	Confidence  float64    `json:"confidence"`
	Reason      string     `json:"reason,omitempty"`
}

// Duplicates returns the members other than the canonical one.
func (g DuplicateCandidateGroup) Duplicates() []string {
	out := make([]string, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		if id != g.CanonicalID {
			out = append(out, id)
		}
	}
	return out
}

// ChildMoveCounts tallies the children moved and skipped for one kind.
type ChildMoveCounts struct {
	Moved   int `json:"moved"`
	Skipped int `json:"skipped"`
}

// MergeRecord is the append-only audit of one executed (or planned) merge.
type MergeRecord struct {
	ID            string                        `json:"id,omitempty"`
	CanonicalID   string                        `json:"canonical_entity_id"`
	AbsorbedID    string                        `json:"absorbed_entity_id"`
	MatchBasis    MatchBasis                    `json:"match_basis,omitempty"`
	Confidence    float64                       `json:"confidence"`
	MovedChildren map[ChildKind]ChildMoveCounts `json:"moved_children"`
	Skipped       []ChildRef                    `json:"skipped,omitempty"`
	TouchedFields []string                      `json:"touched_fields,omitempty"`
	DryRun        bool                          `json:"dry_run"`
	AlreadyMerged bool                          `json:"already_merged"`
	ExecutedAt    time.Time                     `json:"executed_at"`
}

// TotalMoved sums moved children across kinds.
func (r *MergeRecord) TotalMoved() int {
	n := 0
	for _, c := range r.MovedChildren {
		n += c.Moved
	}
	return n
}
