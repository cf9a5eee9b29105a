package model

import (
	"strings"
	"time"
)

// EvidenceStatus is the review state of one observation. It is the only
// mutable column on an evidence row.
type EvidenceStatus string

const (
	EvidencePending    EvidenceStatus = "pending"
	EvidenceAccepted   EvidenceStatus = "accepted"
	EvidenceRejected   EvidenceStatus = "rejected"
	EvidenceSuperseded EvidenceStatus = "superseded"
)

// SourceType classifies where an observation came from. Consensus counts
// agreement across distinct source types, not distinct rows.
type SourceType string

const (
	SourceOfficialDecode       SourceType = "official_decode"
	SourceAuction              SourceType = "auction"
	SourceMarketplace          SourceType = "marketplace"
	SourceManual               SourceType = "manual"
	SourceImageMetadata        SourceType = "image_metadata"
	SourceModificationDetected SourceType = "modification_detected"
)

// KnownSourceTypes lists every source type accepted at ingestion.
var KnownSourceTypes = []SourceType{
	SourceOfficialDecode,
	SourceAuction,
	SourceMarketplace,
	SourceManual,
	SourceImageMetadata,
	SourceModificationDetected,
}

// ParseSourceType returns the source type for s, or false if it is unknown.
func ParseSourceType(s string) (SourceType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range KnownSourceTypes {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// DecodeSignals backs an official_decode observation.
type DecodeSignals struct {
	Decoder string `json:"decoder"`
	VIN     string `json:"vin,omitempty"`
}

// ListingSignals backs an auction or marketplace observation.
type ListingSignals struct {
	Platform  string `json:"platform"`
	URL       string `json:"url"`
	ListingID string `json:"listing_id,omitempty"`
}

// ImageSignals backs an image_metadata observation.
type ImageSignals struct {
	Fingerprint string     `json:"fingerprint"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	Lat         *float64   `json:"lat,omitempty"`
	Lon         *float64   `json:"lon,omitempty"`
}

// ManualSignals backs a manual observation.
type ManualSignals struct {
	UserID string `json:"user_id,omitempty"`
	Note   string `json:"note,omitempty"`
}

// ModificationSignals backs a modification_detected observation.
type ModificationSignals struct {
	BaselineValue  string `json:"baseline_value"`
	BaselineSource string `json:"baseline_source"`
	Rule           string `json:"rule"`
}

// SupportingSignals is the tagged context attached to an observation. Kind
// must match the evidence source type and selects which member is populated.
type SupportingSignals struct {
	Kind         SourceType           `json:"kind"`
	Decode       *DecodeSignals       `json:"decode,omitempty"`
	Listing      *ListingSignals      `json:"listing,omitempty"`
	Image        *ImageSignals        `json:"image,omitempty"`
	Manual       *ManualSignals       `json:"manual,omitempty"`
	Modification *ModificationSignals `json:"modification,omitempty"`
}

// Validate checks that exactly the member selected by Kind is populated and
// carries its required fields.
func (s SupportingSignals) Validate(st SourceType) error {
	if s.Kind == "" {
		s.Kind = st
	}
	if s.Kind != st {
		return NewValidationError("signals.kind", "does not match source_type "+string(st))
	}

	set := 0
	for _, present := range []bool{s.Decode != nil, s.Listing != nil, s.Image != nil, s.Manual != nil, s.Modification != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return NewValidationError("signals", "more than one signal member populated")
	}

	switch st {
	case SourceOfficialDecode:
		if s.Decode == nil || s.Decode.Decoder == "" {
			return NewValidationError("signals.decode.decoder", "required for official_decode")
		}
	case SourceAuction, SourceMarketplace:
		if s.Listing == nil || s.Listing.URL == "" {
			return NewValidationError("signals.listing.url", "required for "+string(st))
		}
	case SourceImageMetadata:
		if s.Image == nil || s.Image.Fingerprint == "" {
			return NewValidationError("signals.image.fingerprint", "required for image_metadata")
		}
		if err := ValidateCapturePoint(s.Image.Lat, s.Image.Lon); err != nil {
			return err
		}
	case SourceManual:
		if set == 1 && s.Manual == nil {
			return NewValidationError("signals", "manual observations only carry manual signals")
		}
	case SourceModificationDetected:
		if s.Modification == nil || s.Modification.Rule == "" {
			return NewValidationError("signals.modification.rule", "required for modification_detected")
		}
	default:
		return NewValidationError("source_type", "unknown source type "+string(st))
	}
	return nil
}

// FieldEvidence is one attributed observation of a field value.
type FieldEvidence struct {
	ID            string            `json:"id"`
	EntityID      string            `json:"entity_id"`
	FieldName     string            `json:"field_name"`
	ProposedValue string            `json:"proposed_value"`
	SourceType    SourceType        `json:"source_type"`
	SourceName    string            `json:"source_name,omitempty"`
	SourceTrust   float64           `json:"source_trust"`
	Signals       SupportingSignals `json:"supporting_signals"`
	ObservedAt    time.Time         `json:"observed_at"`
	Status        EvidenceStatus    `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
