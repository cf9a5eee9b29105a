package model

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestParseSourceType(t *testing.T) {
	st, ok := ParseSourceType(" Official_Decode ")
	assert.True(t, ok)
	assert.Equal(t, SourceOfficialDecode, st)

	_, ok = ParseSourceType("rumor")
	assert.False(t, ok)
}

func TestSupportingSignals_Validate(t *testing.T) {
	tests := []struct {
		name    string
		st      SourceType
		sig     SupportingSignals
		wantErr bool
	}{
		{name: "decode ok", st: SourceOfficialDecode, sig: SupportingSignals{Decode: &DecodeSignals{Decoder: "vpic"}}},
		{name: "decode missing", st: SourceOfficialDecode, sig: SupportingSignals{}, wantErr: true},
		{name: "auction ok", st: SourceAuction, sig: SupportingSignals{Kind: SourceAuction, Listing: &ListingSignals{URL: "https://bat.example/1"}}},
		{name: "auction missing url", st: SourceAuction, sig: SupportingSignals{Listing: &ListingSignals{Platform: "bat"}}, wantErr: true},
		{name: "kind mismatch", st: SourceAuction, sig: SupportingSignals{Kind: SourceManual}, wantErr: true},
		{name: "manual bare", st: SourceManual, sig: SupportingSignals{}},
		{name: "manual with image", st: SourceManual, sig: SupportingSignals{Image: &ImageSignals{Fingerprint: "x"}}, wantErr: true},
		{name: "image with point", st: SourceImageMetadata, sig: SupportingSignals{Image: &ImageSignals{Fingerprint: "x", Lat: ptr(45.5), Lon: ptr(-122.6)}}},
		{name: "image half point", st: SourceImageMetadata, sig: SupportingSignals{Image: &ImageSignals{Fingerprint: "x", Lat: ptr(45.5)}}, wantErr: true},
		{name: "image lat out of range", st: SourceImageMetadata, sig: SupportingSignals{Image: &ImageSignals{Fingerprint: "x", Lat: ptr(91), Lon: ptr(0)}}, wantErr: true},
		{name: "two members", st: SourceImageMetadata, sig: SupportingSignals{Image: &ImageSignals{Fingerprint: "x"}, Manual: &ManualSignals{}}, wantErr: true},
		{name: "modification ok", st: SourceModificationDetected, sig: SupportingSignals{Modification: &ModificationSignals{Rule: "identity"}}},
		{name: "unknown type", st: SourceType("gossip"), sig: SupportingSignals{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sig.Validate(tt.st)
			if tt.wantErr {
				assert.True(t, IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsValidation_ThroughWrap(t *testing.T) {
	err := eris.Wrap(NewValidationError("field_name", "empty"), "evidence: record")
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(ErrNotFound))
}

func TestDuplicateCandidateGroup_Duplicates(t *testing.T) {
	g := DuplicateCandidateGroup{CanonicalID: "b", MemberIDs: []string{"a", "b", "c"}}
	assert.Equal(t, []string{"a", "c"}, g.Duplicates())
}

func TestSourcePatch(t *testing.T) {
	enabled := false
	maxJobs := 4
	p := SourcePatch{IsEnabled: &enabled, MaxConcurrentJobs: &maxJobs}
	assert.NoError(t, p.Validate())

	sc := p.Apply(SourceControl{SourceName: "bat", IsEnabled: true, MaxConcurrentJobs: 1, Priority: 7})
	assert.False(t, sc.IsEnabled)
	assert.Equal(t, 4, sc.MaxConcurrentJobs)
	assert.Equal(t, 7, sc.Priority)

	neg := -1
	assert.True(t, IsValidation(SourcePatch{RateLimitSeconds: &neg}.Validate()))
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.True(t, JobSucceeded.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
	assert.True(t, JobBlocked.IsTerminal())
}

func ptr(f float64) *float64 { return &f }

func TestParseListingStatus(t *testing.T) {
	st, ok := ParseListingStatus("")
	assert.True(t, ok)
	assert.Equal(t, ListingActive, st)

	st, ok = ParseListingStatus(" SOLD ")
	assert.True(t, ok)
	assert.Equal(t, ListingSold, st)

	_, ok = ParseListingStatus("withdrawn")
	assert.False(t, ok)
}

func TestValidateCapturePoint(t *testing.T) {
	assert.NoError(t, ValidateCapturePoint(nil, nil))
	assert.NoError(t, ValidateCapturePoint(ptr(-90), ptr(180)))
	assert.True(t, IsValidation(ValidateCapturePoint(nil, ptr(10))))
	assert.True(t, IsValidation(ValidateCapturePoint(ptr(10), ptr(-181))))
}
