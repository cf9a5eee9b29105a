package model

// TrustTable maps a source type to its reliability weight in [0,100]. It is
// passed explicitly to the components that need it.
type TrustTable map[SourceType]float64

// DefaultTrustTable returns the built-in weights used when no trust file is
// configured.
func DefaultTrustTable() TrustTable {
	return TrustTable{
		SourceOfficialDecode:       95,
		SourceAuction:              70,
		SourceMarketplace:          55,
		SourceImageMetadata:        50,
		SourceManual:               40,
		SourceModificationDetected: 85,
	}
}

// Lookup returns the weight for st.
func (t TrustTable) Lookup(st SourceType) (float64, bool) {
	v, ok := t[st]
	return v, ok
}

// Validate rejects unknown source types and weights outside [0,100].
func (t TrustTable) Validate() error {
	for st, v := range t {
		if _, ok := ParseSourceType(string(st)); !ok {
			return NewValidationError("trust."+string(st), "unknown source type")
		}
		if v < 0 || v > 100 {
			return NewValidationError("trust."+string(st), "must be within [0,100]")
		}
	}
	return nil
}
