package model

import "time"

// SignalLabel names one kind of competing value for a derived fact.
type SignalLabel string

const (
	SignalConfirmedSale      SignalLabel = "confirmed_sale"
	SignalLiveBid            SignalLabel = "live_bid"
	SignalAskIfListed        SignalLabel = "ask_if_listed"
	SignalInternalEstimate   SignalLabel = "internal_estimate"
	SignalHistoricalPurchase SignalLabel = "historical_purchase"
	SignalListPrice          SignalLabel = "list_price"
)

// FactSignal is one live value for a derived fact. It is computed on read
// and never stored.
type FactSignal struct {
	Label    SignalLabel `json:"label"`
	Value    float64     `json:"value"`
	AsOf     time.Time   `json:"as_of"`
	SourceID string      `json:"source_id"`
}

// SignalResolution is the resolved view of one entity's price signals.
type SignalResolution struct {
	EntityID      string       `json:"entity_id"`
	Primary       *FactSignal  `json:"primary,omitempty"`
	Anchor        *FactSignal  `json:"anchor,omitempty"`
	Delta         *float64     `json:"delta,omitempty"`
	DeltaPct      *float64     `json:"delta_pct,omitempty"`
	Tier          int          `json:"tier"`
	Confidence    float64      `json:"confidence"`
	Sources       []string     `json:"sources"`
	MissingFields []string     `json:"missing_fields"`
	Signals       []FactSignal `json:"signals,omitempty"`
}
