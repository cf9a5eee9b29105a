package model

import (
	"strings"
	"time"
)

// EntityStatus is the lifecycle state of a vehicle record.
type EntityStatus string

const (
	EntityActive   EntityStatus = "active"
	EntityMerged   EntityStatus = "merged"
	EntityArchived EntityStatus = "archived"
)

// Visibility controls whether an entity is shown to end users.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Entity is a vehicle. Entities are never hard-deleted.
type Entity struct {
	ID         string       `json:"id"`
	Year       int          `json:"year,omitempty"`
	Make       string       `json:"make,omitempty"`
	Model      string       `json:"model,omitempty"`
	VIN        string       `json:"vin,omitempty"`
	Title      string       `json:"title,omitempty"`
	Region     string       `json:"region,omitempty"`
	OwnerID    string       `json:"owner_id,omitempty"`
	Status     EntityStatus `json:"status"`
	Visibility Visibility   `json:"visibility"`
	MergedInto string       `json:"merged_into,omitempty"`
	SalePrice  *float64     `json:"sale_price,omitempty"`
	SaleStatus string       `json:"sale_status,omitempty"`
	ViewCount  int64        `json:"view_count"`
	WatchCount int64        `json:"watch_count"`
	Version    int64        `json:"version"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// IsMerged reports whether the entity has been absorbed into another.
func (e *Entity) IsMerged() bool {
	return e.Status == EntityMerged
}

// CanonicalField is the trusted value of one field on an entity. Version is
// a compare-and-swap counter; writers must present the version they read.
type CanonicalField struct {
	EntityID   string    `json:"entity_id"`
	FieldName  string    `json:"field_name"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Media is an image attached to an entity. Fingerprint is a content hash and
// is unique per entity.
type Media struct {
	ID          string     `json:"id"`
	EntityID    string     `json:"entity_id"`
	Fingerprint string     `json:"fingerprint"`
	URL         string     `json:"url,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	Lat         *float64   `json:"lat,omitempty"`
	Lon         *float64   `json:"lon,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// HasLocation reports whether the media carries a capture point.
func (m *Media) HasLocation() bool {
	return m.Lat != nil && m.Lon != nil
}

// ListingStatus is the state of an external marketplace listing.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingLive   ListingStatus = "live"
	ListingEnded  ListingStatus = "ended"
	ListingSold   ListingStatus = "sold"
)

// Listing links an entity to an external marketplace or auction page.
type Listing struct {
	ID          string        `json:"id"`
	EntityID    string        `json:"entity_id"`
	Platform    string        `json:"platform"`
	URL         string        `json:"url"`
	Status      ListingStatus `json:"status"`
	AskingPrice *float64      `json:"asking_price,omitempty"`
	CurrentBid  *float64      `json:"current_bid,omitempty"`
	SoldPrice   *float64      `json:"sold_price,omitempty"`
	EndsAt      *time.Time    `json:"ends_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Identifier is an external identifier such as a VIN decode or a registry id.
type Identifier struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	System    string    `json:"system"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a derived timeline event. EventKey is unique per entity.
type Event struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	EventKey   string    `json:"event_key"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// ChildKind names a table whose rows reference an entity.
type ChildKind string

const (
	ChildMedia      ChildKind = "media"
	ChildEvidence   ChildKind = "evidence"
	ChildEvent      ChildKind = "event"
	ChildListing    ChildKind = "listing"
	ChildIdentifier ChildKind = "identifier"
)

// ChildKinds lists every child kind in merge order.
var ChildKinds = []ChildKind{ChildMedia, ChildEvidence, ChildEvent, ChildListing, ChildIdentifier}

// ChildRef is a reference to one child row. Key is the value that must be
// unique per entity for the kind; it is empty for kinds without a uniqueness
// invariant.
type ChildRef struct {
	Kind ChildKind `json:"kind"`
	ID   string    `json:"id"`
	Key  string    `json:"key,omitempty"`
}

// ValidateCapturePoint accepts a missing point or a WGS 84 lat/lon pair.
func ValidateCapturePoint(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return NewValidationError("lat", "lat and lon must be given together")
	}
	if lat == nil {
		return nil
	}
	if *lat < -90 || *lat > 90 {
		return NewValidationError("lat", "must be within [-90,90]")
	}
	if *lon < -180 || *lon > 180 {
		return NewValidationError("lon", "must be within [-180,180]")
	}
	return nil
}

// ParseListingStatus maps a raw status onto a ListingStatus. Empty means
// active.
func ParseListingStatus(s string) (ListingStatus, bool) {
	switch ListingStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "", ListingActive:
		return ListingActive, true
	case ListingLive:
		return ListingLive, true
	case ListingEnded:
		return ListingEnded, true
	case ListingSold:
		return ListingSold, true
	}
	return "", false
}
