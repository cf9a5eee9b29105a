// Package dedup proposes groups of entities that describe the same vehicle.
// Each match basis is sufficient on its own; bases are never combined.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/config"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/store"
)

// Thresholds bound one sweep.
type Thresholds struct {
	MinSignatureSize int           `json:"min_signature_size"`
	CommonMediaCap   int           `json:"common_media_cap"`
	GeoRadiusMeters  float64       `json:"geo_radius_meters"`
	SessionWindow    time.Duration `json:"session_window"`
	DateSlack        time.Duration `json:"date_slack"`
	GroupLimit       int           `json:"group_limit"`
	// Bases restricts the sweep. Empty runs every basis.
	Bases []model.MatchBasis `json:"bases,omitempty"`
}

// DefaultThresholds returns the built-in sweep bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSignatureSize: 10,
		CommonMediaCap:   5,
		GeoRadiusMeters:  250,
		SessionWindow:    2 * time.Hour,
		DateSlack:        24 * time.Hour,
		GroupLimit:       50,
	}
}

// ThresholdsFromConfig maps configuration onto Thresholds. Zero values keep
// the defaults, except date slack where zero means same-day only.
func ThresholdsFromConfig(cfg config.DedupConfig) Thresholds {
	th := DefaultThresholds()
	if cfg.MinSignatureSize > 0 {
		th.MinSignatureSize = cfg.MinSignatureSize
	}
	if cfg.CommonMediaCap > 0 {
		th.CommonMediaCap = cfg.CommonMediaCap
	}
	if cfg.GeoRadiusMeters > 0 {
		th.GeoRadiusMeters = cfg.GeoRadiusMeters
	}
	if cfg.SessionWindowMinutes > 0 {
		th.SessionWindow = time.Duration(cfg.SessionWindowMinutes) * time.Minute
	}
	if cfg.DateSlackDays >= 0 {
		th.DateSlack = time.Duration(cfg.DateSlackDays) * 24 * time.Hour
	}
	if cfg.GroupLimit > 0 {
		th.GroupLimit = cfg.GroupLimit
	}
	return th
}

func (th Thresholds) enabled(b model.MatchBasis) bool {
	if len(th.Bases) == 0 {
		return true
	}
	for _, x := range th.Bases {
		if x == b {
			return true
		}
	}
	return false
}

// basisRank orders bases when identical member sets are proposed twice.
var basisRank = map[model.MatchBasis]int{
	model.BasisAttributeMatch: 0,
	model.BasisImageSignature: 1,
	model.BasisGeoTime:        2,
}

// snapshot is everything one sweep reads.
type snapshot struct {
	entities    map[string]*model.Entity
	order       []string
	media       map[string][]model.Media
	listings    map[string][]model.Listing
	identifiers map[string][]model.Identifier
}

// Finder runs duplicate sweeps over active entities.
type Finder struct {
	store store.Store
	log   *zap.Logger
}

// NewFinder creates a Finder.
func NewFinder(s store.Store) *Finder {
	return &Finder{
		store: s,
		log:   zap.L().With(zap.String("component", "dedup.finder")),
	}
}

// Sweep proposes duplicate groups among active entities, strongest first,
// at most th.GroupLimit of them. An entity appears in at most one group, so
// the whole result can be merged as one plan. It reads only, so repeated
// sweeps are safe.
func (f *Finder) Sweep(ctx context.Context, th Thresholds) ([]model.DuplicateCandidateGroup, error) {
	snap, err := f.load(ctx)
	if err != nil {
		return nil, err
	}

	var groups []model.DuplicateCandidateGroup
	if th.enabled(model.BasisAttributeMatch) {
		groups = append(groups, attributeGroups(snap)...)
	}
	if th.enabled(model.BasisImageSignature) {
		groups = append(groups, signatureGroups(snap, th)...)
	}
	if th.enabled(model.BasisGeoTime) {
		groups = append(groups, geoTimeGroups(snap, th)...)
	}

	groups = dropRepeatedMembers(groups)
	for i := range groups {
		groups[i].CanonicalID = pickCanonical(snap, groups[i].MemberIDs)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if basisRank[a.MatchBasis] != basisRank[b.MatchBasis] {
			return basisRank[a.MatchBasis] < basisRank[b.MatchBasis]
		}
		return a.Signature < b.Signature
	})
	groups = keepDisjoint(groups)
	if th.GroupLimit > 0 && len(groups) > th.GroupLimit {
		groups = groups[:th.GroupLimit]
	}

	f.log.Info("duplicate sweep complete",
		zap.Int("entities", len(snap.order)),
		zap.Int("groups", len(groups)),
	)
	return groups, nil
}

func (f *Finder) load(ctx context.Context) (*snapshot, error) {
	ents, err := f.store.ListEntities(ctx, store.EntityFilter{Status: model.EntityActive})
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list entities")
	}
	media, err := f.store.ListMedia(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list media")
	}
	listings, err := f.store.ListListings(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list listings")
	}
	idents, err := f.store.ListIdentifiers(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: list identifiers")
	}

	snap := &snapshot{
		entities:    make(map[string]*model.Entity, len(ents)),
		media:       make(map[string][]model.Media),
		listings:    make(map[string][]model.Listing),
		identifiers: make(map[string][]model.Identifier),
	}
	for i := range ents {
		snap.entities[ents[i].ID] = &ents[i]
		snap.order = append(snap.order, ents[i].ID)
	}
	sort.Strings(snap.order)
	for _, m := range media {
		if _, ok := snap.entities[m.EntityID]; ok {
			snap.media[m.EntityID] = append(snap.media[m.EntityID], m)
		}
	}
	for _, l := range listings {
		if _, ok := snap.entities[l.EntityID]; ok {
			snap.listings[l.EntityID] = append(snap.listings[l.EntityID], l)
		}
	}
	for _, id := range idents {
		if _, ok := snap.entities[id.EntityID]; ok {
			snap.identifiers[id.EntityID] = append(snap.identifiers[id.EntityID], id)
		}
	}
	return snap, nil
}

// dropRepeatedMembers keeps one group per distinct member set, preferring
// higher confidence and then the stronger basis.
func dropRepeatedMembers(groups []model.DuplicateCandidateGroup) []model.DuplicateCandidateGroup {
	best := make(map[string]int)
	var out []model.DuplicateCandidateGroup
	for _, g := range groups {
		key := strings.Join(g.MemberIDs, ",")
		i, ok := best[key]
		if !ok {
			best[key] = len(out)
			out = append(out, g)
			continue
		}
		cur := out[i]
		if g.Confidence > cur.Confidence ||
			(g.Confidence == cur.Confidence && basisRank[g.MatchBasis] < basisRank[cur.MatchBasis]) {
			out[i] = g
		}
	}
	return out
}

// keepDisjoint walks groups in rank order and drops any group that shares a
// member with a group already kept. Dropped pairs surface again on the next
// sweep once the kept merge has landed.
func keepDisjoint(groups []model.DuplicateCandidateGroup) []model.DuplicateCandidateGroup {
	claimed := make(map[string]bool)
	out := groups[:0]
	for _, g := range groups {
		overlaps := false
		for _, id := range g.MemberIDs {
			if claimed[id] {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		for _, id := range g.MemberIDs {
			claimed[id] = true
		}
		out = append(out, g)
	}
	return out
}

// pickCanonical ranks members by data richness: final sale price, then sold
// status, then external listings, then identifiers, then most recent update,
// then lowest id.
func pickCanonical(snap *snapshot, members []string) string {
	type rank struct {
		id                                   string
		salePrice, sold, listed, identifiers bool
		updated                              time.Time
	}
	ranks := make([]rank, 0, len(members))
	for _, id := range members {
		e := snap.entities[id]
		r := rank{id: id}
		if e != nil {
			r.salePrice = e.SalePrice != nil && *e.SalePrice > 0
			r.sold = strings.EqualFold(e.SaleStatus, string(model.ListingSold))
			r.updated = e.UpdatedAt
		}
		for _, l := range snap.listings[id] {
			if l.Status == model.ListingSold {
				r.sold = true
			}
		}
		r.listed = len(snap.listings[id]) > 0
		r.identifiers = len(snap.identifiers[id]) > 0 || (e != nil && e.VIN != "")
		ranks = append(ranks, r)
	}

	better := func(a, b rank) bool {
		for _, p := range [][2]bool{
			{a.salePrice, b.salePrice},
			{a.sold, b.sold},
			{a.listed, b.listed},
			{a.identifiers, b.identifiers},
		} {
			if p[0] != p[1] {
				return p[0]
			}
		}
		if !a.updated.Equal(b.updated) {
			return a.updated.After(b.updated)
		}
		return a.id < b.id
	}

	best := ranks[0]
	for _, r := range ranks[1:] {
		if better(r, best) {
			best = r
		}
	}
	return best.id
}

func newGroup(basis model.MatchBasis, key string, members []string, confidence float64, reason string) model.DuplicateCandidateGroup {
	sort.Strings(members)
	sum := sha256.Sum256([]byte(key))
	return model.DuplicateCandidateGroup{
		Signature:  string(basis) + ":" + hex.EncodeToString(sum[:8]),
		MemberIDs:  members,
		MatchBasis: basis,
		Confidence: confidence,
		Reason:     reason,
	}
}
