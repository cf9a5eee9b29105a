package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/vehicle-consensus/internal/geo"
	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
)

// session is a burst of located captures for one entity.
type session struct {
	start, end time.Time
	centroid   *geom.Point
}

// captureSessions splits an entity's located, timestamped media into
// sessions separated by more than window.
func captureSessions(media []model.Media, window time.Duration) []session {
	type capture struct {
		at time.Time
		pt *geom.Point
	}
	var caps []capture
	for _, m := range media {
		if m.CapturedAt == nil || !m.HasLocation() {
			continue
		}
		caps = append(caps, capture{at: *m.CapturedAt, pt: geo.NewPoint(*m.Lat, *m.Lon)})
	}
	if len(caps) == 0 {
		return nil
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].at.Before(caps[j].at) })

	var (
		out []session
		pts []*geom.Point
		cur = session{start: caps[0].at, end: caps[0].at}
	)
	flush := func() {
		cur.centroid = geo.Centroid(pts)
		out = append(out, cur)
	}
	for _, c := range caps {
		if len(pts) > 0 && c.at.Sub(cur.end) > window {
			flush()
			cur = session{start: c.at, end: c.at}
			pts = nil
		}
		cur.end = c.at
		pts = append(pts, c.pt)
	}
	flush()
	return out
}

func sessionsMeet(a, b session, radius float64, slack time.Duration) bool {
	if a.start.Add(-slack).After(b.end) || b.start.Add(-slack).After(a.end) {
		return false
	}
	return geo.HaversineMeters(a.centroid, b.centroid) <= radius
}

// geoTimeGroups links entities of the same owner and year/make/model whose
// capture sessions happened close together in space and time. Links are
// closed transitively.
func geoTimeGroups(snap *snapshot, th Thresholds) []model.DuplicateCandidateGroup {
	cohorts := make(map[string][]string)
	for _, id := range snap.order {
		e := snap.entities[id]
		ymm := normalize.YMMKey(e.Year, e.Make, e.Model)
		if e.OwnerID == "" || ymm == "" {
			continue
		}
		k := e.OwnerID + "|" + ymm
		cohorts[k] = append(cohorts[k], id)
	}

	var out []model.DuplicateCandidateGroup
	for cohort, ids := range cohorts {
		if len(ids) < 2 {
			continue
		}
		sessions := make(map[string][]session, len(ids))
		for _, id := range ids {
			sessions[id] = captureSessions(snap.media[id], th.SessionWindow)
		}

		uf := newUnionFind(ids)
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				if anySessionsMeet(sessions[ids[i]], sessions[ids[j]], th) {
					uf.union(ids[i], ids[j])
				}
			}
		}

		for _, members := range uf.components() {
			if len(members) < 2 {
				continue
			}
			out = append(out, newGroup(model.BasisGeoTime, cohort+"|"+strings.Join(members, ","), members, 75,
				fmt.Sprintf("captures within %.0fm and overlapping dates for owner %s", th.GeoRadiusMeters, snap.entities[members[0]].OwnerID)))
		}
	}
	return out
}

func anySessionsMeet(a, b []session, th Thresholds) bool {
	for _, sa := range a {
		for _, sb := range b {
			if sessionsMeet(sa, sb, th.GeoRadiusMeters, th.DateSlack) {
				return true
			}
		}
	}
	return false
}

type unionFind struct {
	parent map[string]string
	order  []string
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(ids)), order: ids}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (u *unionFind) find(x string) string {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// components returns each set sorted, in order of first member.
func (u *unionFind) components() [][]string {
	byRoot := make(map[string][]string)
	var roots []string
	for _, id := range u.order {
		r := u.find(id)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], id)
	}
	out := make([][]string, 0, len(roots))
	for _, r := range roots {
		members := byRoot[r]
		sort.Strings(members)
		out = append(out, members)
	}
	return out
}
