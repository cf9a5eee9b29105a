package dedup

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
)

// signatureGroups groups entities whose discriminative fingerprint sets are
// identical and whose year/make/model agree. A fingerprint seen on more
// than CommonMediaCap entities is stock media and never counts.
func signatureGroups(snap *snapshot, th Thresholds) []model.DuplicateCandidateGroup {
	owners := make(map[string]map[string]bool)
	for entityID, media := range snap.media {
		for _, m := range media {
			if m.Fingerprint == "" {
				continue
			}
			if owners[m.Fingerprint] == nil {
				owners[m.Fingerprint] = make(map[string]bool)
			}
			owners[m.Fingerprint][entityID] = true
		}
	}

	buckets := make(map[string][]string)
	sizes := make(map[string]int)
	for _, id := range snap.order {
		e := snap.entities[id]
		ymm := normalize.YMMKey(e.Year, e.Make, e.Model)
		if ymm == "" {
			continue
		}

		seen := make(map[string]bool)
		var set []string
		for _, m := range snap.media[id] {
			fp := m.Fingerprint
			if fp == "" || seen[fp] || len(owners[fp]) > th.CommonMediaCap {
				continue
			}
			seen[fp] = true
			set = append(set, fp)
		}
		if len(set) < th.MinSignatureSize {
			continue
		}
		sort.Strings(set)
		key := ymm + "|" + strings.Join(set, ",")
		buckets[key] = append(buckets[key], id)
		sizes[key] = len(set)
	}

	var out []model.DuplicateCandidateGroup
	for key, members := range buckets {
		if len(members) < 2 {
			continue
		}
		n := sizes[key]
		// Larger identical sets are stronger evidence; cap below certainty.
		confidence := math.Min(99, 80+float64(n-th.MinSignatureSize)*2)
		out = append(out, newGroup(model.BasisImageSignature, key, members, confidence,
			fmt.Sprintf("%d discriminative fingerprints shared", n)))
	}
	return out
}
