package dedup

import (
	"strings"

	"github.com/sells-group/vehicle-consensus/internal/model"
	"github.com/sells-group/vehicle-consensus/internal/normalize"
)

// attributeGroups groups entities sharing a valid VIN (from the entity or a
// vin identifier), then entities sharing a normalized title and region.
func attributeGroups(snap *snapshot) []model.DuplicateCandidateGroup {
	byVIN := make(map[string][]string)
	byName := make(map[string][]string)

	for _, id := range snap.order {
		e := snap.entities[id]

		vins := make(map[string]bool)
		if v, ok := normalize.VIN(e.VIN); ok {
			vins[v] = true
		}
		for _, ident := range snap.identifiers[id] {
			if strings.EqualFold(ident.System, "vin") {
				if v, ok := normalize.VIN(ident.Value); ok {
					vins[v] = true
				}
			}
		}
		for v := range vins {
			byVIN[v] = append(byVIN[v], id)
		}

		if key := normalize.NameGeoKey(e.Title, e.Region); key != "" {
			byName[key] = append(byName[key], id)
		}
	}

	var out []model.DuplicateCandidateGroup
	for vin, members := range byVIN {
		if len(members) > 1 {
			out = append(out, newGroup(model.BasisAttributeMatch, "vin|"+vin, members, 95, "identical VIN "+vin))
		}
	}
	for key, members := range byName {
		if len(members) > 1 {
			out = append(out, newGroup(model.BasisAttributeMatch, "name|"+key, members, 70, "identical title and region"))
		}
	}
	return out
}
