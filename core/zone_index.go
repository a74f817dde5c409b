package core

import "github.com/signalsfoundry/coverage-zones/model"

// ZoneGroup associates one zone with the providers registered in it, in
// first-encountered order.
type ZoneGroup struct {
	Zone      *model.Zone
	Providers []*model.Provider
}

// ZoneGroups is the zone -> providers grouping derived from a provider list.
// Zone iteration order follows the order in which zones were first seen.
type ZoneGroups struct {
	order []string
	byID  map[string]*ZoneGroup

	// Skipped counts relations dropped as malformed (nil zone, empty id or
	// missing geometry) while building the grouping.
	Skipped int
}

// BuildZoneGroups groups providers by the zones they belong to. Providers
// without relations are skipped entirely; malformed relations are skipped
// individually. A provider listed twice for the same zone appears once.
func BuildZoneGroups(providers []*model.Provider) *ZoneGroups {
	groups := &ZoneGroups{byID: make(map[string]*ZoneGroup)}

	for _, p := range providers {
		if p == nil || len(p.Zones) == 0 {
			continue
		}
		for _, rel := range p.Zones {
			z := rel.Zone
			if z == nil || z.ID == "" || !z.HasGeometry() {
				groups.Skipped++
				continue
			}
			g, ok := groups.byID[z.ID]
			if !ok {
				g = &ZoneGroup{Zone: z}
				groups.byID[z.ID] = g
				groups.order = append(groups.order, z.ID)
			}
			if !containsProvider(g.Providers, p) {
				g.Providers = append(g.Providers, p)
			}
		}
	}
	return groups
}

func containsProvider(list []*model.Provider, p *model.Provider) bool {
	for _, existing := range list {
		if existing == p || (p.ID != "" && existing.ID == p.ID) {
			return true
		}
	}
	return false
}

// Get returns the group for zoneID.
func (g *ZoneGroups) Get(zoneID string) (*ZoneGroup, bool) {
	if g == nil {
		return nil, false
	}
	grp, ok := g.byID[zoneID]
	return grp, ok
}

// IDs returns zone ids in first-seen order. The slice is a copy.
func (g *ZoneGroups) IDs() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.order...)
}

// Len returns the number of zones.
func (g *ZoneGroups) Len() int {
	if g == nil {
		return 0
	}
	return len(g.order)
}

// Each calls fn for every group in zone order.
func (g *ZoneGroups) Each(fn func(*ZoneGroup)) {
	if g == nil {
		return
	}
	for _, id := range g.order {
		fn(g.byID[id])
	}
}
