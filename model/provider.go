package model

import "github.com/paulmach/orb"

// Zone is a polygonal coverage region. Only the outer ring of Geometry is
// used for centroid purposes.
type Zone struct {
	ID       string
	Name     string
	Geometry orb.Polygon
}

// HasGeometry reports whether the zone carries a usable outer ring.
func (z *Zone) HasGeometry() bool {
	return z != nil && len(z.Geometry) > 0 && len(z.Geometry[0]) > 0
}

// ZoneRelation links a provider to one zone it serves. A relation with a
// nil Zone is treated as malformed and skipped by consumers.
type ZoneRelation struct {
	Zone *Zone
}

// Provider is a service entity with a display name/color and membership in
// zero or more zones. Providers are supplied by the data-fetch layer and
// treated as immutable for the duration of one render pass.
type Provider struct {
	ID    string
	Name  string
	Color string

	// Technologies is optional metadata consumed by the default filter policy
	// (e.g. "fiber", "wireless").
	Technologies []string

	Zones []ZoneRelation
}

// ZoneIDs returns the ids of every well-formed zone relation, in order.
func (p *Provider) ZoneIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Zones))
	for _, rel := range p.Zones {
		if rel.Zone == nil || rel.Zone.ID == "" {
			continue
		}
		ids = append(ids, rel.Zone.ID)
	}
	return ids
}

// InZone reports whether the provider has a relation to zoneID.
func (p *Provider) InZone(zoneID string) bool {
	for _, id := range p.ZoneIDs() {
		if id == zoneID {
			return true
		}
	}
	return false
}
