package core

import (
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/coverage-zones/model"
)

// Properties carried by every multi-provider marker feature.
const (
	MarkerPropZoneID = "zoneId"
	MarkerPropCount  = "count"
	MarkerPropLabel  = "label"
)

// MultiMarker is a synthetic point marking a zone with two or more visible
// providers.
type MultiMarker struct {
	ZoneID   string
	Count    int
	Label    string
	Position orb.Point
}

// MarkerLabel returns the display text for a visible count: the exact digit
// for 1-3 and "+3" for anything larger.
func MarkerLabel(count int) string {
	if count > 3 {
		return "+3"
	}
	return strconv.Itoa(count)
}

// BuildMultiMarkers computes one marker per zone whose visible provider
// count under filters is at least two. Zones without a centroid are skipped.
func BuildMultiMarkers(groups *ZoneGroups, policy VisibilityPolicy, filters model.FilterState) []MultiMarker {
	var markers []MultiMarker
	groups.Each(func(g *ZoneGroup) {
		visible := VisibleProviders(policy, g, filters)
		if len(visible) < 2 {
			return
		}
		pos, ok := ZoneCentroid(g.Zone.Geometry)
		if !ok {
			return
		}
		markers = append(markers, MultiMarker{
			ZoneID:   g.Zone.ID,
			Count:    len(visible),
			Label:    MarkerLabel(len(visible)),
			Position: pos,
		})
	})
	return markers
}

// MarkersToFeatureCollection converts markers to the GeoJSON payload of the
// cluster source. The result is never nil.
func MarkersToFeatureCollection(markers []MultiMarker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		f := geojson.NewFeature(m.Position)
		f.Properties[MarkerPropZoneID] = m.ZoneID
		f.Properties[MarkerPropCount] = m.Count
		f.Properties[MarkerPropLabel] = m.Label
		fc.Append(f)
	}
	return fc
}
