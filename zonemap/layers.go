package zonemap

import (
	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
)

const (
	borderWidth   = 2.0
	clusterColor  = "#1f2937"
	clusterRadius = 14.0
	clusterText   = "#ffffff"
)

func providerColor(p *model.Provider) string {
	if p == nil || p.Color == "" {
		return FallbackColor
	}
	return p.Color
}

func fillColor(visible []*model.Provider) string {
	if len(visible) == 0 {
		return FallbackColor
	}
	return providerColor(visible[0])
}

func visibilityValue(shown bool) string {
	if shown {
		return mapengine.VisibilityVisible
	}
	return mapengine.VisibilityNone
}

func zoneFeatureCollection(z *model.Zone) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(z.Geometry)
	f.ID = z.ID
	f.Properties[core.MarkerPropZoneID] = z.ID
	if z.Name != "" {
		f.Properties["name"] = z.Name
	}
	fc.Append(f)
	return fc
}

// zoneLayers returns the desired fill layer and border layers for a zone.
// Borders are drawn for at most MaxBordersPerZone visible providers, each
// offset so overlapping outlines stay distinguishable.
func zoneLayers(z *model.Zone, visible []*model.Provider) (mapengine.Layer, []mapengine.Layer) {
	src := core.ZoneSourceID(z.ID)
	vis := visibilityValue(len(visible) > 0)
	fill := mapengine.Layer{
		ID:     core.FillLayerID(z.ID),
		Type:   mapengine.LayerFill,
		Source: src,
		Paint: map[string]any{
			mapengine.PropFillColor:   fillColor(visible),
			mapengine.PropFillOpacity: BaseFillOpacity,
		},
		Layout: map[string]any{mapengine.PropVisibility: vis},
	}

	n := len(visible)
	if n > core.MaxBordersPerZone {
		n = core.MaxBordersPerZone
	}
	borders := make([]mapengine.Layer, 0, n)
	for i := 0; i < n; i++ {
		borders = append(borders, mapengine.Layer{
			ID:     core.BorderLayerID(z.ID, i+1),
			Type:   mapengine.LayerLine,
			Source: src,
			Paint: map[string]any{
				mapengine.PropLineColor:  providerColor(visible[i]),
				mapengine.PropLineWidth:  borderWidth,
				mapengine.PropLineOffset: float64(i) * borderWidth,
			},
			Layout: map[string]any{mapengine.PropVisibility: vis},
		})
	}
	return fill, borders
}

// removeZone drops every layer and the source of a zone. Layers go first
// since engines refuse to remove a source still in use.
func removeZone(a *applier, zoneID string) error {
	if err := a.removeLayer(core.FillLayerID(zoneID)); err != nil {
		return err
	}
	for _, id := range core.BorderLayerIDs(zoneID) {
		if err := a.removeLayer(id); err != nil {
			return err
		}
	}
	return a.removeSource(core.ZoneSourceID(zoneID))
}

// renderZone replaces everything previously drawn for the zone.
func renderZone(a *applier, z *model.Zone, visible []*model.Provider) error {
	if err := removeZone(a, z.ID); err != nil {
		return err
	}
	if err := a.putSource(core.ZoneSourceID(z.ID), zoneFeatureCollection(z)); err != nil {
		return err
	}
	fill, borders := zoneLayers(z, visible)
	if err := a.putLayer(fill); err != nil {
		return err
	}
	for _, b := range borders {
		if err := a.putLayer(b); err != nil {
			return err
		}
	}
	return nil
}

func clusterLayers() []mapengine.Layer {
	return []mapengine.Layer{
		{
			ID:     core.ClusterCircleLayer,
			Type:   mapengine.LayerCircle,
			Source: core.ClusterSourceID,
			Paint: map[string]any{
				mapengine.PropCircleColor: clusterColor,
				mapengine.PropCircleRad:   clusterRadius,
			},
		},
		{
			ID:     core.ClusterTextLayer,
			Type:   mapengine.LayerSymbol,
			Source: core.ClusterSourceID,
			Paint:  map[string]any{mapengine.PropTextColor: clusterText},
			Layout: map[string]any{mapengine.PropTextField: "{" + core.MarkerPropLabel + "}"},
		},
	}
}

// syncMultiMarkers replaces the cluster data in place. The cluster source
// and its two layers are created on the first call that has features and
// are never removed afterwards, only emptied. Zone layers added after the
// cluster layers would cover the markers, so the two layers are moved back
// above every zone layer when needed.
func syncMultiMarkers(a *applier, fc *geojson.FeatureCollection) error {
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	if a.hasSource(core.ClusterSourceID) {
		if err := a.setSourceData(core.ClusterSourceID, fc); err != nil {
			return err
		}
	} else {
		if len(fc.Features) == 0 {
			return nil
		}
		if err := a.putSource(core.ClusterSourceID, fc); err != nil {
			return err
		}
	}
	if clusterOnTop(a) {
		return nil
	}
	for _, l := range clusterLayers() {
		if err := a.putLayer(l); err != nil {
			return err
		}
	}
	return nil
}

// clusterOnTop reports whether the circle and text layers are the last two
// provider layers, in that order.
func clusterOnTop(a *applier) bool {
	var ids []string
	for _, id := range a.layerIDs() {
		if core.IsProviderLayer(id) {
			ids = append(ids, id)
		}
	}
	n := len(ids)
	return n >= 2 && ids[n-2] == core.ClusterCircleLayer && ids[n-1] == core.ClusterTextLayer
}

// zoneOfLayer returns the zone a fill or border layer belongs to.
func zoneOfLayer(id string) (string, bool) {
	if zoneID, ok := core.ZoneIDFromFillLayer(id); ok {
		return zoneID, true
	}
	zoneID, _, ok := core.ZoneIDFromBorderLayer(id)
	return zoneID, ok
}

// teardownAllProviderLayers removes every zone and cluster layer, the
// cluster source and the sources of the zones those layers drew. Anything
// else on the map is left alone.
func teardownAllProviderLayers(a *applier) (int, error) {
	removed := 0
	zones := make(map[string]bool)
	for _, id := range a.layerIDs() {
		if !core.IsProviderLayer(id) {
			continue
		}
		if zoneID, ok := zoneOfLayer(id); ok {
			zones[zoneID] = true
		}
		if err := a.removeLayer(id); err != nil {
			return removed, err
		}
		removed++
	}
	for _, id := range a.sourceIDs() {
		if !core.IsProviderSource(id) {
			continue
		}
		if zoneID, ok := core.ZoneIDFromSource(id); ok && !zones[zoneID] {
			continue
		}
		if err := a.removeSource(id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// staleZones returns ids of zones with layers on the map that are absent
// from groups.
func staleZones(a *applier, groups *core.ZoneGroups) []string {
	var stale []string
	seen := make(map[string]bool)
	for _, id := range a.layerIDs() {
		zoneID, ok := zoneOfLayer(id)
		if !ok || seen[zoneID] {
			continue
		}
		seen[zoneID] = true
		if _, ok := groups.Get(zoneID); !ok {
			stale = append(stale, zoneID)
		}
	}
	return stale
}
