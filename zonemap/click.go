package zonemap

import (
	"context"

	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
)

// registerClicksLocked attaches the cluster marker handlers and the
// map-wide click handler. Cluster handlers are registered first so a
// click on a marker dispatches through them before the general path.
func (c *Controller) registerClicksLocked() {
	if len(c.clickRegs) > 0 {
		return
	}
	cluster := func(ctx context.Context, ev mapengine.Event) { c.handleClusterClick(ctx, ev) }
	c.clickRegs = []mapengine.Registration{
		c.engine.On(mapengine.EventClick, core.ClusterCircleLayer, cluster),
		c.engine.On(mapengine.EventClick, core.ClusterTextLayer, cluster),
		c.engine.On(mapengine.EventClick, "", c.handleMapClick),
	}
}

func (c *Controller) unregisterClicksLocked() {
	for _, reg := range c.clickRegs {
		c.engine.Off(reg)
	}
	c.clickRegs = nil
}

// reviewsAt reports whether the host reviews layer has a feature under the
// click. Such clicks belong to the host.
func reviewsAt(features []mapengine.Feature) bool {
	for _, f := range features {
		if f.LayerID == ReviewsLayer {
			return true
		}
	}
	return false
}

// targetZone picks the first shown zone fill among rendered features.
func targetZone(features []mapengine.Feature) (string, bool) {
	for _, f := range features {
		if f.Visibility == mapengine.VisibilityNone {
			continue
		}
		if zoneID, ok := core.ZoneIDFromFillLayer(f.LayerID); ok {
			return zoneID, true
		}
	}
	return "", false
}

func (c *Controller) handleClusterClick(ctx context.Context, ev mapengine.Event) {
	if len(ev.Features) == 0 {
		return
	}
	all, err := c.engine.QueryRenderedFeatures(ev.Point)
	if err != nil {
		c.log.Debug(ctx, "cluster click query failed", logging.Err(err))
		return
	}
	if reviewsAt(all) {
		return
	}
	zoneID, _ := ev.Features[0].Properties[core.MarkerPropZoneID].(string)
	if zoneID == "" {
		return
	}
	c.dispatchZoneClick(ctx, zoneID)
}

func (c *Controller) handleMapClick(ctx context.Context, ev mapengine.Event) {
	features, err := c.engine.QueryRenderedFeatures(ev.Point)
	if err != nil {
		c.log.Debug(ctx, "map click query failed", logging.Err(err))
		return
	}
	if reviewsAt(features) {
		return
	}
	zoneID, ok := targetZone(features)
	if !ok {
		return
	}
	c.dispatchZoneClick(ctx, zoneID)
}

// dispatchZoneClick resolves the live visible providers of a zone and
// invokes exactly one host callback. The multi-provider callback wins
// whenever it is registered; the single-provider callback is a fallback
// for exactly one visible provider. A multi-provider dispatch suppresses
// the next one for ClickDedupeWindow.
func (c *Controller) dispatchZoneClick(ctx context.Context, zoneID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	grp, visible := c.state.visibleIn(c.policy, zoneID)
	if grp == nil || len(visible) == 0 {
		c.mu.Unlock()
		return
	}

	var (
		call func()
		path = PathNone
	)
	onMulti := c.state.OnZoneMultiProviderClick
	onSelect := c.state.OnSelectProvider
	switch {
	case onMulti != nil:
		if c.state.clickGuard {
			c.mu.Unlock()
			c.metrics.IncClickDedupeSuppressed()
			c.log.Debug(ctx, "duplicate zone click suppressed", logging.String("zone_id", zoneID))
			return
		}
		c.state.clickGuard = true
		c.clock.AfterFunc(ClickDedupeWindow, c.clearClickGuard)
		zone := grp.Zone
		call = func() { onMulti(visible, zone) }
		path = PathMulti
	case onSelect != nil && len(visible) == 1:
		p := visible[0]
		call = func() { onSelect(p) }
		path = PathSingle
	}
	c.mu.Unlock()

	c.metrics.IncClickDispatch(path)
	c.log.Debug(ctx, "zone click dispatched",
		logging.String("zone_id", zoneID),
		logging.String("path", path),
		logging.Int("providers", len(visible)),
	)
	if call != nil {
		call()
	}
}

func (c *Controller) clearClickGuard() {
	c.mu.Lock()
	c.state.clickGuard = false
	c.mu.Unlock()
}

// GetProvidersForZone returns the providers of a zone visible under
// filters, in input order. When the policy scopes filters to a zone list
// that excludes zoneID the result is empty. A nil policy means FilterPolicy.
func GetProvidersForZone(zoneID string, providers []*model.Provider, filters model.FilterState, policy core.VisibilityPolicy) []*model.Provider {
	if zoneID == "" {
		return nil
	}
	if policy == nil {
		policy = core.FilterPolicy{}
	}
	if selected := policy.SelectedZones(filters); len(selected) > 0 {
		found := false
		for _, id := range selected {
			if id == zoneID {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}
	var out []*model.Provider
	for _, p := range providers {
		if p == nil || !p.InZone(zoneID) {
			continue
		}
		if policy.IsProviderVisibleInZone(p, zoneID, filters) {
			out = append(out, p)
		}
	}
	return out
}
