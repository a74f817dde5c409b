package zonemap

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// LoadProvidersOnMap fetches providers and (re)builds every zone layer,
// the cluster markers and the interaction handlers. Calling it again with
// the same inputs leaves exactly one source and one fill layer per zone.
// Zones drawn by an earlier load but absent now are removed. It returns
// the providers it rendered.
func (c *Controller) LoadProvidersOnMap(ctx context.Context, fetcher providers.Fetcher, filters model.FilterState, onSelect SelectProviderFunc, onMulti MultiProviderFunc) ([]*model.Provider, error) {
	ctx, log := logging.WithPassLogger(ctx, c.log, "load")
	ctx, span := c.tracer.Start(ctx, "zonemap.LoadProvidersOnMap")
	defer span.End()

	if fetcher == nil {
		err := fmt.Errorf("load providers: nil fetcher")
		failSpan(span, err)
		return nil, err
	}
	list, err := fetcher.FetchProviders(ctx)
	if err != nil {
		err = fmt.Errorf("load providers: %w", err)
		failSpan(span, err)
		log.Error(ctx, "provider fetch failed", logging.Err(err))
		return nil, err
	}

	groups := core.BuildZoneGroups(list)
	if groups.Skipped > 0 {
		c.metrics.AddMalformedRelations(groups.Skipped)
		log.Warn(ctx, "skipped malformed zone relations", logging.Int("relations", groups.Skipped))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	prev := c.state
	c.state.Groups = groups
	c.state.Filters = filters.Clone()
	c.state.OnSelectProvider = onSelect
	c.state.OnZoneMultiProviderClick = onMulti
	markers, err := c.renderAllLocked()
	if err != nil {
		c.state.Groups = prev.Groups
		c.state.Filters = prev.Filters
		c.state.OnSelectProvider = prev.OnSelectProvider
		c.state.OnZoneMultiProviderClick = prev.OnZoneMultiProviderClick
	}
	c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("load providers: %w", err)
		failSpan(span, err)
		log.Error(ctx, "zone render failed", logging.Err(err))
		return nil, err
	}

	c.metrics.SetZoneCounts(groups.Len(), len(list))
	span.SetAttributes(
		attribute.Int("zonemap.providers", len(list)),
		attribute.Int("zonemap.zones", groups.Len()),
		attribute.Int("zonemap.markers", markers),
	)
	log.Info(ctx, "providers rendered",
		logging.Int("providers", len(list)),
		logging.Int("zones", groups.Len()),
		logging.Int("markers", markers),
	)
	return list, nil
}

func (c *Controller) renderAllLocked() (int, error) {
	a, err := newApplier(c.engine)
	if err != nil {
		return 0, err
	}
	for _, zoneID := range staleZones(a, c.state.Groups) {
		c.unregisterHoverLocked(zoneID)
		if err := removeZone(a, zoneID); err != nil {
			return 0, err
		}
	}

	var renderErr error
	c.state.Groups.Each(func(g *core.ZoneGroup) {
		if renderErr != nil {
			return
		}
		visible := core.VisibleProviders(c.policy, g, c.state.Filters)
		c.resetHoverLocked(g.Zone.ID)
		if err := renderZone(a, g.Zone, visible); err != nil {
			renderErr = err
			return
		}
		c.registerHoverLocked(g.Zone.ID)
	})
	if renderErr != nil {
		return 0, renderErr
	}

	markers := core.BuildMultiMarkers(c.state.Groups, c.policy, c.state.Filters)
	if err := syncMultiMarkers(a, core.MarkersToFeatureCollection(markers)); err != nil {
		return 0, err
	}
	c.registerClicksLocked()
	return len(markers), nil
}

// ClearProviderLayers removes every zone and cluster layer and source,
// unregisters the interaction handlers and forgets the current grouping.
// Unrelated layers stay untouched. A later load starts from scratch.
func (c *Controller) ClearProviderLayers(ctx context.Context) error {
	ctx, log := logging.WithPassLogger(ctx, c.log, "clear")
	ctx, span := c.tracer.Start(ctx, "zonemap.ClearProviderLayers")
	defer span.End()

	c.mu.Lock()
	c.detachLocked()
	c.state.Groups = nil
	var (
		removed int
		err     error
	)
	a, err := newApplier(c.engine)
	if err == nil {
		removed, err = teardownAllProviderLayers(a)
	}
	c.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("clear provider layers: %w", err)
		failSpan(span, err)
		return err
	}
	c.metrics.SetZoneCounts(0, 0)
	span.SetAttributes(attribute.Int("zonemap.removed", removed))
	log.Info(ctx, "provider layers cleared", logging.Int("removed", removed))
	return nil
}

// detachLocked unregisters all handlers and drops hover timers and popups.
func (c *Controller) detachLocked() {
	for zoneID := range c.zoneRegs {
		c.unregisterHoverLocked(zoneID)
	}
	for zoneID := range c.hover {
		c.resetHoverLocked(zoneID)
	}
	c.unregisterClicksLocked()
}

// Close detaches the controller from the engine. Layers stay on the map.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.detachLocked()
	c.closed = true
}

// SetSelectionMode turns hover suppression on or off.
func (c *Controller) SetSelectionMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SelectionMode = on
}

// SelectionMode reports whether hover behaviour is suppressed.
func (c *Controller) SelectionMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SelectionMode
}

// Groups returns the grouping of the last load. Treat it as read-only.
func (c *Controller) Groups() *core.ZoneGroups {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Groups
}

// Filters returns the current filter snapshot.
func (c *Controller) Filters() model.FilterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Filters.Clone()
}

// VisibleProviders returns the providers currently visible in a zone
// according to the live grouping and filters.
func (c *Controller) VisibleProviders(zoneID string) []*model.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, visible := c.state.visibleIn(c.policy, zoneID)
	return visible
}

// DumpState renders the controller state for debugging.
func (c *Controller) DumpState() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "zones=%d selection=%t click_guard=%t closed=%t\n",
		c.state.Groups.Len(), c.state.SelectionMode, c.state.clickGuard, c.closed)
	fmt.Fprintf(&b, "filters: zonas=%v providers=%v technologies=%v search=%q\n",
		c.state.Filters.Zonas, c.state.Filters.ProviderIDs, c.state.Filters.Technologies, c.state.Filters.Search)
	c.state.Groups.Each(func(g *core.ZoneGroup) {
		visible := core.VisibleProviders(c.policy, g, c.state.Filters)
		hover := hoverIdle
		if h, ok := c.hover[g.Zone.ID]; ok {
			hover = h.phase
		}
		fmt.Fprintf(&b, "zone %s: providers=%d visible=%d hover=%s\n",
			g.Zone.ID, len(g.Providers), len(visible), hover)
	})
	return b.String()
}
