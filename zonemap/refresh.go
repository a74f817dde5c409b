package zonemap

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RefreshVisibility re-applies filters to the layers already on the map
// without recreating any source. Each zone fill is shown or hidden, its
// color follows the first visible provider and its borders follow the
// visible providers in order. The cluster markers are recomputed from
// providers, or from the current grouping when providers is nil, with the
// same filter snapshot. Markers are only kept for zones of the current
// grouping.
//
// A pass that hits a style that is not loaded yet is abandoned silently;
// any other engine failure is returned.
func (c *Controller) RefreshVisibility(ctx context.Context, providers []*model.Provider, filters model.FilterState) error {
	ctx, log := logging.WithPassLogger(ctx, c.log, "refresh")
	ctx, span := c.tracer.Start(ctx, "zonemap.RefreshVisibility")
	defer span.End()

	start := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	shown, markers, err := c.refreshLocked(providers, filters)
	c.mu.Unlock()

	if errors.Is(err, mapengine.ErrStyleNotLoaded) {
		c.metrics.IncRefreshSkipped()
		span.SetAttributes(attribute.Bool("zonemap.skipped", true))
		log.Debug(ctx, "refresh skipped; style not loaded")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "refresh failed", logging.Err(err))
		return err
	}

	c.metrics.ObserveRefresh(time.Since(start))
	span.SetAttributes(
		attribute.Int("zonemap.zones_shown", shown),
		attribute.Int("zonemap.markers", markers),
	)
	log.Debug(ctx, "visibility refreshed",
		logging.Int("zones_shown", shown),
		logging.Int("markers", markers),
	)
	return nil
}

func (c *Controller) refreshLocked(providers []*model.Provider, filters model.FilterState) (int, int, error) {
	c.state.Filters = filters.Clone()
	snapshot := c.state.Filters

	a, err := newApplier(c.engine)
	if err != nil {
		return 0, 0, err
	}

	shown := 0
	var applyErr error
	c.state.Groups.Each(func(g *core.ZoneGroup) {
		if applyErr != nil {
			return
		}
		visible := core.VisibleProviders(c.policy, g, snapshot)
		if len(visible) > 0 {
			shown++
		}
		applyErr = applyZoneVisibility(a, g.Zone, visible)
	})
	if applyErr != nil {
		return shown, 0, applyErr
	}

	// Without a grouping no zone is drawn and no click handler is
	// registered, so markers would be inert.
	if c.state.Groups.Len() == 0 {
		return shown, 0, nil
	}
	markerGroups := c.state.Groups
	if providers != nil {
		markerGroups = core.BuildZoneGroups(providers)
	}
	markers := slices.DeleteFunc(core.BuildMultiMarkers(markerGroups, c.policy, snapshot), func(m core.MultiMarker) bool {
		_, drawn := c.state.Groups.Get(m.ZoneID)
		return !drawn
	})
	if err := syncMultiMarkers(a, core.MarkersToFeatureCollection(markers)); err != nil {
		return shown, len(markers), err
	}
	return shown, len(markers), nil
}

// applyZoneVisibility updates a drawn zone in place. Border i follows the
// i-th visible provider: it is recolored when present, added when the zone
// now shows more providers than it was drawn with, and hidden otherwise.
func applyZoneVisibility(a *applier, z *model.Zone, visible []*model.Provider) error {
	fill := core.FillLayerID(z.ID)
	if !a.hasLayer(fill) {
		return nil
	}
	if err := a.setLayout(fill, mapengine.PropVisibility, visibilityValue(len(visible) > 0)); err != nil {
		return err
	}
	if len(visible) > 0 {
		if err := a.setPaint(fill, mapengine.PropFillColor, fillColor(visible)); err != nil {
			return err
		}
	}

	_, borders := zoneLayers(z, visible)
	for i, id := range core.BorderLayerIDs(z.ID) {
		if i >= len(borders) {
			if err := a.setLayout(id, mapengine.PropVisibility, mapengine.VisibilityNone); err != nil {
				return err
			}
			continue
		}
		if !a.hasLayer(id) {
			if err := a.putLayer(borders[i]); err != nil {
				return err
			}
			continue
		}
		if err := a.setPaint(id, mapengine.PropLineColor, borders[i].Paint[mapengine.PropLineColor]); err != nil {
			return err
		}
		if err := a.setLayout(id, mapengine.PropVisibility, mapengine.VisibilityVisible); err != nil {
			return err
		}
	}
	return nil
}
