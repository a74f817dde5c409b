package zonemap

import (
	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/model"
)

// SelectProviderFunc is invoked when a click resolves to exactly one
// provider and no multi-provider callback is registered.
type SelectProviderFunc func(p *model.Provider)

// MultiProviderFunc is invoked with every visible provider of a clicked zone.
type MultiProviderFunc func(providers []*model.Provider, zone *model.Zone)

// MapState is the mutable state shared by the loader, the visibility
// updater and the interaction handlers of one map instance. Handlers read
// it at fire time; it is only ever accessed under the controller lock.
type MapState struct {
	// Groups is the zone grouping of the last full load. Rebuilt, never
	// merged.
	Groups *core.ZoneGroups

	// Filters is the filter snapshot of the last load or refresh.
	Filters model.FilterState

	OnSelectProvider         SelectProviderFunc
	OnZoneMultiProviderClick MultiProviderFunc

	// SelectionMode suppresses hover behaviour while a host tool owns the
	// pointer.
	SelectionMode bool

	// clickGuard is set after a multi-provider dispatch and cleared by a
	// timer once the dedupe window elapses.
	clickGuard bool
}

func (s *MapState) visibleIn(policy core.VisibilityPolicy, zoneID string) (*core.ZoneGroup, []*model.Provider) {
	grp, ok := s.Groups.Get(zoneID)
	if !ok {
		return nil, nil
	}
	return grp, core.VisibleProviders(policy, grp, s.Filters)
}
