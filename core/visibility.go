package core

import (
	"strings"

	"github.com/signalsfoundry/coverage-zones/model"
)

// VisibilityPolicy decides whether a provider is shown in a zone under the
// current filters. The zone map controller only consumes this predicate; it
// never inspects filter fields itself.
type VisibilityPolicy interface {
	IsProviderVisibleInZone(p *model.Provider, zoneID string, filters model.FilterState) bool

	// SelectedZones returns the zone ids the filters are scoped to, or nil
	// when they are not scoped.
	SelectedZones(filters model.FilterState) []string
}

// FilterPolicy is the default VisibilityPolicy. Every non-empty filter field
// must match; empty fields match everything.
type FilterPolicy struct{}

var _ VisibilityPolicy = FilterPolicy{}

// IsProviderVisibleInZone implements VisibilityPolicy.
func (FilterPolicy) IsProviderVisibleInZone(p *model.Provider, zoneID string, f model.FilterState) bool {
	if p == nil || !p.InZone(zoneID) {
		return false
	}
	if len(f.Zonas) > 0 && !containsString(f.Zonas, zoneID) {
		return false
	}
	if len(f.ProviderIDs) > 0 && !containsString(f.ProviderIDs, p.ID) {
		return false
	}
	if len(f.Technologies) > 0 {
		match := false
		for _, tech := range p.Technologies {
			if containsFold(f.Technologies, tech) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		if !strings.Contains(strings.ToLower(p.Name), strings.ToLower(q)) {
			return false
		}
	}
	return true
}

// SelectedZones implements VisibilityPolicy.
func (FilterPolicy) SelectedZones(f model.FilterState) []string {
	if len(f.Zonas) == 0 {
		return nil
	}
	return append([]string(nil), f.Zonas...)
}

// VisibleProviders returns the subset of group providers visible under
// filters, preserving group order.
func VisibleProviders(policy VisibilityPolicy, group *ZoneGroup, filters model.FilterState) []*model.Provider {
	if group == nil || group.Zone == nil {
		return nil
	}
	if policy == nil {
		policy = FilterPolicy{}
	}
	var visible []*model.Provider
	for _, p := range group.Providers {
		if policy.IsProviderVisibleInZone(p, group.Zone.ID, filters) {
			visible = append(visible, p)
		}
	}
	return visible
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
