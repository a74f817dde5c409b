package core

import (
	"fmt"
	"testing"

	"github.com/signalsfoundry/coverage-zones/model"
)

func TestFilterPolicyVisibility(t *testing.T) {
	z1 := squareZone("Z1", 0, 0)
	p := providerIn("fibra", "#f00", z1)
	p.Name = "Fibra Sur"
	p.Technologies = []string{"Fiber"}

	tests := []struct {
		name    string
		zone    string
		filters model.FilterState
		want    bool
	}{
		{name: "empty filters", zone: "Z1", want: true},
		{name: "not a member", zone: "Z2", want: false},
		{name: "zone scoped match", zone: "Z1", filters: model.FilterState{Zonas: []string{"Z1"}}, want: true},
		{name: "zone scoped miss", zone: "Z1", filters: model.FilterState{Zonas: []string{"Z2"}}, want: false},
		{name: "provider id miss", zone: "Z1", filters: model.FilterState{ProviderIDs: []string{"other"}}, want: false},
		{name: "technology case-insensitive", zone: "Z1", filters: model.FilterState{Technologies: []string{"fiber"}}, want: true},
		{name: "technology miss", zone: "Z1", filters: model.FilterState{Technologies: []string{"wireless"}}, want: false},
		{name: "search match", zone: "Z1", filters: model.FilterState{Search: "sur"}, want: true},
		{name: "search miss", zone: "Z1", filters: model.FilterState{Search: "norte"}, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterPolicy{}.IsProviderVisibleInZone(p, tc.zone, tc.filters)
			if got != tc.want {
				t.Fatalf("IsProviderVisibleInZone = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterPolicySelectedZones(t *testing.T) {
	if got := (FilterPolicy{}).SelectedZones(model.FilterState{}); got != nil {
		t.Fatalf("SelectedZones on empty filters = %v, want nil", got)
	}
	f := model.FilterState{Zonas: []string{"a", "b"}}
	got := FilterPolicy{}.SelectedZones(f)
	got[0] = "mutated"
	if f.Zonas[0] != "a" {
		t.Fatalf("SelectedZones must return a copy")
	}
}

func TestVisibleProvidersKeepsGroupOrder(t *testing.T) {
	z := squareZone("Z", 0, 0)
	a := providerIn("a", "#1", z)
	b := providerIn("b", "#2", z)
	c := providerIn("c", "#3", z)
	g, _ := BuildZoneGroups([]*model.Provider{a, b, c}).Get("Z")

	got := VisibleProviders(nil, g, model.FilterState{ProviderIDs: []string{"c", "a"}})
	if fmt.Sprint(providerIDs(got)) != "[a c]" {
		t.Fatalf("VisibleProviders = %v, want [a c]", providerIDs(got))
	}
	if VisibleProviders(nil, nil, model.FilterState{}) != nil {
		t.Fatalf("VisibleProviders(nil group) should be nil")
	}
}
