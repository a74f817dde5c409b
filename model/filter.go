package model

// FilterState is the user-controlled filter set. The zone map controller
// treats it as opaque and only consults it through a visibility policy,
// except for Zonas which scopes the per-zone convenience query.
type FilterState struct {
	// Zonas restricts results to the listed zone ids. Empty means all zones.
	Zonas []string `json:"zonas,omitempty"`

	// ProviderIDs restricts results to the listed providers. Empty means all.
	ProviderIDs []string `json:"providerIds,omitempty"`

	// Technologies keeps providers offering at least one of the listed
	// technologies. Empty means any.
	Technologies []string `json:"technologies,omitempty"`

	// Search is a case-insensitive substring matched against provider names.
	Search string `json:"search,omitempty"`
}

// Clone returns a deep copy so callers can hand filters to the controller
// without sharing the backing slices.
func (f FilterState) Clone() FilterState {
	return FilterState{
		Zonas:        append([]string(nil), f.Zonas...),
		ProviderIDs:  append([]string(nil), f.ProviderIDs...),
		Technologies: append([]string(nil), f.Technologies...),
		Search:       f.Search,
	}
}
