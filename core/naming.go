package core

import (
	"strconv"
	"strings"
)

// MaxBordersPerZone caps the number of per-provider border layers drawn
// for one zone.
const MaxBordersPerZone = 10

// Singleton names for the multi-provider cluster source and its layers.
const (
	ClusterSourceID    = "multi-provider-markers"
	ClusterCircleLayer = "multi-provider-markers-bg"
	ClusterTextLayer   = "multi-provider-markers-text"
)

const (
	fillPrefix   = "fill-"
	borderPrefix = "border-"
	sourcePrefix = "zone-"
)

// FillLayerID returns the fill layer name for a zone.
func FillLayerID(zoneID string) string { return fillPrefix + zoneID }

// ZoneSourceID returns the polygon source name for a zone.
func ZoneSourceID(zoneID string) string { return sourcePrefix + zoneID }

// BorderLayerID returns the border layer name for the index-th (1-based)
// provider of a zone.
func BorderLayerID(zoneID string, index int) string {
	return borderPrefix + zoneID + "-" + strconv.Itoa(index)
}

// BorderLayerIDs returns every possible border layer name for a zone,
// indices 1 through MaxBordersPerZone.
func BorderLayerIDs(zoneID string) []string {
	ids := make([]string, 0, MaxBordersPerZone)
	for i := 1; i <= MaxBordersPerZone; i++ {
		ids = append(ids, BorderLayerID(zoneID, i))
	}
	return ids
}

// IsFillLayer reports whether id follows the zone fill naming convention.
func IsFillLayer(id string) bool {
	return strings.HasPrefix(id, fillPrefix) && len(id) > len(fillPrefix)
}

// ZoneIDFromFillLayer extracts the zone id from a fill layer name.
func ZoneIDFromFillLayer(id string) (string, bool) {
	if !IsFillLayer(id) {
		return "", false
	}
	return strings.TrimPrefix(id, fillPrefix), true
}

// ZoneIDFromBorderLayer splits a border layer name into zone id and index.
// Only indices 1 through MaxBordersPerZone qualify, so host layers such as
// "border-countries" are not mistaken for zone borders.
func ZoneIDFromBorderLayer(id string) (string, int, bool) {
	rest, ok := strings.CutPrefix(id, borderPrefix)
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil || n < 1 || n > MaxBordersPerZone || strconv.Itoa(n) != rest[i+1:] {
		return "", 0, false
	}
	return rest[:i], n, true
}

// IsProviderLayer reports whether a layer belongs to provider rendering
// (zone fills, zone borders or the cluster layers).
func IsProviderLayer(id string) bool {
	switch id {
	case ClusterCircleLayer, ClusterTextLayer:
		return true
	}
	if IsFillLayer(id) {
		return true
	}
	_, _, ok := ZoneIDFromBorderLayer(id)
	return ok
}

// ZoneIDFromSource extracts the zone id from a zone source name.
func ZoneIDFromSource(id string) (string, bool) {
	zoneID, ok := strings.CutPrefix(id, sourcePrefix)
	return zoneID, ok && zoneID != ""
}

// IsProviderSource reports whether a source follows the zone or cluster
// source naming.
func IsProviderSource(id string) bool {
	if id == ClusterSourceID {
		return true
	}
	_, ok := ZoneIDFromSource(id)
	return ok
}
