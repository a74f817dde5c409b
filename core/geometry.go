package core

import "github.com/paulmach/orb"

// ZoneCentroid returns an approximate centroid of a zone polygon: the planar
// average of its outer ring vertices. A closing vertex that repeats the first
// one is counted once. Holes are ignored.
//
// This is not area-weighted and not geodesic; it only needs to land a
// marker somewhere sensible inside convex-ish coverage polygons.
func ZoneCentroid(poly orb.Polygon) (orb.Point, bool) {
	if len(poly) == 0 {
		return orb.Point{}, false
	}
	ring := poly[0]
	n := len(ring)
	if n == 0 {
		return orb.Point{}, false
	}
	if n > 1 && ring[0].Equal(ring[n-1]) {
		n--
	}

	var sumLon, sumLat float64
	for _, p := range ring[:n] {
		sumLon += p.Lon()
		sumLat += p.Lat()
	}
	return orb.Point{sumLon / float64(n), sumLat / float64(n)}, true
}
