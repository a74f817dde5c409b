package core

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestZoneCentroidClosedSquare(t *testing.T) {
	poly := orb.Polygon{orb.Ring{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}

	got, ok := ZoneCentroid(poly)
	if !ok {
		t.Fatalf("ZoneCentroid returned ok=false for a valid ring")
	}
	if got != (orb.Point{1, 1}) {
		t.Fatalf("ZoneCentroid = %v, want [1 1]", got)
	}
}

func TestZoneCentroidOpenRing(t *testing.T) {
	poly := orb.Polygon{orb.Ring{{-58.4, -34.6}, {-58.2, -34.6}, {-58.3, -34.3}}}

	got, ok := ZoneCentroid(poly)
	if !ok {
		t.Fatalf("ZoneCentroid returned ok=false")
	}
	if math.Abs(got.Lon()-(-58.3)) > 1e-9 || math.Abs(got.Lat()-(-34.5)) > 1e-9 {
		t.Fatalf("ZoneCentroid = %v, want [-58.3 -34.5]", got)
	}
}

func TestZoneCentroidIgnoresHoles(t *testing.T) {
	poly := orb.Polygon{
		orb.Ring{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}},
		orb.Ring{{3, 3}, {3.5, 3}, {3.5, 3.5}, {3, 3}},
	}
	got, _ := ZoneCentroid(poly)
	if got != (orb.Point{2, 2}) {
		t.Fatalf("ZoneCentroid = %v, want [2 2]", got)
	}
}

func TestZoneCentroidEmpty(t *testing.T) {
	if _, ok := ZoneCentroid(nil); ok {
		t.Fatalf("expected ok=false for nil polygon")
	}
	if _, ok := ZoneCentroid(orb.Polygon{orb.Ring{}}); ok {
		t.Fatalf("expected ok=false for empty outer ring")
	}
}
