package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// EraseResult is the outcome of erasing one polygon.
type EraseResult struct {
	// Remainder is what is left of the input. It is empty when the input was
	// fully covered by the subtrahend.
	Remainder orb.MultiPolygon
	// Overlapped is false when the input did not intersect the subtrahend at
	// all; Remainder is then the unmodified input.
	Overlapped bool
}

// Engine is the capability contract the pipeline needs from a planar geometry
// engine. Implementations are used from a single goroutine.
type Engine interface {
	// Buffer returns the dissolved buffer of lines at width. No lines yields
	// an empty result.
	Buffer(lines []orb.LineString, width float64) (orb.MultiPolygon, error)

	// Union dissolves all parts into one geometry.
	Union(parts ...orb.MultiPolygon) (orb.MultiPolygon, error)

	// Erase subtracts subtrahend from every polygon; results are index-aligned
	// with polygons.
	Erase(polygons []orb.Polygon, subtrahend orb.MultiPolygon) ([]EraseResult, error)

	// Intersects is the spatial join: for each polygon it reports whether it
	// shares any point with other.
	Intersects(polygons []orb.Polygon, other orb.MultiPolygon) ([]bool, error)

	// Intersection returns the area common to a and b.
	Intersection(a, b orb.MultiPolygon) (orb.MultiPolygon, error)

	// Covers reports whether a covers b within the area tolerance.
	Covers(a, b orb.MultiPolygon) (bool, error)

	// FeatureToPoint returns a point guaranteed to lie inside g. ok is false
	// when g is empty.
	FeatureToPoint(g orb.MultiPolygon) (p orb.Point, ok bool, err error)
}

// Area returns the planar area of a polygon set.
func Area(mp orb.MultiPolygon) float64 {
	if len(mp) == 0 {
		return 0
	}
	return planar.Area(mp)
}

// IsEmpty reports whether mp has no polygon with an exterior ring.
func IsEmpty(mp orb.MultiPolygon) bool {
	for _, p := range mp {
		if len(p) > 0 && len(p[0]) > 0 {
			return false
		}
	}
	return true
}
