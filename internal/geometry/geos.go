package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geos"
)

// DefaultAreaTolerance is the area below which a remainder is treated as empty.
const DefaultAreaTolerance = 1e-6

// GEOSOptions tunes the GEOS engine.
type GEOSOptions struct {
	// QuadrantSegments is the number of segments used per quarter circle in
	// round caps and joins.
	QuadrantSegments int
	// AreaTolerance is the area below which a geometry counts as empty.
	AreaTolerance float64
}

// GEOSEngine implements Engine on top of GEOS.
type GEOSEngine struct {
	ctx  *geos.Context
	opts GEOSOptions
}

// NewGEOSEngine creates an engine with its own GEOS context.
func NewGEOSEngine(opts GEOSOptions) *GEOSEngine {
	if opts.QuadrantSegments <= 0 {
		opts.QuadrantSegments = 8
	}
	if opts.AreaTolerance <= 0 {
		opts.AreaTolerance = DefaultAreaTolerance
	}
	return &GEOSEngine{ctx: geos.NewContext(), opts: opts}
}

// Buffer buffers the union of lines with round caps and joins. The GEOS
// buffer of a multi-line is already dissolved, so overlapping segment buffers
// never leave self-intersections behind.
func (e *GEOSEngine) Buffer(lines []orb.LineString, width float64) (out orb.MultiPolygon, err error) {
	if len(lines) == 0 {
		return orb.MultiPolygon{}, nil
	}
	if width <= 0 {
		return nil, &EngineError{Op: "buffer", Err: fmt.Errorf("width must be positive, got %g", width)}
	}
	err = guard("buffer", func() error {
		g, err := e.fromOrb(orb.MultiLineString(lines))
		if err != nil {
			return err
		}
		buf := g.BufferWithStyle(width, e.opts.QuadrantSegments, geos.BufCapStyleRound, geos.BufJoinStyleRound, 5.0)
		out, err = e.toMultiPolygon(buf)
		return err
	})
	return out, err
}

// Union dissolves parts into one polygon set.
func (e *GEOSEngine) Union(parts ...orb.MultiPolygon) (out orb.MultiPolygon, err error) {
	var coll orb.Collection
	for _, p := range parts {
		for _, poly := range p {
			if len(poly) > 0 {
				coll = append(coll, poly)
			}
		}
	}
	if len(coll) == 0 {
		return orb.MultiPolygon{}, nil
	}
	err = guard("union", func() error {
		g, err := e.fromOrb(coll)
		if err != nil {
			return err
		}
		out, err = e.toMultiPolygon(g.UnaryUnion())
		return err
	})
	return out, err
}

// Erase subtracts subtrahend from each polygon. Polygons that do not
// intersect the subtrahend are returned untouched.
func (e *GEOSEngine) Erase(polygons []orb.Polygon, subtrahend orb.MultiPolygon) (out []EraseResult, err error) {
	out = make([]EraseResult, len(polygons))
	if IsEmpty(subtrahend) {
		for i, p := range polygons {
			out[i] = EraseResult{Remainder: orb.MultiPolygon{p}}
		}
		return out, nil
	}
	err = guard("erase", func() error {
		sub, err := e.fromOrb(subtrahend)
		if err != nil {
			return err
		}
		for i, p := range polygons {
			g, err := e.fromOrb(p)
			if err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
			if !g.Intersects(sub) {
				out[i] = EraseResult{Remainder: orb.MultiPolygon{p}}
				continue
			}
			rem, err := e.toMultiPolygon(g.Difference(sub))
			if err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
			remArea := Area(rem)
			if math.Abs(planar.Area(p)-remArea) <= e.opts.AreaTolerance {
				// Touching only the boundary leaves the footprint whole.
				out[i] = EraseResult{Remainder: orb.MultiPolygon{p}}
				continue
			}
			if remArea <= e.opts.AreaTolerance {
				rem = orb.MultiPolygon{}
			}
			out[i] = EraseResult{Remainder: rem, Overlapped: true}
		}
		return nil
	})
	return out, err
}

// Intersects reports, per polygon, whether it touches other.
func (e *GEOSEngine) Intersects(polygons []orb.Polygon, other orb.MultiPolygon) (out []bool, err error) {
	out = make([]bool, len(polygons))
	if IsEmpty(other) {
		return out, nil
	}
	err = guard("intersects", func() error {
		og, err := e.fromOrb(other)
		if err != nil {
			return err
		}
		for i, p := range polygons {
			g, err := e.fromOrb(p)
			if err != nil {
				return fmt.Errorf("polygon %d: %w", i, err)
			}
			out[i] = g.Intersects(og)
		}
		return nil
	})
	return out, err
}

// Intersection returns a ∩ b.
func (e *GEOSEngine) Intersection(a, b orb.MultiPolygon) (out orb.MultiPolygon, err error) {
	if IsEmpty(a) || IsEmpty(b) {
		return orb.MultiPolygon{}, nil
	}
	err = guard("intersection", func() error {
		ga, err := e.fromOrb(a)
		if err != nil {
			return err
		}
		gb, err := e.fromOrb(b)
		if err != nil {
			return err
		}
		out, err = e.toMultiPolygon(ga.Intersection(gb))
		return err
	})
	return out, err
}

// Covers reports whether b minus a leaves no area above the tolerance.
func (e *GEOSEngine) Covers(a, b orb.MultiPolygon) (covers bool, err error) {
	if IsEmpty(b) {
		return true, nil
	}
	if IsEmpty(a) {
		return false, nil
	}
	err = guard("covers", func() error {
		ga, err := e.fromOrb(a)
		if err != nil {
			return err
		}
		gb, err := e.fromOrb(b)
		if err != nil {
			return err
		}
		covers = gb.Difference(ga).Area() <= e.opts.AreaTolerance
		return nil
	})
	return covers, err
}

// FeatureToPoint returns the GEOS point-on-surface of g, the "inside"
// placement used when collapsing footprints back to points.
func (e *GEOSEngine) FeatureToPoint(g orb.MultiPolygon) (p orb.Point, ok bool, err error) {
	if IsEmpty(g) {
		return orb.Point{}, false, nil
	}
	err = guard("feature to point", func() error {
		gg, err := e.fromOrb(g)
		if err != nil {
			return err
		}
		pt := gg.PointOnSurface()
		if pt.IsEmpty() {
			return nil
		}
		p, ok = orb.Point{pt.X(), pt.Y()}, true
		return nil
	})
	return p, ok, err
}

func (e *GEOSEngine) fromOrb(g orb.Geometry) (*geos.Geom, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode wkb: %w", err)
	}
	gg, err := e.ctx.NewGeomFromWKB(data)
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return gg, nil
}

// toMultiPolygon converts a GEOS result to polygons, dropping lower
// dimensional debris a boolean operation may leave in a collection.
func (e *GEOSEngine) toMultiPolygon(g *geos.Geom) (orb.MultiPolygon, error) {
	if g == nil || g.IsEmpty() {
		return orb.MultiPolygon{}, nil
	}
	og, err := wkb.Unmarshal(g.ToWKB())
	if err != nil {
		return nil, fmt.Errorf("decode result wkb: %w", err)
	}
	return Polygons(og), nil
}

// Polygons extracts every polygon from g.
func Polygons(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 {
			return orb.MultiPolygon{}
		}
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(v))
		for _, p := range v {
			if len(p) > 0 {
				out = append(out, p)
			}
		}
		return out
	case orb.Collection:
		out := orb.MultiPolygon{}
		for _, c := range v {
			out = append(out, Polygons(c)...)
		}
		return out
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}
	default:
		return orb.MultiPolygon{}
	}
}
