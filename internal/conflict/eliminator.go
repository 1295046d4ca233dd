// Package conflict removes the parts of building symbol footprints that
// overlap the accumulated road buffer and collapses what remains to points.
package conflict

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/symbology"
)

// Outcome is what happened to one footprint.
type Outcome int

const (
	// Untouched footprints do not meet the buffer; the point keeps its
	// original position.
	Untouched Outcome = iota
	// Clipped footprints lost some area; the point moves to an interior
	// point of the remainder.
	Clipped
	// Eliminated footprints were fully covered, or discarded by policy.
	Eliminated
)

func (o Outcome) String() string {
	switch o {
	case Untouched:
		return "untouched"
	case Clipped:
		return "clipped"
	case Eliminated:
		return "eliminated"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Erased is one footprint after erasure.
type Erased struct {
	SourceID  int64
	Symbol    int
	Outcome   Outcome
	Remainder orb.MultiPolygon
}

// Stats summarises an elimination pass.
type Stats struct {
	Input      int
	Untouched  int
	Clipped    int
	Eliminated int
	InputArea  float64
	ErasedArea float64
}

// Survived returns the number of footprints that produced a point.
func (s Stats) Survived() int { return s.Untouched + s.Clipped }

// Result is the output of Eliminate. Survivors and Erased follow input order.
type Result struct {
	Survivors  []symbology.BuildingPoint
	Eliminated []symbology.BuildingPoint
	Erased     []Erased
	Stats      Stats
}

// Eliminator erases symbol footprints against a road buffer.
type Eliminator struct {
	engine geometry.Engine
	policy config.ErasePolicy
}

// NewEliminator creates an Eliminator. An empty policy means EraseClip.
func NewEliminator(engine geometry.Engine, policy config.ErasePolicy) *Eliminator {
	if policy == "" {
		policy = config.EraseClip
	}
	return &Eliminator{engine: engine, policy: policy}
}

// Policy returns the erase policy in use.
func (e *Eliminator) Policy() config.ErasePolicy { return e.policy }

// Eliminate erases every footprint against buffer and returns the surviving
// building points.
func (e *Eliminator) Eliminate(polys []symbology.SymbolPolygon, buffer orb.MultiPolygon) (Result, error) {
	res := Result{
		Survivors: make([]symbology.BuildingPoint, 0, len(polys)),
		Erased:    make([]Erased, 0, len(polys)),
		Stats:     Stats{Input: len(polys)},
	}
	if len(polys) == 0 {
		return res, nil
	}

	shapes := make([]orb.Polygon, len(polys))
	for i, p := range polys {
		shapes[i] = p.Polygon
		res.Stats.InputArea += planar.Area(p.Polygon)
	}

	var err error
	switch e.policy {
	case config.EraseClip:
		err = e.clip(polys, shapes, buffer, &res)
	case config.EraseDiscard:
		err = e.discard(polys, shapes, buffer, &res)
	default:
		err = fmt.Errorf("%w: unknown erase policy %q", config.ErrConfiguration, e.policy)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Eliminator) clip(polys []symbology.SymbolPolygon, shapes []orb.Polygon, buffer orb.MultiPolygon, res *Result) error {
	erased, err := e.engine.Erase(shapes, buffer)
	if err != nil {
		return fmt.Errorf("erase building footprints: %w", err)
	}

	for i, p := range polys {
		r := erased[i]
		if !r.Overlapped {
			res.keep(p, p.Origin, Untouched, r.Remainder)
			continue
		}

		res.Stats.ErasedArea += planar.Area(p.Polygon) - geometry.Area(r.Remainder)
		if geometry.IsEmpty(r.Remainder) {
			res.drop(p)
			continue
		}
		pt, ok, err := e.engine.FeatureToPoint(r.Remainder)
		if err != nil {
			return fmt.Errorf("feature to point for building %d: %w", p.SourceID, err)
		}
		if !ok {
			res.drop(p)
			continue
		}
		res.keep(p, pt, Clipped, r.Remainder)
	}
	return nil
}

func (e *Eliminator) discard(polys []symbology.SymbolPolygon, shapes []orb.Polygon, buffer orb.MultiPolygon, res *Result) error {
	hits, err := e.engine.Intersects(shapes, buffer)
	if err != nil {
		return fmt.Errorf("join building footprints: %w", err)
	}
	for i, p := range polys {
		if hits[i] {
			res.Stats.ErasedArea += planar.Area(p.Polygon)
			res.drop(p)
			continue
		}
		res.keep(p, p.Origin, Untouched, orb.MultiPolygon{p.Polygon})
	}
	return nil
}

func (r *Result) keep(p symbology.SymbolPolygon, at orb.Point, o Outcome, remainder orb.MultiPolygon) {
	r.Survivors = append(r.Survivors, symbology.BuildingPoint{ID: p.SourceID, Position: at, Symbol: p.Symbol})
	r.Erased = append(r.Erased, Erased{SourceID: p.SourceID, Symbol: p.Symbol, Outcome: o, Remainder: remainder})
	if o == Clipped {
		r.Stats.Clipped++
	} else {
		r.Stats.Untouched++
	}
}

func (r *Result) drop(p symbology.SymbolPolygon) {
	r.Eliminated = append(r.Eliminated, p.Point())
	r.Stats.Eliminated++
}
