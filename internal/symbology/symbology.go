// Package symbology turns building points into the rectangular footprint
// their map symbol occupies at the target scale.
package symbology

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/monitoring"
)

// BuildingPoint is a building's placement point and its symbol code.
type BuildingPoint struct {
	ID       int64
	Position orb.Point
	Symbol   int
}

// SymbolPolygon is the footprint of one building symbol. SourceID and Origin
// trace it back to the point it was made from.
type SymbolPolygon struct {
	SourceID int64
	Symbol   int
	Origin   orb.Point
	Polygon  orb.Polygon
}

// Point returns the building point the polygon was synthesized from.
func (p SymbolPolygon) Point() BuildingPoint {
	return BuildingPoint{ID: p.SourceID, Position: p.Origin, Symbol: p.Symbol}
}

// Stats counts what a Synthesize call did.
type Stats struct {
	Input       int
	Synthesized int
	Skipped     int
	// SkippedByCode counts skipped points per unrecognized symbol code.
	SkippedByCode map[int]int
}

// Synthesizer builds symbol footprints from a fixed dimension table.
type Synthesizer struct {
	dims map[int]config.SymbolDimension
}

// NewSynthesizer validates dims and returns a Synthesizer that owns a copy.
func NewSynthesizer(dims map[int]config.SymbolDimension) (*Synthesizer, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: empty symbol dimension table", config.ErrConfiguration)
	}
	if err := config.ValidateSymbolDimensions(dims); err != nil {
		return nil, err
	}
	owned := make(map[int]config.SymbolDimension, len(dims))
	for k, v := range dims {
		owned[k] = v
	}
	return &Synthesizer{dims: owned}, nil
}

// Dimension returns the symbol size for code.
func (s *Synthesizer) Dimension(code int) (config.SymbolDimension, bool) {
	d, ok := s.dims[code]
	return d, ok
}

// Synthesize returns one rectangle per point with a known symbol code, sorted
// by source id so the output does not depend on input order. Points with an
// unknown code are skipped, counted and logged.
func (s *Synthesizer) Synthesize(points []BuildingPoint) ([]SymbolPolygon, Stats) {
	stats := Stats{Input: len(points)}
	out := make([]SymbolPolygon, 0, len(points))

	for _, pt := range points {
		d, ok := s.dims[pt.Symbol]
		if !ok {
			if stats.SkippedByCode == nil {
				stats.SkippedByCode = make(map[int]int)
			}
			stats.SkippedByCode[pt.Symbol]++
			stats.Skipped++
			continue
		}
		out = append(out, SymbolPolygon{
			SourceID: pt.ID,
			Symbol:   pt.Symbol,
			Origin:   pt.Position,
			Polygon:  Rectangle(pt.Position, d.Width, d.Height),
		})
	}
	stats.Synthesized = len(out)

	sort.Slice(out, func(i, j int) bool { return lessPolygon(out[i], out[j]) })

	if stats.Skipped > 0 {
		codes := make([]int, 0, len(stats.SkippedByCode))
		for code := range stats.SkippedByCode {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			monitoring.Warnf("skipped %d building point(s) with unrecognized symbol code %d", stats.SkippedByCode[code], code)
		}
	}
	return out, stats
}

// lessPolygon orders by source id, breaking ties on the origin and symbol so
// duplicate ids still sort deterministically.
func lessPolygon(a, b SymbolPolygon) bool {
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	if a.Origin[0] != b.Origin[0] {
		return a.Origin[0] < b.Origin[0]
	}
	if a.Origin[1] != b.Origin[1] {
		return a.Origin[1] < b.Origin[1]
	}
	return a.Symbol < b.Symbol
}

// Rectangle returns the axis-aligned rectangle of size w×h centred on c, with a
// counter-clockwise exterior ring.
func Rectangle(c orb.Point, w, h float64) orb.Polygon {
	hw, hh := w/2, h/2
	return orb.Polygon{orb.Ring{
		{c[0] - hw, c[1] - hh},
		{c[0] + hw, c[1] - hh},
		{c[0] + hw, c[1] + hh},
		{c[0] - hw, c[1] + hh},
		{c[0] - hw, c[1] - hh},
	}}
}
