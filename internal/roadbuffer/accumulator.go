package roadbuffer

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/geometry"
)

// Accumulator holds, per fraction, the running union of every class buffer
// merged so far. Geometry only ever grows: there is no removal.
//
// Merge appends; Get dissolves the pending parts and caches the result until
// the next Merge for that fraction.
type Accumulator struct {
	engine    geometry.Engine
	fractions []float64
	parts     map[float64][]orb.MultiPolygon
	dissolved map[float64]bool
	merges    map[float64]int
}

// NewAccumulator creates an accumulator seeded empty for every fraction.
func NewAccumulator(engine geometry.Engine, fractions []float64) *Accumulator {
	fs := append([]float64(nil), fractions...)
	sort.Float64s(fs)
	a := &Accumulator{
		engine:    engine,
		fractions: fs,
		parts:     make(map[float64][]orb.MultiPolygon, len(fs)),
		dissolved: make(map[float64]bool, len(fs)),
		merges:    make(map[float64]int, len(fs)),
	}
	for _, f := range fs {
		a.parts[f] = nil
		a.dissolved[f] = true
	}
	return a
}

// Fractions returns the accumulated fractions in ascending order.
func (a *Accumulator) Fractions() []float64 {
	return append([]float64(nil), a.fractions...)
}

// Merge adds g to the accumulated geometry of fraction. The accumulator takes
// ownership of g.
func (a *Accumulator) Merge(fraction float64, g orb.MultiPolygon) error {
	if _, ok := a.parts[fraction]; !ok {
		return fmt.Errorf("accumulator has no fraction %g", fraction)
	}
	a.merges[fraction]++
	if geometry.IsEmpty(g) {
		return nil
	}
	a.parts[fraction] = append(a.parts[fraction], g)
	a.dissolved[fraction] = false
	return nil
}

// Merges returns how many times fraction has been merged into.
func (a *Accumulator) Merges(fraction float64) int { return a.merges[fraction] }

// Get returns the dissolved union for fraction. The result is a copy.
func (a *Accumulator) Get(fraction float64) (orb.MultiPolygon, error) {
	parts, ok := a.parts[fraction]
	if !ok {
		return nil, fmt.Errorf("accumulator has no fraction %g", fraction)
	}
	if len(parts) == 0 {
		return orb.MultiPolygon{}, nil
	}
	if !a.dissolved[fraction] {
		u, err := a.engine.Union(parts...)
		if err != nil {
			return nil, fmt.Errorf("dissolve accumulated buffer %g: %w", fraction, err)
		}
		a.parts[fraction] = []orb.MultiPolygon{u}
		a.dissolved[fraction] = true
	}
	return a.parts[fraction][0].Clone(), nil
}

// Area returns the area of the accumulated geometry of fraction.
func (a *Accumulator) Area(fraction float64) (float64, error) {
	g, err := a.Get(fraction)
	if err != nil {
		return 0, err
	}
	return geometry.Area(g), nil
}
