// Package displacement moves building points along with the roads they
// belong to after the road network has been generalised.
//
// Road movement is described by links from an original road vertex to its
// generalised position. Each building point is translated rigidly by the
// inverse-distance-weighted mean of the nearest links within the search
// radius. Points with no link in range stay where they are.
package displacement

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/monitoring"
	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/symbology"
)

// StyleSolid moves a point as a rigid body. It is the only supported style.
const StyleSolid = "SOLID"

// Link records how far one road vertex moved.
type Link struct {
	ID   int64
	From orb.Point
	To   orb.Point
}

// Point implements orb.Pointer so links can be indexed by their origin.
func (l Link) Point() orb.Point { return l.From }

// Vector returns the displacement carried by the link.
func (l Link) Vector() orb.Point { return orb.Point{l.To[0] - l.From[0], l.To[1] - l.From[1]} }

// Options control the neighbourhood a point draws its displacement from.
type Options struct {
	Radius     float64
	Neighbours int
	Style      string
}

// OptionsFromConfig reads the displacement settings of cfg.
func OptionsFromConfig(cfg *config.GeneralizationConfig) Options {
	return Options{
		Radius:     cfg.GetDisplacementRadius(),
		Neighbours: cfg.GetDisplacementNeighbours(),
		Style:      cfg.GetDisplacementStyle(),
	}
}

// Stats summarise one propagation.
type Stats struct {
	Input     int
	Moved     int
	MeanShift float64
	MaxShift  float64
}

// Propagator holds a spatial index over a set of links.
type Propagator struct {
	opts  Options
	tree  *quadtree.Quadtree
	links int
}

// NewPropagator indexes links. Unsupported styles and non-positive radius or
// neighbour counts are configuration errors.
func NewPropagator(links []Link, opts Options) (*Propagator, error) {
	if opts.Style == "" {
		opts.Style = StyleSolid
	}
	if !strings.EqualFold(opts.Style, StyleSolid) {
		return nil, fmt.Errorf("%w: unsupported displacement style %q", config.ErrConfiguration, opts.Style)
	}
	if opts.Radius <= 0 || math.IsNaN(opts.Radius) {
		return nil, fmt.Errorf("%w: displacement radius must be positive, got %g", config.ErrConfiguration, opts.Radius)
	}
	if opts.Neighbours <= 0 {
		return nil, fmt.Errorf("%w: displacement neighbours must be positive, got %d", config.ErrConfiguration, opts.Neighbours)
	}

	p := &Propagator{opts: opts}
	if len(links) == 0 {
		return p, nil
	}

	bound := links[0].From.Bound()
	for _, l := range links[1:] {
		bound = bound.Extend(l.From)
	}
	p.tree = quadtree.New(bound.Pad(opts.Radius))
	for _, l := range links {
		if err := p.tree.Add(l); err != nil {
			return nil, fmt.Errorf("index link %d: %w", l.ID, err)
		}
	}
	p.links = len(links)
	return p, nil
}

// Len returns the number of indexed links.
func (p *Propagator) Len() int { return p.links }

// Offset returns the displacement for a point at pt and the number of links
// that contributed to it. A link starting exactly at pt wins outright.
func (p *Propagator) Offset(pt orb.Point) (orb.Point, int) {
	if p.tree == nil {
		return orb.Point{}, 0
	}
	near := p.tree.KNearest(nil, pt, p.opts.Neighbours, p.opts.Radius)

	var dx, dy, weights []float64
	for _, n := range near {
		l := n.(Link)
		d := planar.Distance(pt, l.From)
		if d > p.opts.Radius {
			continue
		}
		if d == 0 {
			return l.Vector(), 1
		}
		v := l.Vector()
		dx = append(dx, v[0])
		dy = append(dy, v[1])
		weights = append(weights, 1/d)
	}
	if len(weights) == 0 {
		return orb.Point{}, 0
	}
	return orb.Point{stat.Mean(dx, weights), stat.Mean(dy, weights)}, len(weights)
}

// Propagate returns moved copies of points in input order.
func (p *Propagator) Propagate(points []symbology.BuildingPoint) ([]symbology.BuildingPoint, Stats) {
	out := make([]symbology.BuildingPoint, len(points))
	stats := Stats{Input: len(points)}
	var shifts []float64
	for i, pt := range points {
		out[i] = pt
		v, n := p.Offset(pt.Position)
		if n == 0 || (v[0] == 0 && v[1] == 0) {
			continue
		}
		out[i].Position = orb.Point{pt.Position[0] + v[0], pt.Position[1] + v[1]}
		shift := math.Hypot(v[0], v[1])
		shifts = append(shifts, shift)
		stats.MaxShift = math.Max(stats.MaxShift, shift)
	}
	stats.Moved = len(shifts)
	if len(shifts) > 0 {
		stats.MeanShift = stat.Mean(shifts, nil)
	}
	return out, stats
}

// PropagateDataset moves the points stored in src in place. A copy of src is
// kept before and after the move under the propagation snapshot names.
func (p *Propagator) PropagateDataset(ctx context.Context, store *db.DatasetStore, reg *naming.Registry, src naming.Dataset, runID string) (stats Stats, err error) {
	t := monitoring.StartStage("propagate displacement " + src.Name)
	defer t.Done(&err)

	if err := store.Copy(ctx, src, reg.Dataset(naming.KeyPrePropagate), runID); err != nil {
		return stats, err
	}
	features, err := store.Read(ctx, src)
	if err != nil {
		return stats, err
	}
	points := make([]symbology.BuildingPoint, 0, len(features))
	for _, f := range features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return stats, fmt.Errorf("%s: feature %d is a %s, not a Point", src.Name, f.SourceID, f.Geometry.GeoJSONType())
		}
		points = append(points, symbology.BuildingPoint{ID: f.SourceID, Position: pt, Symbol: f.Symbol})
	}

	moved, stats := p.Propagate(points)
	for i := range features {
		features[i].Geometry = moved[i].Position
	}
	if err := store.Write(ctx, src, db.KindPoint, runID, features); err != nil {
		return stats, err
	}
	if err := store.Copy(ctx, src, reg.Dataset(naming.KeyAfterPropagate), runID); err != nil {
		return stats, err
	}
	monitoring.Logf("[displacement] %s: moved %d of %d points (mean %.2f, max %.2f)",
		src.Name, stats.Moved, stats.Input, stats.MeanShift, stats.MaxShift)
	return stats, nil
}
