package roadbuffer

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/geometry"
)

// ErrEmptyResult marks a selection or buffer that produced no geometry. It is
// a warning: the empty result flows on and the run continues.
var ErrEmptyResult = errors.New("empty result")

// RoadSource selects road segments by attribute predicate.
type RoadSource interface {
	ValidatePredicate(ctx context.Context, predicate string) error
	Select(ctx context.Context, predicate string) ([]db.RoadSegment, error)
}

// BufferSet is the dissolved buffer of one class at one fraction.
type BufferSet struct {
	ClassID      int
	Fraction     float64
	Width        float64
	SegmentCount int
	Geometry     orb.MultiPolygon
	// Warning wraps ErrEmptyResult when the selection was empty.
	Warning error
}

// Empty reports whether the set has no area.
func (s BufferSet) Empty() bool { return geometry.IsEmpty(s.Geometry) }

// Options configures a Builder.
type Options struct {
	Widths           WidthRule
	MultiClassPolicy config.MultiClassPolicy
}

// Builder selects the segments of a road class and buffers them.
//
// Under MultiClassForbid a segment belongs to the first class that selects
// it; later classes skip it. Claims persist for the life of the Builder, so
// classes must be selected in processing order.
type Builder struct {
	roads   RoadSource
	engine  geometry.Engine
	widths  WidthRule
	policy  config.MultiClassPolicy
	claimed map[int64]int
}

// NewBuilder creates a Builder. A zero Options uses DefaultWidthRule and
// MultiClassAllow.
func NewBuilder(roads RoadSource, engine geometry.Engine, opts Options) *Builder {
	if opts.Widths == (WidthRule{}) {
		opts.Widths = DefaultWidthRule
	}
	if opts.MultiClassPolicy == "" {
		opts.MultiClassPolicy = config.MultiClassAllow
	}
	return &Builder{
		roads:   roads,
		engine:  engine,
		widths:  opts.Widths,
		policy:  opts.MultiClassPolicy,
		claimed: make(map[int64]int),
	}
}

// Reset forgets every segment claim.
func (b *Builder) Reset() {
	b.claimed = make(map[int64]int)
}

// Validate checks every class predicate against the road store before any
// geometry is computed.
func (b *Builder) Validate(ctx context.Context, classes []RoadClass) error {
	for _, c := range classes {
		if err := b.roads.ValidatePredicate(ctx, c.Predicate); err != nil {
			return fmt.Errorf("road class %d: %w", c.ID, err)
		}
	}
	return nil
}

// Select returns the segments of class, applying the multi-class policy.
func (b *Builder) Select(ctx context.Context, class RoadClass) ([]db.RoadSegment, error) {
	segs, err := b.roads.Select(ctx, class.Predicate)
	if err != nil {
		return nil, fmt.Errorf("select road class %d: %w", class.ID, err)
	}
	if b.policy != config.MultiClassForbid {
		return segs, nil
	}

	kept := segs[:0]
	for _, s := range segs {
		owner, ok := b.claimed[s.ID]
		if ok && owner != class.ID {
			continue
		}
		b.claimed[s.ID] = class.ID
		kept = append(kept, s)
	}
	return kept, nil
}

// Build selects the segments of class and buffers them at the effective width
// of fraction.
func (b *Builder) Build(ctx context.Context, class RoadClass, fraction float64) (BufferSet, error) {
	segs, err := b.Select(ctx, class)
	if err != nil {
		return BufferSet{}, err
	}
	return b.BufferSegments(class, fraction, segs)
}

// BuildAll builds class at every fraction from a single selection.
func (b *Builder) BuildAll(ctx context.Context, class RoadClass, fractions []float64) ([]BufferSet, error) {
	segs, err := b.Select(ctx, class)
	if err != nil {
		return nil, err
	}
	out := make([]BufferSet, 0, len(fractions))
	for _, f := range fractions {
		set, err := b.BufferSegments(class, f, segs)
		if err != nil {
			return out, err
		}
		out = append(out, set)
	}
	return out, nil
}

// BufferSegments buffers an existing selection of class at fraction.
func (b *Builder) BufferSegments(class RoadClass, fraction float64, segs []db.RoadSegment) (BufferSet, error) {
	set := BufferSet{
		ClassID:      class.ID,
		Fraction:     fraction,
		Width:        b.widths.Effective(class.BaseWidth, fraction),
		SegmentCount: len(segs),
		Geometry:     orb.MultiPolygon{},
	}
	if len(segs) == 0 {
		set.Warning = fmt.Errorf("road class %d has no matching segments: %w", class.ID, ErrEmptyResult)
		return set, nil
	}

	lines := make([]orb.LineString, len(segs))
	for i, s := range segs {
		lines[i] = s.Geometry
	}
	g, err := b.engine.Buffer(lines, set.Width)
	if err != nil {
		return set, fmt.Errorf("buffer road class %d at %g: %w", class.ID, fraction, err)
	}
	set.Geometry = g
	if set.Empty() {
		set.Warning = fmt.Errorf("road class %d buffer at %g is empty: %w", class.ID, fraction, ErrEmptyResult)
	}
	return set, nil
}
