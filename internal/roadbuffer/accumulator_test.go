package roadbuffer

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/testutil"
)

func TestAccumulator_EmptyAndUnknownFraction(t *testing.T) {
	a := NewAccumulator(newEngine(), []float64{1.0, 0.25})
	assert.Equal(t, []float64{0.25, 1.0}, a.Fractions())

	g, err := a.Get(1.0)
	require.NoError(t, err)
	assert.True(t, geometry.IsEmpty(g))

	_, err = a.Get(0.5)
	assert.Error(t, err)
	assert.Error(t, a.Merge(0.5, orb.MultiPolygon{testutil.Square(0, 0, 1)}))
}

func TestAccumulator_MergeDissolves(t *testing.T) {
	a := NewAccumulator(newEngine(), []float64{1.0})

	require.NoError(t, a.Merge(1.0, orb.MultiPolygon{testutil.Square(0, 0, 10)}))
	require.NoError(t, a.Merge(1.0, orb.MultiPolygon{testutil.Square(10, 0, 10)}))
	require.NoError(t, a.Merge(1.0, orb.MultiPolygon{}))
	assert.Equal(t, 3, a.Merges(1.0))

	g, err := a.Get(1.0)
	require.NoError(t, err)
	require.Len(t, g, 1)
	assert.InDelta(t, 600.0, geometry.Area(g), 1e-6)

	// The returned value is a copy.
	g[0][0][0] = orb.Point{-1e6, -1e6}
	again, err := a.Get(1.0)
	require.NoError(t, err)
	assert.InDelta(t, 600.0, geometry.Area(again), 1e-6)
}

func TestAccumulator_MonotonicAcrossClasses(t *testing.T) {
	ctx := context.Background()
	engine := newEngine()
	fractions := config.DefaultGeneralizationConfig().GetBufferFractions()
	b := NewBuilder(testutil.NewRoadStore(t, sampleRoads()), engine, Options{})
	a := NewAccumulator(engine, fractions)

	prev := make(map[float64]orb.MultiPolygon)
	for _, class := range defaultClasses() {
		sets, err := b.BuildAll(ctx, class, fractions)
		require.NoError(t, err)
		for _, set := range sets {
			require.NoError(t, a.Merge(set.Fraction, set.Geometry))
		}

		for _, f := range fractions {
			cur, err := a.Get(f)
			require.NoError(t, err)
			covers, err := engine.Covers(cur, prev[f])
			require.NoError(t, err)
			assert.True(t, covers, "class %d fraction %g shrank the accumulated buffer", class.ID, f)
			assert.GreaterOrEqual(t, geometry.Area(cur), geometry.Area(prev[f]))
			prev[f] = cur
		}
	}
}

func TestAccumulator_ClassOrderDoesNotChangeArea(t *testing.T) {
	ctx := context.Background()
	engine := newEngine()
	classes := defaultClasses()

	accumulate := func(order []int) float64 {
		b := NewBuilder(testutil.NewRoadStore(t, sampleRoads()), engine, Options{})
		a := NewAccumulator(engine, []float64{1.0})
		for _, i := range order {
			set, err := b.Build(ctx, classes[i], 1.0)
			require.NoError(t, err)
			require.NoError(t, a.Merge(1.0, set.Geometry))
		}
		area, err := a.Area(1.0)
		require.NoError(t, err)
		return area
	}

	// Classes 1 and 3 share segment 5.
	forward := accumulate([]int{0, 1, 2, 3})
	swapped := accumulate([]int{2, 1, 0, 3})
	reversed := accumulate([]int{3, 2, 1, 0})

	assert.Greater(t, forward, 0.0)
	assert.InDelta(t, forward, swapped, forward*1e-6)
	assert.InDelta(t, forward, reversed, forward*1e-6)
}
