package symbology

import (
	"errors"
	"log"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/monitoring"
)

func defaultSynthesizer(t *testing.T) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(config.DefaultGeneralizationConfig().GetSymbolDimensions())
	require.NoError(t, err)
	return s
}

func TestRectangle(t *testing.T) {
	r := Rectangle(orb.Point{100, 200}, 195, 145)

	want := orb.Polygon{orb.Ring{
		{2.5, 127.5},
		{197.5, 127.5},
		{197.5, 272.5},
		{2.5, 272.5},
		{2.5, 127.5},
	}}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("Rectangle() mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 195*145, planar.Area(r), 1e-9)
	assert.Equal(t, orb.CCW, r[0].Orientation())
}

func TestSynthesize_DefaultTable(t *testing.T) {
	s := defaultSynthesizer(t)

	tests := []struct {
		code          int
		width, height float64
	}{
		{1, 145, 145},
		{2, 145, 145},
		{3, 195, 145},
		{4, 40, 40},
		{5, 80, 80},
		{6, 30, 30},
		{7, 45, 45},
		{8, 45, 45},
		{9, 53, 45},
	}
	for _, tt := range tests {
		polys, stats := s.Synthesize([]BuildingPoint{{ID: 1, Position: orb.Point{0, 0}, Symbol: tt.code}})
		require.Len(t, polys, 1, "code %d", tt.code)
		assert.Zero(t, stats.Skipped)

		b := polys[0].Polygon.Bound()
		assert.InDelta(t, tt.width, b.Max[0]-b.Min[0], 1e-9, "code %d width", tt.code)
		assert.InDelta(t, tt.height, b.Max[1]-b.Min[1], 1e-9, "code %d height", tt.code)
		assert.Equal(t, orb.Point{0, 0}, b.Center())
	}
}

func TestSynthesize_SkipsUnknownCodes(t *testing.T) {
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, format)
	})
	defer monitoring.SetLogger(log.Printf)

	s := defaultSynthesizer(t)
	points := []BuildingPoint{
		{ID: 1, Position: orb.Point{0, 0}, Symbol: 1},
		{ID: 2, Position: orb.Point{0, 0}, Symbol: 0},
		{ID: 3, Position: orb.Point{0, 0}, Symbol: 12},
		{ID: 4, Position: orb.Point{0, 0}, Symbol: 12},
	}

	polys, stats := s.Synthesize(points)
	require.Len(t, polys, 1)
	assert.Equal(t, int64(1), polys[0].SourceID)
	assert.Equal(t, Stats{
		Input:         4,
		Synthesized:   1,
		Skipped:       3,
		SkippedByCode: map[int]int{0: 1, 12: 2},
	}, stats)
	require.Len(t, logged, 2)
	assert.True(t, strings.HasPrefix(logged[0], "[warn] "))
}

func TestSynthesize_Deterministic(t *testing.T) {
	s := defaultSynthesizer(t)
	rng := rand.New(rand.NewSource(7))

	points := make([]BuildingPoint, 200)
	for i := range points {
		points[i] = BuildingPoint{
			ID:       int64(i + 1),
			Position: orb.Point{rng.Float64() * 1e5, rng.Float64() * 1e5},
			Symbol:   1 + rng.Intn(9),
		}
	}

	first, _ := s.Synthesize(points)

	shuffled := append([]BuildingPoint(nil), points...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	second, _ := s.Synthesize(shuffled)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Synthesize() depends on input order (-first +second):\n%s", diff)
	}
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].SourceID, first[i].SourceID)
	}
}

func TestSynthesize_TraceableToSource(t *testing.T) {
	s := defaultSynthesizer(t)
	in := BuildingPoint{ID: 42, Position: orb.Point{10.5, -3}, Symbol: 9}

	polys, _ := s.Synthesize([]BuildingPoint{in})
	require.Len(t, polys, 1)
	assert.Equal(t, in, polys[0].Point())
	assert.True(t, planar.PolygonContains(polys[0].Polygon, in.Position))
}

func TestSynthesize_Empty(t *testing.T) {
	s := defaultSynthesizer(t)
	polys, stats := s.Synthesize(nil)
	assert.Empty(t, polys)
	assert.Equal(t, Stats{}, stats)
}

func TestNewSynthesizer_Invalid(t *testing.T) {
	tests := []struct {
		name string
		dims map[int]config.SymbolDimension
	}{
		{"empty", nil},
		{"code out of range", map[int]config.SymbolDimension{10: {Width: 1, Height: 1}}},
		{"zero width", map[int]config.SymbolDimension{1: {Width: 0, Height: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthesizer(tt.dims)
			require.Error(t, err)
			assert.True(t, errors.Is(err, config.ErrConfiguration))
		})
	}
}

func TestNewSynthesizer_OwnsTable(t *testing.T) {
	dims := map[int]config.SymbolDimension{1: {Width: 10, Height: 10}}
	s, err := NewSynthesizer(dims)
	require.NoError(t, err)

	dims[1] = config.SymbolDimension{Width: 99, Height: 99}
	d, ok := s.Dimension(1)
	require.True(t, ok)
	assert.Equal(t, 10.0, d.Width)
}
