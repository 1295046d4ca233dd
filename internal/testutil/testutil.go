// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/symbology"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertInDelta fails the test if got and want differ by more than delta.
func AssertInDelta(t testing.TB, got, want, delta float64, what string) {
	t.Helper()
	if math.Abs(got-want) > delta {
		t.Errorf("%s = %g, want %g (±%g)", what, got, want, delta)
	}
}

// NewTestDB opens a migrated SQLite database in a temporary directory and
// closes it when the test ends.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// NewRoadStore returns a road store over a fresh database loaded with segs.
func NewRoadStore(t *testing.T, segs []db.RoadSegment) *db.RoadStore {
	t.Helper()
	store := db.NewRoadStore(NewTestDB(t))
	if err := store.Replace(context.Background(), segs); err != nil {
		t.Fatalf("load road segments: %v", err)
	}
	return store
}

// Square returns the axis-aligned square of side 2*half centred on (cx, cy).
func Square(cx, cy, half float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{cx - half, cy - half},
		{cx + half, cy - half},
		{cx + half, cy + half},
		{cx - half, cy + half},
		{cx - half, cy - half},
	}}
}

// Scenario is the canonical three building fixture: a dual carriageway
// motorway along the x axis and buildings with symbol codes 1, 4 and 7.
//
// The carriageways run at y = ±40. At full width (42.5 + 15 = 57.5) their
// class 1 buffers join into a band covering |y| <= 97.5, which swallows the
// 145x145 footprint of building 1 at the origin. Buildings 2 and 3 sit far
// enough north that their small footprints stay clear of every buffer.
type Scenario struct {
	Roads     []db.RoadSegment
	Buildings []symbology.BuildingPoint
}

// ThreeBuildingScenario returns the canonical fixture.
func ThreeBuildingScenario() Scenario {
	return Scenario{
		Roads: []db.RoadSegment{
			{
				ID:           1,
				ObjectID:     1001,
				SubtypeKode:  1,
				MotorvegType: "Motorveg",
				Geometry:     orb.LineString{{-1000, -40}, {1000, -40}},
			},
			{
				ID:           2,
				ObjectID:     1002,
				SubtypeKode:  1,
				MotorvegType: "Motorveg",
				Geometry:     orb.LineString{{1000, 40}, {-1000, 40}},
			},
		},
		Buildings: []symbology.BuildingPoint{
			{ID: 1, Position: orb.Point{0, 0}, Symbol: 1},
			{ID: 2, Position: orb.Point{300, 200}, Symbol: 4},
			{ID: 3, Position: orb.Point{-300, 250}, Symbol: 7},
		},
	}
}
