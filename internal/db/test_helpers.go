package db

import (
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/naming"
)

// newTestDB opens a migrated database in a temporary directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testDataset(description string) naming.Dataset {
	k := naming.Key{Stage: "test_stage", Description: description}
	return naming.Dataset{Key: k, Name: naming.Name(k.Stage, k.Description, "n100")}
}

func testSquare(cx, cy, half float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{cx - half, cy - half},
		{cx + half, cy - half},
		{cx + half, cy + half},
		{cx - half, cy + half},
		{cx - half, cy - half},
	}}
}
