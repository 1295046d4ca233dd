package pipeline

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/symbology"
	"github.com/banshee-data/mapgen/internal/testutil"
	"github.com/banshee-data/mapgen/internal/timeutil"
)

// scriptedEngine wraps a real engine and lets a test intercept Erase.
type scriptedEngine struct {
	geometry.Engine
	erases  int
	onErase func(call int) error
}

func (e *scriptedEngine) Erase(polygons []orb.Polygon, subtrahend orb.MultiPolygon) ([]geometry.EraseResult, error) {
	e.erases++
	if e.onErase != nil {
		if err := e.onErase(e.erases); err != nil {
			return nil, err
		}
	}
	return e.Engine.Erase(polygons, subtrahend)
}

func newEngine() *scriptedEngine {
	return &scriptedEngine{Engine: geometry.NewGEOSEngine(geometry.GEOSOptions{QuadrantSegments: 8})}
}

func newDriver(t *testing.T, database *db.DB, engine geometry.Engine, cfg *config.GeneralizationConfig) *Driver {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultGeneralizationConfig()
	}
	d, err := NewDriver(cfg, Deps{
		DB:     database,
		Engine: engine,
		Clock:  timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return d
}

func loadedDriver(t *testing.T, engine geometry.Engine) (*Driver, *db.DB, testutil.Scenario) {
	t.Helper()
	database := testutil.NewTestDB(t)
	sc := testutil.ThreeBuildingScenario()
	d := newDriver(t, database, engine, nil)
	require.NoError(t, d.LoadRoads(context.Background(), sc.Roads))
	return d, database, sc
}

func pointIDs(points []symbology.BuildingPoint) []int64 {
	ids := make([]int64, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestDriver_ThreeBuildingScenario(t *testing.T) {
	ctx := context.Background()
	d, _, sc := loadedDriver(t, newEngine())

	res, err := d.Run(ctx, Input{Points: sc.Buildings})
	require.NoError(t, err)
	assert.Equal(t, StateDone, d.State())
	assert.Equal(t, 4, d.CurrentClass())

	assert.Equal(t, []int64{2, 3}, pointIDs(res.Points))
	assert.Equal(t, []int64{1}, pointIDs(res.Eliminated))
	for _, p := range res.Points {
		want := sc.Buildings[p.ID-1]
		assert.Equal(t, want.Position, p.Position, "building %d must not move", p.ID)
		assert.Equal(t, want.Symbol, p.Symbol)
	}

	require.Len(t, res.Classes, 4)
	assert.Equal(t, 1, res.Classes[0].Elimination.Eliminated)
	assert.Equal(t, 2, res.Classes[0].Elimination.Untouched)
	assert.Equal(t, 2, res.Classes[2].Elimination.Untouched)
	assert.Equal(t, 2, res.Classes[1].Elimination.Input)

	// Classes 2 and 4 select nothing from the motorway fixture.
	assert.Equal(t, 0, res.Classes[1].Segments)
	assert.Equal(t, 0, res.Classes[3].Segments)
	assert.Equal(t, 2, res.Warnings)

	// Full width of class 1 is 42.5 + 15 on both carriageways.
	full := res.Classes[0].Buffers[len(res.Classes[0].Buffers)-1]
	assert.InDelta(t, 57.5, full.Width, 1e-9)
	assert.False(t, full.Empty)

	// Accumulated areas never shrink as the fraction grows.
	prev := 0.0
	for _, f := range config.DefaultGeneralizationConfig().GetBufferFractions() {
		assert.GreaterOrEqual(t, res.AccumulatedArea[f], prev, "fraction %g", f)
		prev = res.AccumulatedArea[f]
	}
	assert.InDelta(t, geometry.Area(res.Accumulated), res.AccumulatedArea[1.0], 1e-6)
}

func TestDriver_PersistsNamedDatasets(t *testing.T) {
	ctx := context.Background()
	d, _, sc := loadedDriver(t, newEngine())

	_, err := d.Run(ctx, Input{Points: sc.Buildings})
	require.NoError(t, err)

	names := d.Datasets()
	store := d.Store()
	for _, tc := range []struct {
		ds    naming.Dataset
		count int
	}{
		{names.Roads(), 2},
		{names.InputPoints(), 3},
		{names.Selection(1), 2},
		{names.ClassBuffer(1, 57.5), -1},
		{names.Accumulated(1.0), -1},
		{names.SymbolPolygons(1), 3},
		{names.Survivors(1), 2},
		{names.Survivors(4), 2},
	} {
		info, err := store.Info(ctx, tc.ds)
		require.NoError(t, err, tc.ds.Name)
		if tc.count >= 0 {
			assert.Equal(t, tc.count, info.FeatureCount, tc.ds.Name)
		} else {
			assert.Positive(t, info.FeatureCount, tc.ds.Name)
		}
	}

	assert.Equal(t, "table_management__bygningspunkt_pre_resolve_building_conflicts__n100_1", names.Survivors(1).Name)
	assert.Equal(t, "roads_to_polygon__selection_roads__n100_selection_1", names.Selection(1).Name)
	assert.Equal(t, "roads_to_polygon__roads_buffer_appended__n100_57_5m_1", names.ClassBuffer(1, 57.5).Name)

	features, err := store.Read(ctx, names.Survivors(4))
	require.NoError(t, err)
	points, err := featurePoints(features)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, pointIDs(points))
}

func TestDriver_RecordsStageEvents(t *testing.T) {
	ctx := context.Background()
	d, _, sc := loadedDriver(t, newEngine())

	res, err := d.Run(ctx, Input{Points: sc.Buildings})
	require.NoError(t, err)

	run, err := d.Runs().Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.RunCompleted, run.Status)
	assert.NotEmpty(t, run.ConfigJSON)

	events, err := d.Runs().ListEvents(ctx, res.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, StageValidate, events[0].Stage)
	assert.Equal(t, StagePrepare, events[1].Stage)

	counts := map[string]int{}
	for _, ev := range events {
		counts[ev.Stage]++
	}
	assert.Equal(t, 4, counts[StageSelect])
	assert.Equal(t, 20, counts[StageBuffer])
	assert.Equal(t, 4, counts[StageSynthesize])
	assert.Equal(t, 4, counts[StageEliminate])

	warnings, err := d.Runs().CountWarnings(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Warnings, warnings)
}

func TestDriver_EngineFailureIsStageError(t *testing.T) {
	ctx := context.Background()
	engine := newEngine()
	engine.onErase = func(int) error {
		return &geometry.EngineError{Op: "erase", Err: errors.New("topology exception")}
	}
	d, _, sc := loadedDriver(t, engine)

	res, err := d.Run(ctx, Input{Points: sc.Buildings})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, StateFailed, d.State())

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Class)
	assert.Equal(t, StageEliminate, se.Stage)
	assert.ErrorIs(t, err, geometry.ErrEngine)
}

func TestDriver_InvalidPredicateFailsBeforeGeometry(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	cfg := config.DefaultGeneralizationConfig()
	cfg.RoadClasses[2].Predicate = "SUBTYPEKODE = = 1"
	engine := newEngine()
	d := newDriver(t, database, engine, cfg)

	_, err := d.Run(ctx, Input{Points: testutil.ThreeBuildingScenario().Buildings})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageValidate, se.Stage)
	assert.Zero(t, engine.erases)

	exists, err := d.Store().Exists(ctx, d.Datasets().Accumulated(1.0))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDriver_CancelBetweenClasses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := newEngine()
	// Cancel while class 1 is eliminating; class 1 still completes.
	engine.onErase = func(call int) error {
		if call == 1 {
			cancel()
		}
		return nil
	}
	d, _, sc := loadedDriver(t, engine)

	_, err := d.Run(ctx, Input{Points: sc.Buildings})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, d.State())
	assert.Equal(t, 1, d.CurrentClass())

	bg := context.Background()
	exists, err := d.Store().Exists(bg, d.Datasets().Survivors(1))
	require.NoError(t, err)
	assert.True(t, exists, "class 1 runs to completion")

	exists, err = d.Store().Exists(bg, d.Datasets().Survivors(2))
	require.NoError(t, err)
	assert.False(t, exists, "class 2 never starts")
}

func TestDriver_ResumeFromClass(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	sc := testutil.ThreeBuildingScenario()

	first := newDriver(t, database, newEngine(), nil)
	require.NoError(t, first.LoadRoads(ctx, sc.Roads))
	full, err := first.Run(ctx, Input{Points: sc.Buildings})
	require.NoError(t, err)

	// Class 3 starts from the stored survivors of class 2 and the
	// accumulated buffers; the input points are ignored.
	resumed := newDriver(t, database, newEngine(), nil)
	res, err := resumed.Run(ctx, Input{StartClass: 3})
	require.NoError(t, err)

	run, err := resumed.Runs().Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.StartClass)

	require.Len(t, res.Classes, 2)
	assert.Equal(t, 3, res.Classes[0].ClassID)
	assert.Equal(t, pointIDs(full.Points), pointIDs(res.Points))
	assert.Empty(t, res.Eliminated)
	assert.InDelta(t, full.AccumulatedArea[1.0], res.AccumulatedArea[1.0], 1e-6*full.AccumulatedArea[1.0])
}

func TestDriver_ResumeWithoutStoredDatasets(t *testing.T) {
	d, _, _ := loadedDriver(t, newEngine())

	_, err := d.Run(context.Background(), Input{StartClass: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrDatasetNotFound)
	assert.Contains(t, err.Error(), "roads_to_polygon__roads_buffer_appended__n100_factor_")

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageResume, se.Stage)
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_UnknownStartClass(t *testing.T) {
	d, _, _ := loadedDriver(t, newEngine())

	_, err := d.Run(context.Background(), Input{StartClass: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.Equal(t, StateFailed, d.State())
}

func TestDriver_ErasePolicyDiscard(t *testing.T) {
	ctx := context.Background()
	database := testutil.NewTestDB(t)
	sc := testutil.ThreeBuildingScenario()
	// A building touching the edge of the band is clipped under the default
	// policy but dropped entirely under discard.
	edge := symbology.BuildingPoint{ID: 4, Position: orb.Point{600, 110}, Symbol: 4}
	points := append(sc.Buildings, edge)

	tests := []struct {
		name   string
		policy config.ErasePolicy
		want   []int64
	}{
		{"clip", config.EraseClip, []int64{2, 3, 4}},
		{"discard", config.EraseDiscard, []int64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultGeneralizationConfig()
			policy := string(tt.policy)
			cfg.ErasePolicy = &policy
			d := newDriver(t, database, newEngine(), cfg)
			require.NoError(t, d.LoadRoads(ctx, sc.Roads))

			res, err := d.Run(ctx, Input{Points: points})
			require.NoError(t, err)
			assert.Equal(t, tt.want, pointIDs(res.Points))
		})
	}
}

func TestNewDriver_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultGeneralizationConfig()
	cfg.SymbolDimensions = map[int]config.SymbolDimension{12: {Width: 10, Height: 10}}

	_, err := NewDriver(cfg, Deps{DB: testutil.NewTestDB(t), Engine: newEngine()})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfiguration)

	_, err = NewDriver(nil, Deps{})
	require.Error(t, err)
}
