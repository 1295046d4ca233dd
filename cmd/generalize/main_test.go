package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapgen/internal/featureio"
	"github.com/banshee-data/mapgen/internal/fsutil"
	"github.com/banshee-data/mapgen/internal/testutil"
)

func TestParseRunFlags_Defaults(t *testing.T) {
	o, err := parseRunFlags(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, runOptions{dbPath: defaultDBFile}, o)
}

func TestParseRunFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    runOptions
		wantErr bool
	}{
		{
			name: "all flags",
			args: []string{"-db", "x.db", "-config", "c.yaml", "-buildings", "b.geojson", "-roads", "r.geojson",
				"-out", "out", "-scale", "n50", "-start-class", "3", "-plot-dir", "plots"},
			want: runOptions{dbPath: "x.db", configPath: "c.yaml", buildings: "b.geojson", roads: "r.geojson",
				outDir: "out", scale: "n50", startClass: 3, plotDir: "plots"},
		},
		{name: "version", args: []string{"-version"}, want: runOptions{dbPath: defaultDBFile, version: true}},
		{name: "negative start class", args: []string{"-start-class", "-1"}, wantErr: true},
		{name: "stray argument", args: []string{"buildings.geojson"}, wantErr: true},
		{name: "unknown flag", args: []string{"-verbose"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRunFlags(tt.args, &bytes.Buffer{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePropagateFlags(t *testing.T) {
	_, err := parsePropagateFlags(nil, &bytes.Buffer{})
	require.Error(t, err)

	o, err := parsePropagateFlags([]string{"-links", "l.geojson", "-class", "2"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, propagateOptions{dbPath: defaultDBFile, links: "l.geojson", class: 2}, o)
}

func TestDispatch_VersionAndHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"-version"}, &out))
	assert.Contains(t, out.String(), "generalize dev")

	out.Reset()
	require.NoError(t, dispatch(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "generalize migrate <action>")
}

func TestDispatch_RequiresBuildingsForFreshRun(t *testing.T) {
	err := dispatch(context.Background(), []string{"-db", filepath.Join(t.TempDir(), "g.db")}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-buildings")
}

func TestDispatch_Migrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "g.db")
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"migrate", "-db", dbPath, "up"}, &out))
	require.NoError(t, dispatch(context.Background(), []string{"migrate", "-db", dbPath, "status"}, &out))
	assert.Error(t, dispatch(context.Background(), []string{"migrate", "-db", dbPath, "sideways"}, &out))
}

// writeScenario writes the three building fixture as GeoJSON input files.
func writeScenario(t *testing.T, dir string) (buildings, roads string) {
	t.Helper()
	sc := testutil.ThreeBuildingScenario()
	w, err := featureio.NewWriter(fsutil.OSFileSystem{}, dir, featureio.Fields{})
	require.NoError(t, err)
	buildings, err = w.Buildings("buildings", sc.Buildings)
	require.NoError(t, err)

	roads = filepath.Join(dir, "roads.geojson")
	require.NoError(t, os.WriteFile(roads, []byte(`{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[-1000,-40],[1000,-40]]},"properties":{"OBJECTID":1001,"SUBTYPEKODE":1,"MOTORVEGTYPE":"Motorveg"}},
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[1000,40],[-1000,40]]},"properties":{"OBJECTID":1002,"SUBTYPEKODE":1,"MOTORVEGTYPE":"Motorveg"}}]}`), 0o644))
	return buildings, roads
}

func TestDispatch_RunAndPropagate(t *testing.T) {
	dir := t.TempDir()
	buildings, roads := writeScenario(t, filepath.Join(dir, "in"))
	dbPath := filepath.Join(dir, "g.db")
	outDir := filepath.Join(dir, "out")
	plotDir := filepath.Join(dir, "plots")

	var out bytes.Buffer
	err := dispatch(context.Background(), []string{
		"-db", dbPath, "-buildings", buildings, "-roads", roads, "-out", outDir, "-plot-dir", plotDir,
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "2 building points remain, 1 eliminated")

	survivors := filepath.Join(outDir, "table_management__bygningspunkt_pre_resolve_building_conflicts__n100_4.geojson")
	points, err := featureio.NewReader(fsutil.OSFileSystem{}, featureio.Fields{}).Buildings(survivors)
	require.NoError(t, err)
	assert.Len(t, points, 2)
	assert.FileExists(t, filepath.Join(outDir, "roads_to_polygon__roads_buffer_appended__n100_factor_1.geojson"))

	plots, err := filepath.Glob(filepath.Join(plotDir, "run_*"))
	require.NoError(t, err)
	assert.Len(t, plots, 2)

	// Resuming needs no building file.
	out.Reset()
	require.NoError(t, dispatch(context.Background(), []string{"-db", dbPath, "-start-class", "3"}, &out))
	assert.Contains(t, out.String(), "2 building points remain")

	links := filepath.Join(dir, "in", "links.geojson")
	require.NoError(t, os.WriteFile(links, []byte(`{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[300,150],[310,150]]},"properties":{}}]}`), 0o644))
	out.Reset()
	require.NoError(t, dispatch(context.Background(), []string{"propagate", "-db", dbPath, "-links", links, "-out", outDir}, &out))
	assert.Contains(t, out.String(), "moved 1 of 2 points")
	assert.FileExists(t, filepath.Join(outDir, "propagate_displacement__bygningspunkt_after_propogate_displacement__n100.geojson"))
}
