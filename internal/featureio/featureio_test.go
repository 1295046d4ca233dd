package featureio

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/displacement"
	"github.com/banshee-data/mapgen/internal/fsutil"
	"github.com/banshee-data/mapgen/internal/symbology"
	"github.com/banshee-data/mapgen/internal/testutil"
)

const buildingsJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]}, "properties": {"OBJECTID": 1, "symbol_val": 1}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [300, 200]}, "properties": {"OBJECTID": 2, "symbol_val": 4}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-300, 250]}, "properties": {"OBJECTID": 3, "symbol_val": 7}}
  ]
}`

const roadsJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[-1000, -40], [1000, -40]]},
     "properties": {"OBJECTID": 1001, "SUBTYPEKODE": 1, "MOTORVEGTYPE": "Motorveg", "VEGKATEGORI": "E", "VEGNUMMER": 6, "MEDIUM": "T", "name": "E6"}},
    {"type": "Feature", "geometry": {"type": "MultiLineString", "coordinates": [[[0, 500], [100, 500]], [[100, 500], [200, 600]]]},
     "properties": {"OBJECTID": 1002, "SUBTYPEKODE": 7, "MOTORVEGTYPE": null, "VEGNUMMER": "n/a"}}
  ]
}`

func memFS(t *testing.T, files map[string]string) *fsutil.MemoryFileSystem {
	t.Helper()
	m := fsutil.NewMemoryFileSystem()
	for name, data := range files {
		require.NoError(t, m.WriteFile(name, []byte(data), 0o644))
	}
	return m
}

func TestReader_Buildings(t *testing.T) {
	r := NewReader(memFS(t, map[string]string{"/in/buildings.geojson": buildingsJSON}), Fields{})

	got, err := r.Buildings("/in/buildings.geojson")
	require.NoError(t, err)
	if diff := cmp.Diff(testutil.ThreeBuildingScenario().Buildings, got); diff != "" {
		t.Errorf("Buildings mismatch (-want +got):\n%s", diff)
	}
}

func TestReader_BuildingsCustomFields(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"bygg_id":9,"sym":5}}]}`
	r := NewReader(memFS(t, map[string]string{"/b.geojson": data}), Fields{Symbol: "sym", Index: "bygg_id"})

	got, err := r.Buildings("/b.geojson")
	require.NoError(t, err)
	assert.Equal(t, []symbology.BuildingPoint{{ID: 9, Position: orb.Point{1, 2}, Symbol: 5}}, got)
}

func TestReader_BuildingsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"polygon geometry", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]},"properties":{"OBJECTID":1,"symbol_val":1}}]}`},
		{"missing symbol", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"OBJECTID":1}}]}`},
		{"text symbol", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"OBJECTID":1,"symbol_val":"one"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(memFS(t, map[string]string{"/b.geojson": tt.data}), Fields{})
			_, err := r.Buildings("/b.geojson")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFeature)
		})
	}

	r := NewReader(memFS(t, map[string]string{"/bad.geojson": "{not json"}), Fields{})
	_, err := r.Buildings("/bad.geojson")
	assert.Error(t, err)
	_, err = r.Buildings("/missing.geojson")
	assert.Error(t, err)
}

func TestReader_Roads(t *testing.T) {
	r := NewReader(memFS(t, map[string]string{"/roads.geojson": roadsJSON}), Fields{})

	got, err := r.Roads("/roads.geojson")
	require.NoError(t, err)
	want := []db.RoadSegment{
		{
			ID: 1, ObjectID: 1001, SubtypeKode: 1, MotorvegType: "Motorveg", Vegkategori: "E", Vegnummer: 6, Medium: "T",
			Geometry: orb.LineString{{-1000, -40}, {1000, -40}},
			Attrs:    map[string]interface{}{"name": "E6"},
		},
		{ID: 2, ObjectID: 1002, SubtypeKode: 7, Geometry: orb.LineString{{0, 500}, {100, 500}}},
		{ID: 3, ObjectID: 1002, SubtypeKode: 7, Geometry: orb.LineString{{100, 500}, {200, 600}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Roads mismatch (-want +got):\n%s", diff)
	}
}

func TestReader_Links(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[5,5],[10,0]]},"properties":{}}]}`
	r := NewReader(memFS(t, map[string]string{"/links.geojson": data}), Fields{})

	got, err := r.Links("/links.geojson")
	require.NoError(t, err)
	assert.Equal(t, []displacement.Link{{ID: 1, From: orb.Point{0, 0}, To: orb.Point{10, 0}}}, got)

	bad := `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}]}`
	r = NewReader(memFS(t, map[string]string{"/links.geojson": bad}), Fields{})
	_, err = r.Links("/links.geojson")
	assert.ErrorIs(t, err, ErrInvalidFeature)
}

func TestWriter_BuildingsRoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w, err := NewWriter(fsys, "/out", Fields{})
	require.NoError(t, err)

	points := testutil.ThreeBuildingScenario().Buildings
	p, err := w.Buildings("table_management__bygningspunkt_pre_resolve_building_conflicts__n100_4", points)
	require.NoError(t, err)
	assert.Equal(t, "/out/table_management__bygningspunkt_pre_resolve_building_conflicts__n100_4.geojson", p)

	got, err := NewReader(fsys, Fields{}).Buildings(p)
	require.NoError(t, err)
	assert.Equal(t, points, got)
}

func TestWriter_Dataset(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	w, err := NewWriter(fsys, "/out", Fields{})
	require.NoError(t, err)

	p, err := w.Dataset("roads_to_polygon__building_polygon_erased__n100_1", []db.Feature{
		{SourceID: 2, Symbol: 4, Geometry: testutil.Square(300, 200, 20), Attrs: map[string]interface{}{"outcome": "untouched"}},
	})
	require.NoError(t, err)

	data, err := fsys.ReadFile(p)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	f := fc.Features[0]
	assert.Equal(t, "Polygon", f.Geometry.GeoJSONType())
	assert.Equal(t, 2, f.Properties.MustInt("source_id"))
	assert.Equal(t, 4, f.Properties.MustInt("symbol"))
	assert.Equal(t, "untouched", f.Properties.MustString("outcome"))
}

func TestWriter_HostPathsStayInDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w, err := NewWriter(fsutil.OSFileSystem{}, dir, Fields{})
	require.NoError(t, err)

	p, err := w.Buildings("../../escape", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.geojson"), p)
	assert.True(t, fsutil.OSFileSystem{}.Exists(p))
}
