// Package featureio reads and writes the pipeline's inputs and outputs as
// GeoJSON feature collections.
package featureio

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/displacement"
	"github.com/banshee-data/mapgen/internal/fsutil"
	"github.com/banshee-data/mapgen/internal/security"
	"github.com/banshee-data/mapgen/internal/symbology"
)

// ErrInvalidFeature is returned for a feature that cannot be converted.
var ErrInvalidFeature = errors.New("invalid feature")

// Road attribute property names.
const (
	PropObjectID     = "OBJECTID"
	PropSubtypeKode  = "SUBTYPEKODE"
	PropMotorvegType = "MOTORVEGTYPE"
	PropVegkategori  = "VEGKATEGORI"
	PropVegnummer    = "VEGNUMMER"
	PropMedium       = "MEDIUM"
)

// Fields names the building point properties.
type Fields struct {
	Symbol string
	Index  string
}

// Reader loads feature files from a filesystem.
type Reader struct {
	fs     fsutil.FileSystem
	fields Fields
}

// NewReader creates a Reader. Empty field names default to symbol_val and
// OBJECTID.
func NewReader(fsys fsutil.FileSystem, fields Fields) *Reader {
	if fields.Symbol == "" {
		fields.Symbol = "symbol_val"
	}
	if fields.Index == "" {
		fields.Index = PropObjectID
	}
	return &Reader{fs: fsys, fields: fields}
}

func (r *Reader) collection(path string) (*geojson.FeatureCollection, error) {
	data, err := r.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// Buildings reads building points. Every feature needs a Point geometry and
// numeric index and symbol properties.
func (r *Reader) Buildings(path string) ([]symbology.BuildingPoint, error) {
	fc, err := r.collection(path)
	if err != nil {
		return nil, err
	}
	out := make([]symbology.BuildingPoint, 0, len(fc.Features))
	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("%s feature %d: %w: expected Point, got %s", path, i, ErrInvalidFeature, typeOf(f.Geometry))
		}
		id, err := intProperty(f.Properties, r.fields.Index)
		if err != nil {
			return nil, fmt.Errorf("%s feature %d: %w", path, i, err)
		}
		symbol, err := intProperty(f.Properties, r.fields.Symbol)
		if err != nil {
			return nil, fmt.Errorf("%s feature %d: %w", path, i, err)
		}
		out = append(out, symbology.BuildingPoint{ID: int64(id), Position: p, Symbol: symbol})
	}
	return out, nil
}

// Roads reads road centerlines. A MultiLineString becomes one segment per
// part. Segment ids are assigned in file order starting at 1.
func (r *Reader) Roads(path string) ([]db.RoadSegment, error) {
	fc, err := r.collection(path)
	if err != nil {
		return nil, err
	}
	var out []db.RoadSegment
	for i, f := range fc.Features {
		var lines []orb.LineString
		switch g := f.Geometry.(type) {
		case orb.LineString:
			lines = []orb.LineString{g}
		case orb.MultiLineString:
			lines = g
		default:
			return nil, fmt.Errorf("%s feature %d: %w: expected LineString, got %s", path, i, ErrInvalidFeature, typeOf(f.Geometry))
		}

		props := f.Properties
		base := db.RoadSegment{
			ObjectID:     int64(optInt(props, PropObjectID)),
			SubtypeKode:  optInt(props, PropSubtypeKode),
			MotorvegType: optString(props, PropMotorvegType),
			Vegkategori:  optString(props, PropVegkategori),
			Vegnummer:    optInt(props, PropVegnummer),
			Medium:       optString(props, PropMedium),
			Attrs:        extraAttrs(props),
		}
		for _, l := range lines {
			if len(l) < 2 {
				continue
			}
			seg := base
			seg.ID = int64(len(out) + 1)
			seg.Geometry = l
			out = append(out, seg)
		}
	}
	return out, nil
}

// Links reads displacement links: each LineString runs from an original road
// vertex to its generalised position. Only the end points are used.
func (r *Reader) Links(path string) ([]displacement.Link, error) {
	fc, err := r.collection(path)
	if err != nil {
		return nil, err
	}
	out := make([]displacement.Link, 0, len(fc.Features))
	for i, f := range fc.Features {
		l, ok := f.Geometry.(orb.LineString)
		if !ok || len(l) < 2 {
			return nil, fmt.Errorf("%s feature %d: %w: a link needs a LineString of two or more points", path, i, ErrInvalidFeature)
		}
		out = append(out, displacement.Link{ID: int64(i + 1), From: l[0], To: l[len(l)-1]})
	}
	return out, nil
}

// Writer writes feature files into one output directory.
type Writer struct {
	fs     fsutil.FileSystem
	dir    string
	fields Fields
	// validate is false for filesystems that are not backed by the host.
	validate bool
}

// NewWriter creates a Writer rooted at dir, creating dir if needed.
func NewWriter(fsys fsutil.FileSystem, dir string, fields Fields) (*Writer, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	r := NewReader(fsys, fields)
	_, onHost := fsys.(fsutil.OSFileSystem)
	return &Writer{fs: fsys, dir: dir, fields: r.fields, validate: onHost}, nil
}

func (w *Writer) path(name string) (string, error) {
	if w.validate {
		return security.OutputPath(w.dir, name, ".geojson")
	}
	return filepath.Join(w.dir, security.SanitizeFilename(name)+".geojson"), nil
}

func (w *Writer) write(name string, fc *geojson.FeatureCollection) (string, error) {
	p, err := w.path(name)
	if err != nil {
		return "", err
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := w.fs.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}

// Buildings writes building points with their index and symbol properties
// and returns the file path.
func (w *Writer) Buildings(name string, points []symbology.BuildingPoint) (string, error) {
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(p.Position)
		f.Properties[w.fields.Index] = p.ID
		f.Properties[w.fields.Symbol] = p.Symbol
		fc.Append(f)
	}
	return w.write(name, fc)
}

// Dataset writes stored features under the dataset's name. Source id and
// symbol become the source_id and symbol properties next to any stored
// attributes.
func (w *Writer) Dataset(name string, features []db.Feature) (string, error) {
	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		gf := geojson.NewFeature(f.Geometry)
		for k, v := range f.Attrs {
			gf.Properties[k] = v
		}
		gf.Properties["source_id"] = f.SourceID
		if f.Symbol != 0 {
			gf.Properties["symbol"] = f.Symbol
		}
		fc.Append(gf)
	}
	return w.write(name, fc)
}

// intProperty reads a numeric property, rejecting missing and non-numeric
// values instead of panicking.
func intProperty(props geojson.Properties, key string) (int, error) {
	switch props[key].(type) {
	case float64, int:
		return props.MustInt(key), nil
	case nil:
		return 0, fmt.Errorf("%w: missing property %q", ErrInvalidFeature, key)
	default:
		return 0, fmt.Errorf("%w: property %q is %T, not a number", ErrInvalidFeature, key, props[key])
	}
}

// optInt and optString read road attributes, treating missing or mistyped
// values as unset.
func optInt(props geojson.Properties, key string) int {
	if _, err := intProperty(props, key); err != nil {
		return 0
	}
	return props.MustInt(key)
}

func optString(props geojson.Properties, key string) string {
	if _, ok := props[key].(string); !ok {
		return ""
	}
	return props.MustString(key)
}

var roadProps = map[string]bool{
	PropObjectID: true, PropSubtypeKode: true, PropMotorvegType: true,
	PropVegkategori: true, PropVegnummer: true, PropMedium: true,
}

func extraAttrs(props geojson.Properties) map[string]interface{} {
	var out map[string]interface{}
	for k, v := range props {
		if roadProps[k] {
			continue
		}
		if out == nil {
			out = make(map[string]interface{})
		}
		out[k] = v
	}
	return out
}

func typeOf(g orb.Geometry) string {
	if g == nil {
		return "no geometry"
	}
	return g.GeoJSONType()
}
