package pipeline

import (
	"fmt"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/conflict"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/symbology"
)

// Datasets resolves the dataset names of a run from a registry.
type Datasets struct {
	reg *naming.Registry
}

// NewDatasets wraps reg.
func NewDatasets(reg *naming.Registry) Datasets { return Datasets{reg: reg} }

// Roads is the input road network.
func (d Datasets) Roads() naming.Dataset { return d.reg.Dataset(naming.KeyRoads) }

// InputPoints is the building point set before the first class.
func (d Datasets) InputPoints() naming.Dataset { return d.reg.Dataset(naming.KeyBuildingPoints) }

// Survivors holds the building points left after classID.
func (d Datasets) Survivors(classID int) naming.Dataset {
	return d.reg.Dataset(naming.KeyBuildingPoints).With(strconv.Itoa(classID))
}

// Selection holds the road segments selected for classID.
func (d Datasets) Selection(classID int) naming.Dataset {
	return d.reg.Dataset(naming.KeyRoadSelection).With("selection", strconv.Itoa(classID))
}

// ClassBuffer holds the buffer of classID at an effective width.
func (d Datasets) ClassBuffer(classID int, width float64) naming.Dataset {
	return d.reg.Dataset(naming.KeyRoadBufferAppended).With(naming.FormatNumber(width)+"m", strconv.Itoa(classID))
}

// Accumulated holds the running buffer union of a fraction.
func (d Datasets) Accumulated(fraction float64) naming.Dataset {
	return d.reg.Dataset(naming.KeyRoadBufferAppended).With("factor", naming.FormatNumber(fraction))
}

// SymbolPolygons holds the synthesized footprints of classID's pass.
func (d Datasets) SymbolPolygons(classID int) naming.Dataset {
	return d.reg.Dataset(naming.KeySymbolPolygons).With(strconv.Itoa(classID))
}

// Erased holds the footprints left after erasure in classID's pass.
func (d Datasets) Erased(classID int) naming.Dataset {
	return d.reg.Dataset(naming.KeyBuildingErased).With(strconv.Itoa(classID))
}

func pointFeatures(points []symbology.BuildingPoint) []db.Feature {
	out := make([]db.Feature, len(points))
	for i, p := range points {
		out[i] = db.Feature{SourceID: p.ID, Symbol: p.Symbol, Geometry: p.Position}
	}
	return out
}

func featurePoints(features []db.Feature) ([]symbology.BuildingPoint, error) {
	out := make([]symbology.BuildingPoint, len(features))
	for i, f := range features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("feature %d: expected Point, got %s", f.SourceID, f.Geometry.GeoJSONType())
		}
		out[i] = symbology.BuildingPoint{ID: f.SourceID, Position: p, Symbol: f.Symbol}
	}
	return out, nil
}

// bufferFeatures stores one feature per polygon so a dataset can be appended
// to without re-reading it.
func bufferFeatures(classID int, g orb.MultiPolygon) []db.Feature {
	out := make([]db.Feature, 0, len(g))
	for _, p := range g {
		out = append(out, db.Feature{SourceID: int64(classID), Geometry: p})
	}
	return out
}

func featurePolygons(features []db.Feature) orb.MultiPolygon {
	out := orb.MultiPolygon{}
	for _, f := range features {
		out = append(out, geometry.Polygons(f.Geometry)...)
	}
	return out
}

func selectionFeatures(segs []db.RoadSegment) []db.Feature {
	out := make([]db.Feature, len(segs))
	for i, s := range segs {
		out[i] = db.Feature{SourceID: s.ID, Geometry: s.Geometry}
	}
	return out
}

func symbolFeatures(polys []symbology.SymbolPolygon) []db.Feature {
	out := make([]db.Feature, len(polys))
	for i, p := range polys {
		out[i] = db.Feature{SourceID: p.SourceID, Symbol: p.Symbol, Geometry: p.Polygon}
	}
	return out
}

func erasedFeatures(erased []conflict.Erased) []db.Feature {
	out := make([]db.Feature, 0, len(erased))
	for _, e := range erased {
		if geometry.IsEmpty(e.Remainder) {
			continue
		}
		out = append(out, db.Feature{
			SourceID: e.SourceID,
			Symbol:   e.Symbol,
			Geometry: e.Remainder,
			Attrs:    map[string]interface{}{"outcome": e.Outcome.String()},
		})
	}
	return out
}
