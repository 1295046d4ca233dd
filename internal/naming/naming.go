// Package naming generates the deterministic dataset names that label every
// intermediate and final dataset of a generalization run.
//
// Names follow the "<stage>__<description>__<scale>" convention so a run can
// be inspected, or resumed, by reading datasets back from the store by name.
package naming

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Name builds the canonical dataset name for a stage, description and scale.
// It is pure: identical arguments always produce the identical name.
func Name(stage, description, scale string) string {
	return stage + "__" + description + "__" + scale
}

// FormatNumber renders a width or fraction for use inside a dataset name,
// replacing the decimal point with an underscore (0.25 -> "0_25", 57.5 -> "57_5").
func FormatNumber(v float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(v, 'f', -1, 64), ".", "_")
}

// Stage names, in pipeline order.
const (
	StagePreparationRoads      = "preperation_veg_sti"
	StageTableManagement       = "table_management"
	StageRoadsToPolygon        = "roads_to_polygon"
	StagePointsToPolygon       = "points_to_polygon"
	StagePropagateDisplacement = "propagate_displacement"
)

// Key identifies a dataset symbolically, independent of scale.
type Key struct {
	Stage       string
	Description string
}

func (k Key) String() string { return k.Stage + "__" + k.Description }

// Keys used by the road buffer pipeline and the displacement step.
var (
	KeyRoads = Key{StagePreparationRoads, "unsplit_veg_sti"}

	KeyBuildingPoints = Key{StageTableManagement, "bygningspunkt_pre_resolve_building_conflicts"}

	KeyRoadSelection      = Key{StageRoadsToPolygon, "selection_roads"}
	KeyRoadBufferAppended = Key{StageRoadsToPolygon, "roads_buffer_appended"}
	KeyBuildingErased     = Key{StageRoadsToPolygon, "building_polygon_erased"}

	KeySymbolPolygons = Key{StagePointsToPolygon, "transform_points_to_square_polygons"}

	KeyPrePropagate   = Key{StagePropagateDisplacement, "bygningspunkt_pre_propogate_displacement"}
	KeyAfterPropagate = Key{StagePropagateDisplacement, "bygningspunkt_after_propogate_displacement"}
)

// AllKeys lists every key a Registry resolves at construction.
var AllKeys = []Key{
	KeyRoads,
	KeyBuildingPoints,
	KeyRoadSelection,
	KeyRoadBufferAppended,
	KeyBuildingErased,
	KeySymbolPolygons,
	KeyPrePropagate,
	KeyAfterPropagate,
}

// Dataset is an opaque handle to a named dataset in the backing store.
type Dataset struct {
	Key  Key
	Name string
}

// String returns the dataset name.
func (d Dataset) String() string { return d.Name }

// With returns a derived dataset whose name carries the given suffix parts,
// joined with underscores: With("factor", "0_25") -> "<name>_factor_0_25".
func (d Dataset) With(parts ...string) Dataset {
	if len(parts) == 0 {
		return d
	}
	return Dataset{Key: d.Key, Name: d.Name + "_" + strings.Join(parts, "_")}
}

// Registry maps symbolic keys to dataset handles for a fixed scale.
// It is immutable once built and safe to share.
type Registry struct {
	scale    string
	datasets map[Key]Dataset
}

// NewRegistry resolves every key in AllKeys plus any extra keys for scale.
func NewRegistry(scale string, extra ...Key) (*Registry, error) {
	if strings.TrimSpace(scale) == "" {
		return nil, fmt.Errorf("naming: scale must not be empty")
	}
	r := &Registry{scale: scale, datasets: make(map[Key]Dataset, len(AllKeys)+len(extra))}
	for _, k := range append(append([]Key{}, AllKeys...), extra...) {
		if k.Stage == "" || k.Description == "" {
			return nil, fmt.Errorf("naming: incomplete key %q", k.String())
		}
		r.datasets[k] = Dataset{Key: k, Name: Name(k.Stage, k.Description, scale)}
	}
	return r, nil
}

// Scale returns the scale the registry was built for.
func (r *Registry) Scale() string { return r.scale }

// Lookup returns the dataset registered for k.
func (r *Registry) Lookup(k Key) (Dataset, bool) {
	d, ok := r.datasets[k]
	return d, ok
}

// Dataset returns the dataset registered for k. Keys are package constants,
// so an unknown key is a programming error and panics.
func (r *Registry) Dataset(k Key) Dataset {
	d, ok := r.datasets[k]
	if !ok {
		panic(fmt.Sprintf("naming: key %q not registered", k.String()))
	}
	return d
}

// Names returns all registered dataset names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.datasets))
	for _, d := range r.datasets {
		out = append(out, d.Name)
	}
	sort.Strings(out)
	return out
}
