package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical generalization defaults file.
// This is the single source of truth for the road class and symbol tables.
const DefaultConfigPath = "config/generalization.defaults.json"

// ErrConfiguration marks every configuration problem. Configuration errors are
// fatal and are reported before any geometry is touched.
var ErrConfiguration = errors.New("configuration error")

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// MultiClassPolicy decides what happens to a road segment matched by more than
// one road class predicate.
type MultiClassPolicy string

const (
	// MultiClassAllow buffers the segment once for every matching class.
	MultiClassAllow MultiClassPolicy = "allow"
	// MultiClassForbid keeps a segment only in the first class that claims it.
	MultiClassForbid MultiClassPolicy = "forbid"
)

// ErasePolicy decides how a building footprint overlapping the road buffer is
// treated.
type ErasePolicy string

const (
	// EraseClip subtracts the buffer and keeps whatever area remains.
	EraseClip ErasePolicy = "clip"
	// EraseDiscard drops the whole footprint on any overlap.
	EraseDiscard ErasePolicy = "discard"
)

// RoadClassConfig is one road priority class: an attribute predicate over the
// road segment fields and the base symbol width in map units.
type RoadClassConfig struct {
	ID        int     `json:"id" yaml:"id"`
	Predicate string  `json:"predicate" yaml:"predicate"`
	BaseWidth float64 `json:"base_width" yaml:"base_width"`
}

// SymbolDimension is the width and height of a building symbol in map units.
type SymbolDimension struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// GeneralizationConfig is the root configuration for a generalization run.
// Pointer and nil-able fields fall back to built-in defaults through the Get*
// accessors, so partial files are safe.
type GeneralizationConfig struct {
	Scale *string `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Road classes, processed in the order given.
	RoadClasses       []RoadClassConfig `json:"road_classes,omitempty" yaml:"road_classes,omitempty"`
	BufferFractions   []float64         `json:"buffer_fractions,omitempty" yaml:"buffer_fractions,omitempty"`
	ExtraMargin       *float64          `json:"extra_margin,omitempty" yaml:"extra_margin,omitempty"`
	FullWidthFraction *float64          `json:"full_width_fraction,omitempty" yaml:"full_width_fraction,omitempty"`
	QuadrantSegments  *int              `json:"buffer_quadrant_segments,omitempty" yaml:"buffer_quadrant_segments,omitempty"`
	MultiClassPolicy  *string           `json:"multi_class_policy,omitempty" yaml:"multi_class_policy,omitempty"`

	// Building symbols
	SymbolDimensions map[int]SymbolDimension `json:"symbol_dimensions,omitempty" yaml:"symbol_dimensions,omitempty"`
	SymbolField      *string                 `json:"symbol_field,omitempty" yaml:"symbol_field,omitempty"`
	IndexField       *string                 `json:"index_field,omitempty" yaml:"index_field,omitempty"`
	ErasePolicy      *string                 `json:"erase_policy,omitempty" yaml:"erase_policy,omitempty"`

	// Displacement propagation
	DisplacementRadius     *float64 `json:"displacement_radius,omitempty" yaml:"displacement_radius,omitempty"`
	DisplacementNeighbours *int     `json:"displacement_neighbours,omitempty" yaml:"displacement_neighbours,omitempty"`
	DisplacementStyle      *string  `json:"displacement_style,omitempty" yaml:"displacement_style,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyGeneralizationConfig returns a config with every field unset.
// Use LoadGeneralizationConfig to load actual values from a file.
func EmptyGeneralizationConfig() *GeneralizationConfig {
	return &GeneralizationConfig{}
}

// DefaultGeneralizationConfig returns a config with every field populated
// from the built-in N100 defaults.
func DefaultGeneralizationConfig() *GeneralizationConfig {
	return &GeneralizationConfig{
		Scale:                  ptrString("n100"),
		RoadClasses:            defaultRoadClasses(),
		BufferFractions:        defaultBufferFractions(),
		ExtraMargin:            ptrFloat64(15),
		FullWidthFraction:      ptrFloat64(1.0),
		QuadrantSegments:       ptrInt(8),
		MultiClassPolicy:       ptrString(string(MultiClassAllow)),
		SymbolDimensions:       defaultSymbolDimensions(),
		SymbolField:            ptrString("symbol_val"),
		IndexField:             ptrString("OBJECTID"),
		ErasePolicy:            ptrString(string(EraseClip)),
		DisplacementRadius:     ptrFloat64(250),
		DisplacementNeighbours: ptrInt(4),
		DisplacementStyle:      ptrString("SOLID"),
	}
}

func defaultRoadClasses() []RoadClassConfig {
	return []RoadClassConfig{
		{ID: 1, Predicate: "MOTORVEGTYPE = 'Motorveg'", BaseWidth: 42.5},
		{ID: 2, Predicate: `SUBTYPEKODE = 3
        Or MOTORVEGTYPE = 'Motortrafikkveg'
        Or (SUBTYPEKODE = 2 And MOTORVEGTYPE = 'Motortrafikkveg')
        Or (SUBTYPEKODE = 2 And MOTORVEGTYPE = 'Ikke motorveg')
        Or (SUBTYPEKODE = 4 And MOTORVEGTYPE = 'Ikke motorveg')`, BaseWidth: 22.5},
		{ID: 3, Predicate: `SUBTYPEKODE = 1
        Or SUBTYPEKODE = 5
        Or SUBTYPEKODE = 6
        Or SUBTYPEKODE = 9`, BaseWidth: 20},
		{ID: 4, Predicate: `SUBTYPEKODE = 7
        Or SUBTYPEKODE = 8
        Or SUBTYPEKODE = 10
        Or SUBTYPEKODE =11`, BaseWidth: 7.5},
	}
}

func defaultBufferFractions() []float64 {
	return []float64{0.25, 0.5, 0.75, 0.999, 1}
}

func defaultSymbolDimensions() map[int]SymbolDimension {
	return map[int]SymbolDimension{
		1: {145, 145},
		2: {145, 145},
		3: {195, 145},
		4: {40, 40},
		5: {80, 80},
		6: {30, 30},
		7: {45, 45},
		8: {45, 45},
		9: {53, 45},
	}
}

// LoadGeneralizationConfig loads a config from a JSON or YAML file.
// The file is validated to have a known extension and be under the max file size.
// Fields omitted from the file retain their default values.
func LoadGeneralizationConfig(path string) (*GeneralizationConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyGeneralizationConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse config %s: %v", ErrConfiguration, cleanPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *GeneralizationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,          // from cmd/generalize/
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // deeper packages
		"../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadGeneralizationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Every returned
// error wraps ErrConfiguration.
func (c *GeneralizationConfig) Validate() error {
	if c.Scale != nil && strings.TrimSpace(*c.Scale) == "" {
		return configErrorf("scale must not be empty")
	}

	seen := make(map[int]bool)
	for i, rc := range c.RoadClasses {
		if rc.ID <= 0 {
			return configErrorf("road_classes[%d]: id must be positive, got %d", i, rc.ID)
		}
		if seen[rc.ID] {
			return configErrorf("road_classes[%d]: duplicate id %d", i, rc.ID)
		}
		seen[rc.ID] = true
		if strings.TrimSpace(rc.Predicate) == "" {
			return configErrorf("road class %d: empty predicate", rc.ID)
		}
		if strings.Contains(rc.Predicate, ";") {
			return configErrorf("road class %d: predicate must be a single expression", rc.ID)
		}
		if rc.BaseWidth <= 0 {
			return configErrorf("road class %d: base_width must be positive, got %g", rc.ID, rc.BaseWidth)
		}
	}

	fractions := c.GetBufferFractions()
	for i, f := range fractions {
		if f <= 0 || f > 1 {
			return configErrorf("buffer_fractions[%d] must be in (0, 1], got %g", i, f)
		}
		if i > 0 && f <= fractions[i-1] {
			return configErrorf("buffer_fractions must be strictly increasing, got %v", fractions)
		}
	}
	full := c.GetFullWidthFraction()
	if !containsFraction(fractions, full) {
		return configErrorf("full_width_fraction %g is not one of buffer_fractions %v", full, fractions)
	}

	if c.ExtraMargin != nil && *c.ExtraMargin < 0 {
		return configErrorf("extra_margin must be non-negative, got %g", *c.ExtraMargin)
	}
	if c.QuadrantSegments != nil && *c.QuadrantSegments < 1 {
		return configErrorf("buffer_quadrant_segments must be at least 1, got %d", *c.QuadrantSegments)
	}

	switch MultiClassPolicy(c.GetMultiClassPolicy()) {
	case MultiClassAllow, MultiClassForbid:
	default:
		return configErrorf("unknown multi_class_policy %q", c.GetMultiClassPolicy())
	}
	switch ErasePolicy(c.GetErasePolicy()) {
	case EraseClip, EraseDiscard:
	default:
		return configErrorf("unknown erase_policy %q", c.GetErasePolicy())
	}

	if err := ValidateSymbolDimensions(c.SymbolDimensions); err != nil {
		return err
	}

	if c.DisplacementRadius != nil && *c.DisplacementRadius <= 0 {
		return configErrorf("displacement_radius must be positive, got %g", *c.DisplacementRadius)
	}
	if c.DisplacementNeighbours != nil && *c.DisplacementNeighbours < 1 {
		return configErrorf("displacement_neighbours must be at least 1, got %d", *c.DisplacementNeighbours)
	}
	if c.DisplacementStyle != nil && *c.DisplacementStyle != "SOLID" {
		return configErrorf("displacement_style %q not supported (only SOLID)", *c.DisplacementStyle)
	}

	return nil
}

// ValidateSymbolDimensions checks a symbol table: codes 1..9 with positive
// width and height. A nil table is valid and means "use defaults".
func ValidateSymbolDimensions(dims map[int]SymbolDimension) error {
	codes := make([]int, 0, len(dims))
	for code := range dims {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		d := dims[code]
		if code < 1 || code > 9 {
			return configErrorf("unrecognized symbol code %d (expected 1..9)", code)
		}
		if d.Width <= 0 || d.Height <= 0 {
			return configErrorf("symbol %d: width and height must be positive, got %gx%g", code, d.Width, d.Height)
		}
	}
	return nil
}

func containsFraction(fractions []float64, f float64) bool {
	for _, v := range fractions {
		if v == f {
			return true
		}
	}
	return false
}

// GetScale returns the scale label or the default "n100".
func (c *GeneralizationConfig) GetScale() string {
	if c.Scale == nil || *c.Scale == "" {
		return "n100"
	}
	return *c.Scale
}

// GetRoadClasses returns the configured road classes or the N100 defaults.
func (c *GeneralizationConfig) GetRoadClasses() []RoadClassConfig {
	if len(c.RoadClasses) == 0 {
		return defaultRoadClasses()
	}
	out := make([]RoadClassConfig, len(c.RoadClasses))
	copy(out, c.RoadClasses)
	return out
}

// GetBufferFractions returns the buffer fractions or the default five.
func (c *GeneralizationConfig) GetBufferFractions() []float64 {
	if len(c.BufferFractions) == 0 {
		return defaultBufferFractions()
	}
	out := make([]float64, len(c.BufferFractions))
	copy(out, c.BufferFractions)
	return out
}

// GetExtraMargin returns the clearance added at full width, default 15.
func (c *GeneralizationConfig) GetExtraMargin() float64 {
	if c.ExtraMargin == nil {
		return 15
	}
	return *c.ExtraMargin
}

// GetFullWidthFraction returns the fraction that receives the extra margin
// and feeds conflict elimination, default 1.0.
func (c *GeneralizationConfig) GetFullWidthFraction() float64 {
	if c.FullWidthFraction == nil {
		return 1.0
	}
	return *c.FullWidthFraction
}

// GetQuadrantSegments returns the buffer arc resolution, default 8.
func (c *GeneralizationConfig) GetQuadrantSegments() int {
	if c.QuadrantSegments == nil {
		return 8
	}
	return *c.QuadrantSegments
}

// GetMultiClassPolicy returns the multi-class policy, default "allow".
func (c *GeneralizationConfig) GetMultiClassPolicy() string {
	if c.MultiClassPolicy == nil || *c.MultiClassPolicy == "" {
		return string(MultiClassAllow)
	}
	return *c.MultiClassPolicy
}

// GetSymbolDimensions returns the symbol table or the N100 defaults.
func (c *GeneralizationConfig) GetSymbolDimensions() map[int]SymbolDimension {
	if len(c.SymbolDimensions) == 0 {
		return defaultSymbolDimensions()
	}
	out := make(map[int]SymbolDimension, len(c.SymbolDimensions))
	for k, v := range c.SymbolDimensions {
		out[k] = v
	}
	return out
}

// GetSymbolField returns the building attribute holding the symbol code.
func (c *GeneralizationConfig) GetSymbolField() string {
	if c.SymbolField == nil || *c.SymbolField == "" {
		return "symbol_val"
	}
	return *c.SymbolField
}

// GetIndexField returns the building attribute holding the stable object id.
func (c *GeneralizationConfig) GetIndexField() string {
	if c.IndexField == nil || *c.IndexField == "" {
		return "OBJECTID"
	}
	return *c.IndexField
}

// GetErasePolicy returns the erase policy, default "clip".
func (c *GeneralizationConfig) GetErasePolicy() string {
	if c.ErasePolicy == nil || *c.ErasePolicy == "" {
		return string(EraseClip)
	}
	return *c.ErasePolicy
}

// GetDisplacementRadius returns the link search radius in map units.
func (c *GeneralizationConfig) GetDisplacementRadius() float64 {
	if c.DisplacementRadius == nil {
		return 250
	}
	return *c.DisplacementRadius
}

// GetDisplacementNeighbours returns how many links are averaged per point.
func (c *GeneralizationConfig) GetDisplacementNeighbours() int {
	if c.DisplacementNeighbours == nil {
		return 4
	}
	return *c.DisplacementNeighbours
}

// GetDisplacementStyle returns the displacement adjustment style, default "SOLID".
func (c *GeneralizationConfig) GetDisplacementStyle() string {
	if c.DisplacementStyle == nil || *c.DisplacementStyle == "" {
		return "SOLID"
	}
	return *c.DisplacementStyle
}
