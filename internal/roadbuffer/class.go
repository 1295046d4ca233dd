// Package roadbuffer builds the widened road symbol polygons per road class and
// width fraction, and accumulates them across classes.
package roadbuffer

import (
	"fmt"

	"github.com/banshee-data/mapgen/internal/config"
)

// Default width rule constants for N100.
const (
	DefaultExtraMargin       = 15.0
	DefaultFullWidthFraction = 1.0
)

// RoadClass is one road priority class.
type RoadClass struct {
	ID        int
	Predicate string
	BaseWidth float64
}

func (c RoadClass) String() string {
	return fmt.Sprintf("road class %d (%g)", c.ID, c.BaseWidth)
}

// ClassesFromConfig converts configured classes, keeping their order.
func ClassesFromConfig(cfg []config.RoadClassConfig) []RoadClass {
	out := make([]RoadClass, len(cfg))
	for i, c := range cfg {
		out[i] = RoadClass{ID: c.ID, Predicate: c.Predicate, BaseWidth: c.BaseWidth}
	}
	return out
}

// WidthRule turns a base width and a fraction into a buffer distance. The
// extra margin is added only at the full width fraction.
type WidthRule struct {
	ExtraMargin       float64
	FullWidthFraction float64
}

// DefaultWidthRule is the N100 rule: +15 at fraction 1.0.
var DefaultWidthRule = WidthRule{ExtraMargin: DefaultExtraMargin, FullWidthFraction: DefaultFullWidthFraction}

// WidthRuleFromConfig reads the margin and full width fraction from cfg.
func WidthRuleFromConfig(cfg *config.GeneralizationConfig) WidthRule {
	return WidthRule{ExtraMargin: cfg.GetExtraMargin(), FullWidthFraction: cfg.GetFullWidthFraction()}
}

// Effective returns base*fraction, plus the margin when fraction is the full
// width fraction. 0.999 is deliberately not full width.
func (r WidthRule) Effective(base, fraction float64) float64 {
	w := base * fraction
	if fraction == r.FullWidthFraction {
		w += r.ExtraMargin
	}
	return w
}

// EffectiveWidth applies DefaultWidthRule.
func EffectiveWidth(base, fraction float64) float64 {
	return DefaultWidthRule.Effective(base, fraction)
}
