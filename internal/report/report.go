// Package report renders run diagnostics: a PNG map of the final road buffer
// with surviving and eliminated building points, and an HTML page charting
// survivors per road class and accumulated buffer area per width fraction.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/paulmach/orb"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/mapgen/internal/monitoring"
	"github.com/banshee-data/mapgen/internal/pipeline"
	"github.com/banshee-data/mapgen/internal/security"
	"github.com/banshee-data/mapgen/internal/symbology"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ClassSummary is the per class row of a report.
type ClassSummary struct {
	ClassID    int
	Segments   int
	Input      int
	Untouched  int
	Clipped    int
	Eliminated int
}

// Summary is everything a report draws.
type Summary struct {
	RunID           string
	Scale           string
	Classes         []ClassSummary
	AccumulatedArea map[float64]float64
	Buffer          orb.MultiPolygon
	Survivors       []symbology.BuildingPoint
	Eliminated      []symbology.BuildingPoint
}

// FromResult builds a Summary from a completed run.
func FromResult(res *pipeline.Result, scale string) Summary {
	s := Summary{
		RunID:           res.RunID,
		Scale:           scale,
		AccumulatedArea: res.AccumulatedArea,
		Buffer:          res.Accumulated,
		Survivors:       res.Points,
		Eliminated:      res.Eliminated,
	}
	for _, c := range res.Classes {
		s.Classes = append(s.Classes, ClassSummary{
			ClassID:    c.ClassID,
			Segments:   c.Segments,
			Input:      c.Elimination.Input,
			Untouched:  c.Elimination.Untouched,
			Clipped:    c.Elimination.Clipped,
			Eliminated: c.Elimination.Eliminated,
		})
	}
	return s
}

// Fractions returns the fractions of AccumulatedArea in ascending order.
func (s Summary) Fractions() []float64 {
	out := make([]float64, 0, len(s.AccumulatedArea))
	for f := range s.AccumulatedArea {
		out = append(out, f)
	}
	sort.Float64s(out)
	return out
}

// Map draws the buffer polygons and the building points.
func Map(s Summary) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Road buffer conflicts (%s)", s.Scale)
	p.X.Label.Text = "Easting (m)"
	p.Y.Label.Text = "Northing (m)"

	bufferFill := color.RGBA{R: 120, G: 120, B: 120, A: 90}
	for i, poly := range s.Buffer {
		rings := make([]plotter.XYer, 0, len(poly))
		for _, r := range poly {
			rings = append(rings, ringXYs(r))
		}
		pg, err := plotter.NewPolygon(rings...)
		if err != nil {
			return nil, fmt.Errorf("buffer polygon %d: %w", i, err)
		}
		pg.Color = bufferFill
		pg.LineStyle.Width = vg.Points(0.5)
		p.Add(pg)
		if i == 0 {
			p.Legend.Add("road buffer", pg)
		}
	}

	for _, layer := range []struct {
		name   string
		points []symbology.BuildingPoint
		color  color.Color
		shape  draw.GlyphDrawer
	}{
		{"surviving buildings", s.Survivors, color.RGBA{R: 31, G: 119, B: 180, A: 255}, draw.CircleGlyph{}},
		{"eliminated buildings", s.Eliminated, color.RGBA{R: 214, G: 39, B: 40, A: 255}, draw.CrossGlyph{}},
	} {
		if len(layer.points) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(layer.points))
		for i, bp := range layer.points {
			xys[i] = plotter.XY{X: bp.Position[0], Y: bp.Position[1]}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", layer.name, err)
		}
		sc.GlyphStyle.Color = layer.color
		sc.GlyphStyle.Shape = layer.shape
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(layer.name, sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func ringXYs(r orb.Ring) plotter.XYs {
	xys := make(plotter.XYs, len(r))
	for i, pt := range r {
		xys[i] = plotter.XY{X: pt[0], Y: pt[1]}
	}
	return xys
}

// WriteMapPNG renders the map as PNG to w.
func WriteMapPNG(w io.Writer, s Summary) error {
	p, err := Map(s)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 10*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// RenderHTML writes the run charts as a single HTML page.
func RenderHTML(w io.Writer, s Summary) error {
	classes := make([]string, len(s.Classes))
	survived := make([]opts.BarData, len(s.Classes))
	eliminated := make([]opts.BarData, len(s.Classes))
	for i, c := range s.Classes {
		classes[i] = fmt.Sprintf("class %d", c.ClassID)
		survived[i] = opts.BarData{Value: c.Untouched + c.Clipped}
		eliminated[i] = opts.BarData{Value: c.Eliminated}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Building points per road class", Subtitle: fmt.Sprintf("run=%s scale=%s", s.RunID, s.Scale)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(classes).
		AddSeries("survived", survived, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
		AddSeries("eliminated", eliminated, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	fractions := s.Fractions()
	labels := make([]string, len(fractions))
	areas := make([]opts.LineData, len(fractions))
	for i, f := range fractions {
		labels[i] = fmt.Sprintf("%g", f)
		areas[i] = opts.LineData{Value: s.AccumulatedArea[f]}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Accumulated road buffer area", Subtitle: "square map units per width fraction"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "fraction", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(labels).AddSeries("area", areas)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar, line)
	return page.Render(w)
}

// Write renders both diagnostics into dir and returns the written paths.
// dir is created when missing.
func Write(dir string, s Summary) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot directory: %w", err)
	}
	base := "run_" + s.RunID

	var written []string
	for _, out := range []struct {
		ext    string
		render func(io.Writer, Summary) error
	}{
		{".png", WriteMapPNG},
		{".html", RenderHTML},
	} {
		path, err := security.OutputPath(dir, base, out.ext)
		if err != nil {
			return written, err
		}
		var buf bytes.Buffer
		if err := out.render(&buf, s); err != nil {
			return written, err
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	monitoring.Logf("[report] wrote %d diagnostic file(s) to %s", len(written), dir)
	return written, nil
}
