// Package pipeline drives the road buffer and building conflict passes.
//
// For every road class, in order, the driver buffers the class at each width
// fraction, merges the buffers into the per-fraction accumulator, synthesizes
// symbol footprints for the current building points, erases them against the
// full-width accumulated buffer and carries the surviving points into the next
// class. Every intermediate dataset is written to the store under its
// generated name, so a failed run can be inspected and resumed from a class.
//
// Runs are strictly sequential. Cancellation is honoured only between
// classes; a class that has started runs to completion.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/conflict"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/monitoring"
	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/roadbuffer"
	"github.com/banshee-data/mapgen/internal/symbology"
	"github.com/banshee-data/mapgen/internal/timeutil"
)

// Deps are the collaborators of a Driver.
type Deps struct {
	DB     *db.DB
	Engine geometry.Engine
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// Input is what a run starts from.
type Input struct {
	// Points is the initial building point set. Ignored when resuming.
	Points []symbology.BuildingPoint
	// StartClass resumes at the class with this id, reloading the
	// accumulated buffers and the previous class's survivors from the
	// store. Zero or the first class id means a fresh run.
	StartClass int
}

// BufferReport describes one class buffer and the accumulator after merging it.
type BufferReport struct {
	Fraction        float64
	Width           float64
	Area            float64
	AccumulatedArea float64
	Empty           bool
}

// ClassReport describes one pass.
type ClassReport struct {
	ClassID     int
	Segments    int
	Buffers     []BufferReport
	Synthesis   symbology.Stats
	Elimination conflict.Stats
	Duration    time.Duration
}

// Result is the outcome of a completed run.
type Result struct {
	RunID string
	// Points are the building points surviving the last class.
	Points []symbology.BuildingPoint
	// Eliminated lists every point dropped, in the order classes dropped them.
	Eliminated []symbology.BuildingPoint
	Classes    []ClassReport
	Warnings   int
	// Accumulated is the final accumulated buffer at full width.
	Accumulated     orb.MultiPolygon
	AccumulatedArea map[float64]float64
}

// Driver runs the pipeline. A Driver performs one run at a time.
type Driver struct {
	cfg       *config.GeneralizationConfig
	classes   []roadbuffer.RoadClass
	fractions []float64
	full      float64

	registry *naming.Registry
	names    Datasets
	engine   geometry.Engine
	roads    *db.RoadStore
	datasets *db.DatasetStore
	runs     *db.RunStore
	clock    timeutil.Clock

	builder *roadbuffer.Builder
	synth   *symbology.Synthesizer
	elim    *conflict.Eliminator

	state        State
	currentClass int
	warnings     int
}

// NewDriver validates cfg and wires the pipeline components.
func NewDriver(cfg *config.GeneralizationConfig, deps Deps) (*Driver, error) {
	if cfg == nil {
		cfg = config.DefaultGeneralizationConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.DB == nil || deps.Engine == nil {
		return nil, fmt.Errorf("pipeline: database and geometry engine are required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	registry, err := naming.NewRegistry(cfg.GetScale())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	synth, err := symbology.NewSynthesizer(cfg.GetSymbolDimensions())
	if err != nil {
		return nil, err
	}

	roads := db.NewRoadStore(deps.DB)
	datasets := db.NewDatasetStore(deps.DB, registry.Scale())
	datasets.SetClock(deps.Clock)
	runs := db.NewRunStore(deps.DB)
	runs.SetClock(deps.Clock)

	return &Driver{
		cfg:       cfg,
		classes:   roadbuffer.ClassesFromConfig(cfg.GetRoadClasses()),
		fractions: cfg.GetBufferFractions(),
		full:      cfg.GetFullWidthFraction(),
		registry:  registry,
		names:     NewDatasets(registry),
		engine:    deps.Engine,
		roads:     roads,
		datasets:  datasets,
		runs:      runs,
		clock:     deps.Clock,
		builder: roadbuffer.NewBuilder(roads, deps.Engine, roadbuffer.Options{
			Widths:           roadbuffer.WidthRuleFromConfig(cfg),
			MultiClassPolicy: config.MultiClassPolicy(cfg.GetMultiClassPolicy()),
		}),
		synth: synth,
		elim:  conflict.NewEliminator(deps.Engine, config.ErasePolicy(cfg.GetErasePolicy())),
	}, nil
}

// State returns the current state of the driver.
func (d *Driver) State() State { return d.state }

// CurrentClass returns the class being processed, or the last one processed.
func (d *Driver) CurrentClass() int { return d.currentClass }

// Registry returns the naming registry of the run.
func (d *Driver) Registry() *naming.Registry { return d.registry }

// Datasets returns the dataset names of the run.
func (d *Driver) Datasets() Datasets { return d.names }

// Store returns the dataset store the driver writes to.
func (d *Driver) Store() *db.DatasetStore { return d.datasets }

// Runs returns the run store the driver records to.
func (d *Driver) Runs() *db.RunStore { return d.runs }

// LoadRoads replaces the road network in the store and keeps a copy as the
// named roads dataset.
func (d *Driver) LoadRoads(ctx context.Context, segs []db.RoadSegment) error {
	if err := d.roads.Replace(ctx, segs); err != nil {
		return err
	}
	return d.datasets.Write(ctx, d.names.Roads(), db.KindLine, "", selectionFeatures(segs))
}

func (d *Driver) transition(s State) {
	if d.state != s {
		monitoring.Logf("[pipeline] %s -> %s", d.state, s)
	}
	d.state = s
}

// Run executes every class from in.StartClass to the last one.
func (d *Driver) Run(ctx context.Context, in Input) (res *Result, err error) {
	if d.state != StateIdle && !d.state.Terminal() {
		return nil, fmt.Errorf("pipeline: run already in progress")
	}
	d.warnings = 0
	d.currentClass = 0
	d.builder.Reset()
	d.transition(StateStart)

	startIdx, err := d.startIndex(in.StartClass)
	if err != nil {
		d.transition(StateFailed)
		return nil, stageErr(0, 0, StageValidate, err)
	}

	// Stores are written with a context that ignores cancellation: work
	// that has started always completes.
	work := context.WithoutCancel(ctx)

	run := &db.Run{Scale: d.registry.Scale(), StartClass: d.classes[startIdx].ID}
	if b, jerr := json.Marshal(d.cfg); jerr == nil {
		run.ConfigJSON = string(b)
	}
	if err := d.runs.Create(work, run); err != nil {
		d.transition(StateFailed)
		return nil, stageErr(0, 0, StagePrepare, err)
	}
	monitoring.Logf("[pipeline] run %s at scale %s starting at road class %d", run.RunID, run.Scale, run.StartClass)

	defer func() {
		status, msg := db.RunCompleted, ""
		switch {
		case errors.Is(err, ErrCancelled):
			status, msg = db.RunCancelled, err.Error()
			d.transition(StateCancelled)
		case err != nil:
			status, msg = db.RunFailed, err.Error()
			d.transition(StateFailed)
		default:
			d.transition(StateDone)
		}
		if ferr := d.runs.Finish(work, run.RunID, status, msg); ferr != nil {
			monitoring.Warnf("record end of run %s: %v", run.RunID, ferr)
		}
	}()

	if err := d.validate(work, run.RunID); err != nil {
		return nil, err
	}

	acc := roadbuffer.NewAccumulator(d.engine, d.fractions)
	var points []symbology.BuildingPoint
	if startIdx == 0 {
		points, err = d.prepare(work, run.RunID, in.Points)
	} else {
		points, err = d.resume(work, run.RunID, startIdx, acc)
	}
	if err != nil {
		return nil, err
	}

	res = &Result{RunID: run.RunID}
	for _, class := range d.classes[startIdx:] {
		if cerr := ctx.Err(); cerr != nil {
			return nil, fmt.Errorf("%w before road class %d: %v", ErrCancelled, class.ID, cerr)
		}
		d.currentClass = class.ID
		d.transition(StateProcessClass)

		survivors, eliminated, report, err := d.processClass(work, run.RunID, class, points, acc)
		if err != nil {
			return nil, err
		}
		res.Classes = append(res.Classes, report)
		res.Eliminated = append(res.Eliminated, eliminated...)
		points = survivors
	}

	res.Points = points
	res.Warnings = d.warnings
	res.AccumulatedArea = make(map[float64]float64, len(d.fractions))
	for _, f := range d.fractions {
		g, err := acc.Get(f)
		if err != nil {
			return nil, stageErr(0, f, StageAccumulate, err)
		}
		res.AccumulatedArea[f] = geometry.Area(g)
		if f == d.full {
			res.Accumulated = g
		}
	}
	return res, nil
}

func (d *Driver) startIndex(startClass int) (int, error) {
	if len(d.classes) == 0 {
		return 0, fmt.Errorf("%w: no road classes", config.ErrConfiguration)
	}
	if startClass == 0 {
		return 0, nil
	}
	for i, c := range d.classes {
		if c.ID == startClass {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: start class %d is not a configured road class", config.ErrConfiguration, startClass)
}

// validate compiles every class predicate before any geometry is computed.
func (d *Driver) validate(ctx context.Context, runID string) (err error) {
	ev := &db.StageEvent{RunID: runID, Stage: StageValidate}
	t := d.startStage(ctx, "validate road class predicates", ev)
	defer t.Done(&err)

	return stageErr(0, 0, StageValidate, d.builder.Validate(ctx, d.classes))
}

// prepare stores the input points and resets the accumulated datasets.
func (d *Driver) prepare(ctx context.Context, runID string, points []symbology.BuildingPoint) (_ []symbology.BuildingPoint, err error) {
	ev := &db.StageEvent{RunID: runID, Stage: StagePrepare, Dataset: d.names.InputPoints().Name, FeatureCount: len(points)}
	t := d.startStage(ctx, "prepare datasets", ev)
	defer t.Done(&err)

	if err := d.datasets.Write(ctx, d.names.InputPoints(), db.KindPoint, runID, pointFeatures(points)); err != nil {
		return nil, stageErr(0, 0, StagePrepare, err)
	}
	for _, f := range d.fractions {
		if err := d.datasets.CreateOrClear(ctx, d.names.Accumulated(f), db.KindPolygon, runID); err != nil {
			return nil, stageErr(0, f, StagePrepare, err)
		}
	}
	return points, nil
}

// resume reloads the accumulator and the survivors of the class before
// d.classes[startIdx]. Under the forbid policy earlier classes are selected
// again so their segment claims are restored.
func (d *Driver) resume(ctx context.Context, runID string, startIdx int, acc *roadbuffer.Accumulator) (_ []symbology.BuildingPoint, err error) {
	prev := d.classes[startIdx-1]
	ev := &db.StageEvent{RunID: runID, Stage: StageResume, ClassID: d.classes[startIdx].ID, Dataset: d.names.Survivors(prev.ID).Name}
	t := d.startStage(ctx, fmt.Sprintf("resume at road class %d", d.classes[startIdx].ID), ev)
	defer t.Done(&err)

	for _, f := range d.fractions {
		features, err := d.datasets.Read(ctx, d.names.Accumulated(f))
		if err != nil {
			return nil, stageErr(0, f, StageResume, err)
		}
		if err := acc.Merge(f, featurePolygons(features)); err != nil {
			return nil, stageErr(0, f, StageResume, err)
		}
	}

	for _, c := range d.classes[:startIdx] {
		if _, err := d.builder.Select(ctx, c); err != nil {
			return nil, stageErr(c.ID, 0, StageResume, err)
		}
	}

	features, err := d.datasets.Read(ctx, d.names.Survivors(prev.ID))
	if err != nil {
		return nil, stageErr(prev.ID, 0, StageResume, err)
	}
	points, err := featurePoints(features)
	if err != nil {
		return nil, stageErr(prev.ID, 0, StageResume, err)
	}
	ev.FeatureCount = len(points)
	return points, nil
}

func (d *Driver) processClass(ctx context.Context, runID string, class roadbuffer.RoadClass, points []symbology.BuildingPoint, acc *roadbuffer.Accumulator) (_, _ []symbology.BuildingPoint, report ClassReport, err error) {
	report.ClassID = class.ID
	started := d.clock.Now()
	t := monitoring.StartStageWithClock(fmt.Sprintf("road class %d", class.ID), d.clock)
	defer t.Done(&err)

	segs, err := d.selectClass(ctx, runID, class)
	if err != nil {
		return nil, nil, report, err
	}
	report.Segments = len(segs)

	for _, f := range d.fractions {
		br, err := d.bufferFraction(ctx, runID, class, f, segs, acc)
		if err != nil {
			return nil, nil, report, err
		}
		report.Buffers = append(report.Buffers, br)
	}

	polys, err := d.synthesize(ctx, runID, class, points, &report)
	if err != nil {
		return nil, nil, report, err
	}

	res, err := d.eliminate(ctx, runID, class, polys, acc)
	if err != nil {
		return nil, nil, report, err
	}
	report.Elimination = res.Stats
	report.Duration = d.clock.Since(started)

	monitoring.Logf("[pipeline] road class %d: %d in, %d untouched, %d clipped, %d eliminated",
		class.ID, res.Stats.Input, res.Stats.Untouched, res.Stats.Clipped, res.Stats.Eliminated)
	return res.Survivors, res.Eliminated, report, nil
}

func (d *Driver) selectClass(ctx context.Context, runID string, class roadbuffer.RoadClass) (_ []db.RoadSegment, err error) {
	ds := d.names.Selection(class.ID)
	ev := &db.StageEvent{RunID: runID, Stage: StageSelect, ClassID: class.ID, Dataset: ds.Name}
	t := d.startStage(ctx, fmt.Sprintf("select road class %d", class.ID), ev)
	defer t.Done(&err)

	segs, err := d.builder.Select(ctx, class)
	if err != nil {
		return nil, stageErr(class.ID, 0, StageSelect, err)
	}
	if err := d.datasets.Write(ctx, ds, db.KindLine, runID, selectionFeatures(segs)); err != nil {
		return nil, stageErr(class.ID, 0, StageSelect, err)
	}
	ev.FeatureCount = len(segs)
	if len(segs) == 0 {
		d.warn(ev, fmt.Errorf("road class %d selected no segments: %w", class.ID, roadbuffer.ErrEmptyResult))
	}
	return segs, nil
}

func (d *Driver) bufferFraction(ctx context.Context, runID string, class roadbuffer.RoadClass, f float64, segs []db.RoadSegment, acc *roadbuffer.Accumulator) (br BufferReport, err error) {
	ev := &db.StageEvent{RunID: runID, Stage: StageBuffer, ClassID: class.ID, Fraction: f}
	t := d.startStage(ctx, fmt.Sprintf("buffer road class %d at %g", class.ID, f), ev)
	defer t.Done(&err)

	set, err := d.builder.BufferSegments(class, f, segs)
	if err != nil {
		return br, stageErr(class.ID, f, StageBuffer, err)
	}
	br = BufferReport{Fraction: f, Width: set.Width, Area: geometry.Area(set.Geometry), Empty: set.Empty()}

	ds := d.names.ClassBuffer(class.ID, set.Width)
	ev.Dataset = ds.Name
	ev.FeatureCount = len(set.Geometry)
	if err := d.datasets.Write(ctx, ds, db.KindPolygon, runID, bufferFeatures(class.ID, set.Geometry)); err != nil {
		return br, stageErr(class.ID, f, StageBuffer, err)
	}
	if set.Warning != nil && len(segs) > 0 {
		d.warn(ev, set.Warning)
	}

	if err := acc.Merge(f, set.Geometry); err != nil {
		return br, stageErr(class.ID, f, StageAccumulate, err)
	}
	if err := d.datasets.Append(ctx, d.names.Accumulated(f), bufferFeatures(class.ID, set.Geometry)); err != nil {
		return br, stageErr(class.ID, f, StageAccumulate, err)
	}
	if br.AccumulatedArea, err = acc.Area(f); err != nil {
		return br, stageErr(class.ID, f, StageAccumulate, err)
	}
	return br, nil
}

func (d *Driver) synthesize(ctx context.Context, runID string, class roadbuffer.RoadClass, points []symbology.BuildingPoint, report *ClassReport) (_ []symbology.SymbolPolygon, err error) {
	ds := d.names.SymbolPolygons(class.ID)
	ev := &db.StageEvent{RunID: runID, Stage: StageSynthesize, ClassID: class.ID, Dataset: ds.Name}
	t := d.startStage(ctx, fmt.Sprintf("synthesize symbols for road class %d", class.ID), ev)
	defer t.Done(&err)

	polys, stats := d.synth.Synthesize(points)
	report.Synthesis = stats
	ev.FeatureCount = len(polys)
	if stats.Skipped > 0 {
		d.warn(ev, fmt.Errorf("%d building point(s) with unrecognized symbol codes skipped", stats.Skipped))
	}
	if err := d.datasets.Write(ctx, ds, db.KindPolygon, runID, symbolFeatures(polys)); err != nil {
		return nil, stageErr(class.ID, 0, StageSynthesize, err)
	}
	return polys, nil
}

func (d *Driver) eliminate(ctx context.Context, runID string, class roadbuffer.RoadClass, polys []symbology.SymbolPolygon, acc *roadbuffer.Accumulator) (_ conflict.Result, err error) {
	ev := &db.StageEvent{RunID: runID, Stage: StageEliminate, ClassID: class.ID, Fraction: d.full}
	t := d.startStage(ctx, fmt.Sprintf("eliminate conflicts for road class %d", class.ID), ev)
	defer t.Done(&err)

	buffer, err := acc.Get(d.full)
	if err != nil {
		return conflict.Result{}, stageErr(class.ID, d.full, StageEliminate, err)
	}
	res, err := d.elim.Eliminate(polys, buffer)
	if err != nil {
		return conflict.Result{}, stageErr(class.ID, d.full, StageEliminate, err)
	}

	if err := d.datasets.Write(ctx, d.names.Erased(class.ID), db.KindPolygon, runID, erasedFeatures(res.Erased)); err != nil {
		return conflict.Result{}, stageErr(class.ID, d.full, StageEliminate, err)
	}
	survivors := d.names.Survivors(class.ID)
	if err := d.datasets.Write(ctx, survivors, db.KindPoint, runID, pointFeatures(res.Survivors)); err != nil {
		return conflict.Result{}, stageErr(class.ID, d.full, StageEliminate, err)
	}
	ev.Dataset = survivors.Name
	ev.FeatureCount = len(res.Survivors)
	return res, nil
}

// startStage starts a timer whose completion is recorded as a stage event.
// Callers fill in ev before the deferred Done runs.
func (d *Driver) startStage(ctx context.Context, name string, ev *db.StageEvent) *monitoring.StageTimer {
	t := monitoring.StartStageWithClock(name, d.clock)
	t.OnDone = func(_ string, elapsed time.Duration, err error) {
		ev.Duration = elapsed
		if err != nil {
			ev.Status = db.EventFailed
			ev.Message = err.Error()
		}
		if rerr := d.runs.RecordEvent(ctx, ev); rerr != nil {
			monitoring.Warnf("record stage event %s: %v", ev.Stage, rerr)
		}
	}
	return t
}

// warn logs a non-fatal condition and marks ev as a warning.
func (d *Driver) warn(ev *db.StageEvent, w error) {
	d.warnings++
	ev.Status = db.EventWarning
	ev.Message = w.Error()
	monitoring.Warnf("%v", w)
}
