// Command generalize resolves conflicts between building symbols and road
// symbols for a map scale, one road class at a time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/mapgen/internal/config"
	"github.com/banshee-data/mapgen/internal/db"
	"github.com/banshee-data/mapgen/internal/displacement"
	"github.com/banshee-data/mapgen/internal/featureio"
	"github.com/banshee-data/mapgen/internal/fsutil"
	"github.com/banshee-data/mapgen/internal/geometry"
	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/pipeline"
	"github.com/banshee-data/mapgen/internal/report"
	"github.com/banshee-data/mapgen/internal/roadbuffer"
	"github.com/banshee-data/mapgen/internal/version"
)

const defaultDBFile = "generalize.db"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("generalize: %v", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return handleMigrate(args[1:], out)
		case "propagate":
			return handlePropagate(ctx, args[1:], out)
		case "help":
			printUsage(out)
			return nil
		}
	}
	return handleRun(ctx, args, out)
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `generalize - resolve building and road symbol conflicts

Usage:
  generalize [flags]                      run every road class pass
  generalize migrate <action> [-db path]  manage the database schema
  generalize propagate -links <file>      move points along with displaced roads

Run flags:
  -db <path>          SQLite database (default generalize.db)
  -config <file>      JSON or YAML generalization config
  -buildings <file>   building points GeoJSON (required for a fresh run)
  -roads <file>       road centerlines GeoJSON; loaded into the database
  -out <dir>          write the surviving points and final buffer as GeoJSON
  -scale <name>       override the configured scale
  -start-class <id>   resume from a road class using stored datasets
  -plot-dir <dir>     write PNG and HTML diagnostics
  -version            print version and exit
`)
}

type runOptions struct {
	dbPath     string
	configPath string
	buildings  string
	roads      string
	outDir     string
	scale      string
	startClass int
	plotDir    string
	version    bool
}

func parseRunFlags(args []string, out io.Writer) (runOptions, error) {
	var o runOptions
	fs := flag.NewFlagSet("generalize", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() { printUsage(out) }
	fs.StringVar(&o.dbPath, "db", defaultDBFile, "SQLite database path")
	fs.StringVar(&o.configPath, "config", "", "Generalization config file (JSON or YAML)")
	fs.StringVar(&o.buildings, "buildings", "", "Building points GeoJSON")
	fs.StringVar(&o.roads, "roads", "", "Road centerlines GeoJSON")
	fs.StringVar(&o.outDir, "out", "", "Output directory for GeoJSON results")
	fs.StringVar(&o.scale, "scale", "", "Override the configured scale")
	fs.IntVar(&o.startClass, "start-class", 0, "Resume from this road class")
	fs.StringVar(&o.plotDir, "plot-dir", "", "Directory for diagnostic plots")
	fs.BoolVar(&o.version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if o.startClass < 0 {
		return o, fmt.Errorf("-start-class must not be negative")
	}
	return o, nil
}

func loadConfig(path, scale string) (*config.GeneralizationConfig, error) {
	cfg := config.DefaultGeneralizationConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadGeneralizationConfig(path); err != nil {
			return nil, err
		}
	}
	if scale != "" {
		cfg.Scale = &scale
	}
	return cfg, cfg.Validate()
}

func handleRun(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseRunFlags(args, out)
	if err != nil {
		return err
	}
	if o.version {
		fmt.Fprintln(out, version.String())
		return nil
	}

	cfg, err := loadConfig(o.configPath, o.scale)
	if err != nil {
		return err
	}
	classes := roadbuffer.ClassesFromConfig(cfg.GetRoadClasses())
	fresh := o.startClass == 0 || (len(classes) > 0 && o.startClass == classes[0].ID)
	if fresh && o.buildings == "" {
		return fmt.Errorf("-buildings is required unless resuming with -start-class")
	}

	database, err := db.NewDB(o.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	engine := geometry.NewGEOSEngine(geometry.GEOSOptions{QuadrantSegments: cfg.GetQuadrantSegments()})
	driver, err := pipeline.NewDriver(cfg, pipeline.Deps{DB: database, Engine: engine})
	if err != nil {
		return err
	}

	fields := featureio.Fields{Symbol: cfg.GetSymbolField(), Index: cfg.GetIndexField()}
	reader := featureio.NewReader(fsutil.OSFileSystem{}, fields)
	if o.roads != "" {
		segs, err := reader.Roads(o.roads)
		if err != nil {
			return err
		}
		if err := driver.LoadRoads(ctx, segs); err != nil {
			return err
		}
		log.Printf("loaded %d road segments from %s", len(segs), o.roads)
	}

	in := pipeline.Input{StartClass: o.startClass}
	if fresh {
		if in.Points, err = reader.Buildings(o.buildings); err != nil {
			return err
		}
	}

	res, err := driver.Run(ctx, in)
	if err != nil {
		return err
	}
	printSummary(out, res)

	if o.outDir != "" {
		if err := writeOutputs(driver, o.outDir, fields, res, classes[len(classes)-1].ID, cfg.GetFullWidthFraction()); err != nil {
			return err
		}
	}
	if o.plotDir != "" {
		if _, err := report.Write(o.plotDir, report.FromResult(res, driver.Registry().Scale())); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(out io.Writer, res *pipeline.Result) {
	fmt.Fprintf(out, "run %s\n", res.RunID)
	for _, c := range res.Classes {
		fmt.Fprintf(out, "  road class %d: %d segments, %d points in, %d untouched, %d clipped, %d eliminated\n",
			c.ClassID, c.Segments, c.Elimination.Input, c.Elimination.Untouched, c.Elimination.Clipped, c.Elimination.Eliminated)
	}
	fmt.Fprintf(out, "%d building points remain, %d eliminated, %d warning(s)\n", len(res.Points), len(res.Eliminated), res.Warnings)
}

// writeOutputs writes the final points and the dissolved full-width buffer.
func writeOutputs(driver *pipeline.Driver, dir string, fields featureio.Fields, res *pipeline.Result, lastClass int, fullFraction float64) error {
	w, err := featureio.NewWriter(fsutil.OSFileSystem{}, dir, fields)
	if err != nil {
		return err
	}
	names := driver.Datasets()
	if _, err := w.Buildings(names.Survivors(lastClass).Name, res.Points); err != nil {
		return err
	}
	features := make([]db.Feature, len(res.Accumulated))
	for i, p := range res.Accumulated {
		features[i] = db.Feature{SourceID: int64(i + 1), Geometry: p}
	}
	if _, err := w.Dataset(names.Accumulated(fullFraction).Name, features); err != nil {
		return err
	}
	log.Printf("wrote results to %s", dir)
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", defaultDBFile, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, out)
}

type propagateOptions struct {
	dbPath     string
	configPath string
	links      string
	class      int
	outDir     string
}

func parsePropagateFlags(args []string, out io.Writer) (propagateOptions, error) {
	var o propagateOptions
	fs := flag.NewFlagSet("propagate", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.dbPath, "db", defaultDBFile, "SQLite database path")
	fs.StringVar(&o.configPath, "config", "", "Generalization config file (JSON or YAML)")
	fs.StringVar(&o.links, "links", "", "Displacement links GeoJSON (required)")
	fs.IntVar(&o.class, "class", 0, "Road class whose survivors are moved (default: last class)")
	fs.StringVar(&o.outDir, "out", "", "Output directory for the moved points")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.links == "" {
		return o, fmt.Errorf("-links is required")
	}
	return o, nil
}

func handlePropagate(ctx context.Context, args []string, out io.Writer) error {
	o, err := parsePropagateFlags(args, out)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o.configPath, "")
	if err != nil {
		return err
	}
	if o.class == 0 {
		classes := cfg.GetRoadClasses()
		o.class = classes[len(classes)-1].ID
	}

	fields := featureio.Fields{Symbol: cfg.GetSymbolField(), Index: cfg.GetIndexField()}
	links, err := featureio.NewReader(fsutil.OSFileSystem{}, fields).Links(o.links)
	if err != nil {
		return err
	}
	prop, err := displacement.NewPropagator(links, displacement.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}

	database, err := db.NewDB(o.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	reg, err := naming.NewRegistry(cfg.GetScale())
	if err != nil {
		return err
	}
	store := db.NewDatasetStore(database, reg.Scale())
	src := pipeline.NewDatasets(reg).Survivors(o.class)
	stats, err := prop.PropagateDataset(ctx, store, reg, src, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "moved %d of %d points in %s (mean %.2f, max %.2f)\n", stats.Moved, stats.Input, src.Name, stats.MeanShift, stats.MaxShift)

	if o.outDir == "" {
		return nil
	}
	w, err := featureio.NewWriter(fsutil.OSFileSystem{}, o.outDir, fields)
	if err != nil {
		return err
	}
	after := reg.Dataset(naming.KeyAfterPropagate)
	features, err := store.Read(ctx, after)
	if err != nil {
		return err
	}
	_, err = w.Dataset(after.Name, features)
	return err
}
