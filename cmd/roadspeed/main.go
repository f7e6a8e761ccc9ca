package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LdDl/roadspeed"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	graphFileName = flag.String("graph", "my_graph.osm.pbf", "Road network: *.osm / *.xml / *.osm.pbf file or node-link *.json graph")
	tagStr        = flag.String("tags", strings.Join(roadspeed.DefaultDriveTags, ","), "Set of needed highway tags for OSM input (separated by commas)")
	settingsFile  = flag.String("settings", "", "YAML settings file. Built-in defaults are used when empty")
	routesCap     = flag.Int("routes", 0, "Max number of generated routes. Overrides settings when positive")
	period        = flag.String("period", "", "Collect only single time window. Expected values: peak_am / off_peak / peak_pm")
	durationStr   = flag.String("duration", "", "Max collection duration per time window, e.g. '5m', '30m', '1h'. Bare number means minutes. No limit when empty")
	out           = flag.String("out", "", "Output filename prefix. E.g. 'speeds' gives 'speeds.csv' and 'speeds.geojson'. Default: <output dir>/segment_speeds")
	geomFormat    = flag.String("geomf", "", "Format of CSV geometry. Expected values: wkt / geojson. Overrides settings")
	exportGraph   = flag.Bool("export-graph", false, "Write road graph as <out>_graph_nodes.csv and <out>_graph_segments.csv")
	proxiesStr    = flag.String("proxies", "", "Proxy servers (separated by commas). Overrides settings and ROADSPEED_PROXIES")
	checkpointDir = flag.String("checkpoint-dir", "", "Directory for progress and results files. Overrides settings")
	monitorAddr   = flag.String("monitor", "", "Address of status / metrics server, e.g. ':9100'. Disabled when empty")
	pgDSN         = flag.String("pg", "", "PostgreSQL DSN for aggregated speeds. Overrides ROADSPEED_PG_DSN")
	pgSchema      = flag.String("pg-schema", "public", "PostgreSQL schema")
	mode          = flag.String("mode", "road", "Route sampling. Expected values: road (every pair of intersections) / facility (random intersections to facilities, alias 'hospital')")
	facilitiesCSV = flag.String("facilities", "", "CSV file of facilities for facility mode. Overrides settings")
	seed          = flag.Int64("seed", 0, "Seed of origins draw in facility mode. Overrides settings when not zero")
	previewQueue  = flag.Bool("preview", false, "Write route queue as <out>_queue.geojson")
	traceFile     = flag.String("trace", "", "Write OpenTelemetry spans as JSON to given file ('-' for stdout). Disabled when empty")
	verbose       = flag.Bool("verbose", true, "Print loading progress")
)

func main() {
	flag.Parse()
	// .env is optional
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("run_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	settings := roadspeed.DefaultSettings()
	if *settingsFile != "" {
		loaded, err := roadspeed.LoadSettings(*settingsFile)
		if err != nil {
			return err
		}
		settings = loaded
	}
	if *routesCap > 0 {
		settings.Scraping.MaxRoutes = *routesCap
	}
	if *checkpointDir != "" {
		settings.Checkpoint.Dir = *checkpointDir
	}
	if *geomFormat != "" {
		settings.Output.GeomFormat = *geomFormat
	}
	geomf, err := roadspeed.ParseGeomFormat(settings.Output.GeomFormat)
	if err != nil {
		return err
	}
	if proxies := firstNonEmpty(*proxiesStr, os.Getenv("ROADSPEED_PROXIES")); proxies != "" {
		settings.Scraping.Proxies = splitList(proxies)
	}
	var budget time.Duration
	if *durationStr != "" {
		budget, err = roadspeed.ParseRunDuration(*durationStr)
		if err != nil {
			return err
		}
	}
	samplingMode, err := roadspeed.ParseSamplingMode(*mode)
	if err != nil {
		return err
	}
	if *facilitiesCSV != "" {
		settings.FacilityMode.CSVPath = *facilitiesCSV
	}
	if *seed != 0 {
		settings.FacilityMode.Seed = *seed
	}
	windows := roadspeed.AllTimeWindows()
	if *period != "" {
		window, err := roadspeed.ParseTimeWindow(*period)
		if err != nil {
			return err
		}
		windows = []roadspeed.TimeWindow{window}
	}
	outPrefix := *out
	if outPrefix == "" {
		outPrefix = filepath.Join(settings.Output.Dir, "segment_speeds")
		if samplingMode == roadspeed.SAMPLING_FACILITY {
			outPrefix = filepath.Join(settings.Output.Dir, "facility_routes")
		}
	}
	outPrefix = strings.TrimSuffix(outPrefix, ".csv")
	if err := os.MkdirAll(filepath.Dir(outPrefix), 0755); err != nil {
		return errors.Wrap(err, "Can't create output directory")
	}

	graph, err := loadGraph(*graphFileName)
	if err != nil {
		return errors.Wrap(err, "Can't load road graph")
	}
	if *exportGraph {
		if err := roadspeed.ExportGraphCSV(graph, outPrefix+"_graph.csv"); err != nil {
			return err
		}
	}
	var facilities []roadspeed.Facility
	if samplingMode == roadspeed.SAMPLING_FACILITY {
		facilities, err = roadspeed.LoadFacilitiesCSV(settings.FacilityMode.CSVPath)
		if err != nil {
			return err
		}
		logger.Info("facilities_loaded", slog.Int("count", len(facilities)), slog.String("file", settings.FacilityMode.CSVPath))
	}
	samplerOptions := append(settings.FacilitySamplerOptions(),
		roadspeed.WithMaxRoutes(settings.Scraping.MaxRoutes),
		roadspeed.WithSamplerVerbose(*verbose),
	)
	queue, err := roadspeed.BuildRouteQueue(graph, settings.AreaList(), samplingMode, facilities, samplerOptions...)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return fmt.Errorf("No routes found in %s mode", samplingMode)
	}
	if *previewQueue {
		if err := roadspeed.ExportQueuePreviewGeoJSON(outPrefix+"_queue.geojson", graph, queue); err != nil {
			return err
		}
	}

	if *traceFile != "" {
		provider, err := newTracerProvider(*traceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				logger.Error("trace_shutdown_failed", slog.Any("error", err))
			}
		}()
		otel.SetTracerProvider(provider)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := roadspeed.NewProgressTracker()
	if *monitorAddr != "" {
		go func() {
			if err := roadspeed.ServeMonitor(ctx, *monitorAddr, tracker); err != nil {
				logger.Error("monitor_failed", slog.Any("error", err))
			}
		}()
	}

	store, err := roadspeed.NewCheckpointStore(settings.Checkpoint.Dir, roadspeed.WithFlushEvery(settings.Checkpoint.FlushEvery))
	if err != nil {
		return err
	}
	options := append(settings.EngineOptions(),
		roadspeed.WithBrowserFactory(roadspeed.ChromeBrowserFactory(
			roadspeed.WithHeadless(settings.Scraping.Headless),
			roadspeed.WithExecPath(os.Getenv("ROADSPEED_CHROME_PATH")),
		)),
		roadspeed.WithIdentityPool(roadspeed.NewIdentityPool(settings.Scraping.Proxies, "", time.Now().UnixNano())),
		roadspeed.WithDeadline(budget),
		roadspeed.WithLogger(logger),
		roadspeed.WithProgressTracker(tracker),
	)
	engine := roadspeed.NewEngine(options...)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		jakarta = time.FixedZone("WIB", 7*3600)
	}
	day := time.Now().In(jakarta)
	for _, window := range windows {
		departure := settings.WindowSchedule(window).DepartureTime(day)
		report, err := engine.RunWindow(ctx, window, roadspeed.ForWindow(queue, window), store, departure)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn("run_interrupted", slog.String("time_window", window.String()))
				return nil
			}
			return err
		}
		fmt.Printf("%s: completed %d, failed %d, skipped %d, pending %d (%s)\n", window, report.Completed, report.Failed, report.Skipped, report.Pending, report.ResultsFile)
	}

	// Windows collected by earlier runs (e.g. with -period) are aggregated too
	results, err := store.SavedResults()
	if err != nil {
		return err
	}
	if samplingMode == roadspeed.SAMPLING_FACILITY {
		return exportFacilityRoutes(graph, results, outPrefix, geomf)
	}

	aggregator := roadspeed.NewAggregator()
	aggregator.Graph = graph
	rows := aggregator.Aggregate(results)
	for _, summary := range roadspeed.Summary(rows) {
		fmt.Printf("%s: segments %d, min %.2f km/h, mean %.2f km/h, max %.2f km/h, flagged %d\n", summary.TimeWindow, summary.Segments, summary.MinKmh, summary.MeanKmh, summary.MaxKmh, summary.Flagged)
	}
	exported := roadspeed.JoinSegmentSpeeds(graph, rows)
	if err := roadspeed.ExportCSV(outPrefix+".csv", exported, geomf); err != nil {
		return err
	}
	if err := roadspeed.ExportGeoJSON(outPrefix+".geojson", exported); err != nil {
		return err
	}
	if dsn := firstNonEmpty(*pgDSN, os.Getenv("ROADSPEED_PG_DSN")); dsn != "" {
		sink, err := roadspeed.NewPostgresSink(ctx, dsn, *pgSchema, 2)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.EnsureTable(ctx); err != nil {
			return err
		}
		written, err := sink.Write(ctx, exported)
		if err != nil {
			return err
		}
		logger.Info("postgres_written", slog.Int("rows", written))
	}
	return nil
}

func exportFacilityRoutes(graph *roadspeed.RoadGraph, results map[roadspeed.TimeWindow][]roadspeed.ScrapedRoute, outPrefix string, geomf roadspeed.GeomFormat) error {
	routes := roadspeed.AggregateFacilityRoutes(graph, results)
	fmt.Printf("Facility routes with valid observations: %d\n", len(routes))
	if err := roadspeed.ExportFacilityCSV(outPrefix+".csv", routes, geomf); err != nil {
		return err
	}
	return roadspeed.ExportFacilityGeoJSON(outPrefix+".geojson", routes)
}

func newTracerProvider(fname string) (*sdktrace.TracerProvider, error) {
	if fname == "-" {
		return roadspeed.NewStdoutTracerProvider(os.Stdout)
	}
	file, err := os.Create(fname)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create trace file")
	}
	// File stays open until process exit: provider flushes spans into it on Shutdown
	return roadspeed.NewStdoutTracerProvider(file)
}

func loadGraph(fname string) (*roadspeed.RoadGraph, error) {
	if strings.HasSuffix(strings.ToLower(fname), ".json") {
		return roadspeed.LoadRoadGraphJSON(fname, *verbose)
	}
	return roadspeed.ImportRoadGraphFromOSM(fname, roadspeed.NewOsmConfiguration(*tagStr), *verbose)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func splitList(str string) []string {
	items := []string{}
	for _, item := range strings.Split(str, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
