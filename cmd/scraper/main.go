package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ammarmalik17/multi-brand-scraper/config"
	"github.com/ammarmalik17/multi-brand-scraper/models"
	"github.com/ammarmalik17/multi-brand-scraper/normalize"
	"github.com/ammarmalik17/multi-brand-scraper/pipeline"
	"github.com/ammarmalik17/multi-brand-scraper/scraper"
	"github.com/ammarmalik17/multi-brand-scraper/sources"
)

func main() {
	configDefault := "config.yaml"
	if value, ok := config.EnvString("SCRAPER_CONFIG"); ok {
		configDefault = value
	}
	outputDefault := "out"
	if value, ok := config.EnvString("SCRAPER_OUTPUT_DIR"); ok {
		outputDefault = value
	}
	pgDefault, _ := config.EnvString("SCRAPER_PG_DSN")
	metricsDefault, _ := config.EnvString("SCRAPER_METRICS_ADDR")

	configPath := flag.String("config", configDefault, "Path to the sources configuration file")
	sourceName := flag.String("source", "all", "Source to scrape, or 'all' for every configured source")
	outputFormat := flag.String("format", "csv", "Output format: csv, json, or dual")
	outputDir := flag.String("output", outputDefault, "Output directory for export files")
	pgDSN := flag.String("pg-dsn", pgDefault, "Postgres DSN; empty disables the database sink")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	concurrency := flag.Int("concurrency", 0, "Override per-source worker count")
	productLimit := flag.Int("limit", 0, "Override per-category product limit")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	targets, err := selectSources(cfgFile, *sourceName)
	if err != nil {
		slog.Error("selecting sources", slog.Any("error", err))
		os.Exit(1)
	}
	for _, src := range targets {
		if *concurrency > 0 {
			src.Concurrency = *concurrency
		}
		if *productLimit > 0 {
			src.ProductLimit = *productLimit
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    *metricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", *metricsAddr))
	}

	exitCode := 0
	for _, src := range targets {
		summary, err := runSource(ctx, src, metrics, *outputFormat, *outputDir, *pgDSN)
		if err != nil {
			slog.Error("source run failed", slog.String("source", src.Name), slog.Any("error", err))
			exitCode = 1
			if ctx.Err() != nil {
				break
			}
			continue
		}
		printSummary(summary)
		if len(summary.Fetch.Failed()) > 0 {
			exitCode = 1
		}
		if ctx.Err() != nil {
			break
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	os.Exit(exitCode)
}

// runSource executes the full flow for one source: fetch, enhance and
// normalize, then export.
func runSource(ctx context.Context, src *config.Source, metrics *scraper.Metrics, format, outputDir, pgDSN string) (*models.RunSummary, error) {
	start := time.Now()
	requestsBefore := metrics.RequestCount()
	retriesBefore := metrics.RetryCount()
	errorsBefore := metrics.ErrorCount()
	errorTypesBefore := metrics.ErrorsByType()

	adapter, err := sources.New(src, sources.Deps{Recorder: metrics})
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}

	coord := scraper.NewCoordinator(src, adapter, metrics)
	fetchResult, err := coord.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var enhancer normalize.Enhancer
	if src.EnhanceDetails {
		enhancer = adapter
	}
	normalizer, err := normalize.New(src, enhancer)
	if err != nil {
		return nil, err
	}
	products := normalizer.Process(ctx, fetchResult.Records)

	writer, err := createWriter(format, outputDir, src.Name, pgDSN, start)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	p := pipeline.NewPipeline(writer)
	p.Start(src.Concurrency)
	if err := p.Process(products); err != nil {
		p.Close()
		writer.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if err := p.Close(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("pipeline shutdown: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	if len(products) > 0 {
		if err := writer.Validate(); err != nil {
			return nil, fmt.Errorf("output validation: %w", err)
		}
	}

	return &models.RunSummary{
		Source:       src.Name,
		Fetch:        fetchResult,
		Emitted:      p.Written(),
		Dropped:      normalizer.Dropped(),
		RequestCount: metrics.RequestCount() - requestsBefore,
		RetryCount:   metrics.RetryCount() - retriesBefore,
		ErrorCount:   metrics.ErrorCount() - errorsBefore,
		ErrorsByType: countDelta(metrics.ErrorsByType(), errorTypesBefore),
		Duration:     time.Since(start),
	}, nil
}

func selectSources(f *config.File, name string) ([]*config.Source, error) {
	if name == "all" || name == "" {
		return f.Sources, nil
	}
	var out []*config.Source
	for _, part := range strings.Split(name, ",") {
		src, ok := f.Source(strings.TrimSpace(part))
		if !ok {
			return nil, fmt.Errorf("source %q not found in configuration", strings.TrimSpace(part))
		}
		out = append(out, src)
	}
	return out, nil
}

func createWriter(format, outputDir, source, pgDSN string, start time.Time) (pipeline.OutputWriter, error) {
	var writers []pipeline.OutputWriter

	switch strings.ToLower(format) {
	case "csv":
		w, err := pipeline.NewCSVWriter(pipeline.OutputPath(outputDir, source, "csv", start))
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	case "json":
		w, err := pipeline.NewJSONWriter(pipeline.OutputPath(outputDir, source, "jsonl", start))
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	case "dual":
		cw, err := pipeline.NewCSVWriter(pipeline.OutputPath(outputDir, source, "csv", start))
		if err != nil {
			return nil, err
		}
		jw, err := pipeline.NewJSONWriter(pipeline.OutputPath(outputDir, source, "jsonl", start))
		if err != nil {
			cw.Close()
			return nil, err
		}
		writers = append(writers, cw, jw)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	if pgDSN != "" {
		pw, err := pipeline.NewPostgresWriter(context.Background(), pgDSN, source)
		if err != nil {
			for _, w := range writers {
				w.Close()
			}
			return nil, err
		}
		writers = append(writers, pw)
	}

	if len(writers) == 1 {
		return writers[0], nil
	}
	return pipeline.NewMultiWriter(writers...), nil
}

func printSummary(summary *models.RunSummary) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Printf("Scrape complete: %s\n", summary.Source)

	fmt.Printf("  Products:      %d\n", summary.Emitted)
	fmt.Printf("  Raw records:   %d\n", len(summary.Fetch.Records))

	complete := 0
	for _, cr := range summary.Fetch.Categories {
		if cr.Status == models.CategoryComplete {
			complete++
		}
	}
	fmt.Printf("  Categories:    %d/%d complete\n", complete, len(summary.Fetch.Categories))
	for _, cr := range summary.Fetch.Failed() {
		fmt.Printf("    %-12s %s after %d pages (%s)\n", cr.Category, cr.Status, cr.Pages, cr.Err)
	}

	if len(summary.Dropped) > 0 {
		fmt.Printf("  Dropped:       %v\n", sortedCounts(summary.Dropped))
	}
	successRate := 0.0
	if summary.RequestCount > 0 {
		successRate = float64(summary.RequestCount-summary.ErrorCount) / float64(summary.RequestCount) * 100
	}
	fmt.Printf("  Requests:      %d (%.2f%% ok, %d retries)\n", summary.RequestCount, successRate, summary.RetryCount)
	if len(summary.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", sortedCounts(summary.ErrorsByType))
	}
	fmt.Printf("  Duration:      %v\n", summary.Duration.Round(time.Millisecond))
	fmt.Println(separator)
}

// countDelta subtracts a snapshot from cumulative per-type counts so a
// multi-source run attributes each error class to the source that
// produced it.
func countDelta(after, before map[string]int) map[string]int {
	out := make(map[string]int)
	for k, v := range after {
		if d := v - before[k]; d > 0 {
			out[k] = d
		}
	}
	return out
}

func sortedCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
