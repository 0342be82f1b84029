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
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/aluiziolira/go-scrape-catalog/parser"
	"github.com/aluiziolira/go-scrape-catalog/pipeline"
	"github.com/aluiziolira/go-scrape-catalog/scraper"
	"github.com/aluiziolira/go-scrape-catalog/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultCfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to a YAML/JSON config file")
	venues := flag.String("venues", "", "Comma separated venue slugs (overrides config)")
	apiBaseURL := flag.String("api-base-url", defaultCfg.APIBaseURL, "Assortment API base URL")
	categoryTable := flag.String("categories", defaultCfg.CategoryTable, "Category relabeling table (JSON)")
	maxCategoryID := flag.Int("max-category", defaultCfg.MaxCategoryID, "Stop at this category id (0 = until every venue is exhausted)")
	requestRate := flag.Float64("rate", defaultCfg.RequestRate, "Requests per second (0 disables pacing)")
	timeout := flag.Duration("timeout", defaultCfg.Timeout, "Per request timeout")
	maxAttempts := flag.Int("max-attempts", defaultCfg.MaxAttempts, "Attempts per fetch before it is queued for the retry sweep")
	retryUnit := flag.Duration("retry-unit", defaultCfg.RetryUnit, "Base unit for every retry wait")
	outputDir := flag.String("output", defaultCfg.OutputDir, "Output directory")
	verbose := flag.Bool("v", defaultCfg.Verbose, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", defaultCfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	postgresDSN := flag.String("postgres", defaultCfg.PostgresDSN, "Postgres DSN for snapshot storage")
	redisAddr := flag.String("redis", defaultCfg.RedisAddr, "Redis address for unresolved fetches")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "venues":
			cfg.Venues = config.SplitList(*venues)
		case "api-base-url":
			cfg.APIBaseURL = *apiBaseURL
		case "categories":
			cfg.CategoryTable = *categoryTable
		case "max-category":
			cfg.MaxCategoryID = *maxCategoryID
		case "rate":
			cfg.RequestRate = *requestRate
		case "timeout":
			cfg.Timeout = *timeout
		case "max-attempts":
			cfg.MaxAttempts = *maxAttempts
		case "retry-unit":
			cfg.RetryUnit = *retryUnit
		case "output":
			cfg.OutputDir = *outputDir
		case "v":
			cfg.Verbose = *verbose
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "postgres":
			cfg.PostgresDSN = *postgresDSN
		case "redis":
			cfg.RedisAddr = *redisAddr
		}
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("crawl failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, keeping recovered records")
	}()

	mapper, err := loadCategoryMapper(cfg)
	if err != nil {
		return err
	}

	var failureStore *storage.FailureStore
	var seed []models.FailedFetch
	if cfg.RedisAddr != "" {
		failureStore, err = storage.NewFailureStore(ctx, cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer failureStore.Close()
		seed, err = failureStore.Load(ctx)
		if err != nil {
			return fmt.Errorf("load unresolved fetches: %w", err)
		}
		if len(seed) > 0 {
			slog.Info("seeding retry sweep from previous run", slog.Int("entries", len(seed)))
		}
	}

	sinks := pipeline.NewMultiSink()
	files, err := pipeline.NewSnapshotWriter(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("create snapshot writer: %w", err)
	}
	sinks.Add("files", files)
	if cfg.PostgresDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks.Add("postgres", pg)
	}

	extractor := pipeline.NewExtractor(mapper, cfg.ProductLinkTemplate, cfg.LowValueThreshold)
	s, err := scraper.NewScraper(cfg, extractor, seed...)
	if err != nil {
		return fmt.Errorf("initialising scraper: %w", err)
	}

	metricsServer := startMetricsServer(cfg.MetricsAddr, s.Metrics)

	slog.Info("starting crawl",
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.Int("venues", len(cfg.Venues)),
		slog.Float64("rate", cfg.RequestRate),
	)

	p := pipeline.NewPipeline()
	p.Start()
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if closeErr := p.Close(); closeErr != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", closeErr))
	}
	if err != nil {
		return err
	}

	unique := pipeline.Dedupe(p.Records())
	manifest := s.State().Manifest.Entries()
	snapshot := &models.Snapshot{
		Date:     startTime,
		Records:  unique,
		Manifest: manifest,
	}

	// Persist even after cancellation: partial results are kept, not dropped.
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelWrite()
	writeErr := sinks.WriteSnapshot(writeCtx, snapshot)
	if writeErr == nil {
		if err := files.Validate(); err != nil {
			writeErr = fmt.Errorf("output validation: %w", err)
		}
	}

	if len(result.Unresolved) > 0 {
		path, err := files.WriteFailures(result.Unresolved)
		if err != nil {
			slog.Error("write failure report", slog.Any("error", err))
		} else {
			slog.Warn("unresolved fetches reported", slog.Int("count", len(result.Unresolved)), slog.String("path", path))
		}
	}
	if failureStore != nil {
		if err := failureStore.Save(writeCtx, result.Unresolved); err != nil {
			slog.Error("save unresolved fetches", slog.Any("error", err))
		}
	}

	stopMetricsServer(metricsServer)

	printSummary(result, time.Since(startTime), len(unique), len(manifest), cfg.OutputDir, p.GetMetrics())
	return writeErr
}

func loadCategoryMapper(cfg *config.Config) (*parser.CategoryMapper, error) {
	var rules []parser.CategoryRule
	if cfg.CategoryTable != "" {
		loaded, err := parser.LoadCategoryRulesFile(cfg.CategoryTable)
		if err != nil {
			return nil, fmt.Errorf("load category table: %w", err)
		}
		rules = loaded
	} else {
		slog.Warn("no category table configured, every category maps to the fallback bucket",
			slog.String("fallback", parser.FallbackCategory),
		)
	}
	return parser.NewCategoryMapper(rules, cfg.CategoryCacheSize)
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func printSummary(result *models.ScraperResult, duration time.Duration, uniqueProducts, uniqueSlugs int, outputDir string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	if result.Cancelled {
		fmt.Println("Crawl cancelled, partial snapshot written")
	} else {
		fmt.Println("Crawl complete")
	}

	fmt.Printf("  Unique products: %d\n", uniqueProducts)
	fmt.Printf("  Unique slugs:    %d\n", uniqueSlugs)
	fmt.Printf("  Records seen:    %d\n", result.RecordCount)
	fmt.Printf("  Pages:           %d\n", result.PageCount)
	fmt.Printf("  Venues done:     %d/%d (last category id %d)\n", result.ExhaustedVenues, result.Venues, result.LastCategoryID)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:    %.2f%%\n", successRate)
	fmt.Printf("  Errors:          %d\n", result.ErrorCount)
	fmt.Printf("  Retries:         %d\n", result.RetryCount)
	fmt.Printf("  Recovered:       %d\n", result.RecoveredCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:     %v\n", result.ErrorsByType)
	}
	if anomalies, ok := metrics["anomalies"].(map[string]int); ok && len(anomalies) > 0 {
		fmt.Printf("  Anomalies:       %v\n", anomalies)
	}
	fmt.Printf("  Duration:        %v\n", duration)
	fmt.Printf("  Output dir:      %s\n", outputDir)
	if n := len(result.Unresolved); n > 0 {
		fmt.Printf("  WARNING: %d fetches could not be recovered\n", n)
	}
	fmt.Println(separator)
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
