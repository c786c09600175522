package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "bookrequest/searchservice/internal/api/http"
	"bookrequest/searchservice/internal/app"
	"bookrequest/searchservice/internal/domain"
	"bookrequest/searchservice/internal/metrics"
	"bookrequest/searchservice/internal/providers/audible"
	"bookrequest/searchservice/internal/providers/googlebooks"
	"bookrequest/searchservice/internal/providers/openlibrary"
	"bookrequest/searchservice/internal/search"
	"bookrequest/searchservice/internal/store/sqlite"
	"bookrequest/searchservice/internal/telemetry"
)

const serviceVersion = "1.0.0"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	region := cfg.Region
	if !audible.ValidRegion(region) {
		logger.Warn("unknown catalog region, falling back to us", slog.String("region", region))
		region = "us"
	}

	shutdownTracer, err := telemetry.Init(context.Background(), "book-search", serviceVersion, region)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "book-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("region", region),
		slog.Any("sourcePriority", cfg.SourcePriority),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.String("dbPath", cfg.DatabasePath),
	)

	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	audibleClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	googleClient := &http.Client{Timeout: cfg.SourceTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	openLibraryClient := &http.Client{Timeout: cfg.SourceTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}

	sources := []search.Source{
		audible.NewProvider(audible.Config{
			Region:           region,
			SearchEndpoint:   cfg.AudibleEndpoint,
			AudimetaEndpoint: cfg.AudimetaEndpoint,
			AudnexusEndpoint: cfg.AudnexusEndpoint,
			UserAgent:        cfg.UserAgent,
			Client:           audibleClient,
		}),
		googlebooks.NewProvider(googlebooks.Config{
			Endpoint:  cfg.GoogleBooksEndpoint,
			APIKey:    cfg.GoogleBooksAPIKey,
			UserAgent: cfg.UserAgent,
			Client:    googleClient,
		}),
		openlibrary.NewProvider(openlibrary.Config{
			Endpoint:  cfg.OpenLibraryEndpoint,
			UserAgent: cfg.UserAgent,
			Client:    openLibraryClient,
		}),
	}

	searchService, err := search.NewService(sources, store, sourcePriority(cfg.SourcePriority), buildServiceOptions(cfg, logger)...)
	if err != nil {
		logger.Error("search service init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := apihttp.NewServer(searchService, apihttp.WithLogger(logger)).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	searchService.StartBackground(rootCtx)
	go runJanitor(rootCtx, logger, store, searchService, cfg.JanitorInterval, cfg.JanitorMaxAge)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("book search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("book search service stopped")
}

// runJanitor periodically removes stale never-requested rows and drops cache
// entries that still reference them.
func runJanitor(ctx context.Context, logger *slog.Logger, store *sqlite.Store, svc *search.Service, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.DeleteStale(ctx, maxAge)
			if err != nil {
				logger.Warn("janitor cleanup failed", slog.String("error", err.Error()))
				continue
			}
			for _, id := range removed {
				svc.Cache().InvalidateByIdentifier(id)
			}
		}
	}
}

func sourcePriority(names []string) []domain.SourceName {
	priority := make([]domain.SourceName, 0, len(names))
	for _, name := range names {
		priority = append(priority, domain.SourceName(name))
	}
	return priority
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildServiceOptions(cfg app.Config, logger *slog.Logger) []search.ServiceOption {
	opts := []search.ServiceOption{
		search.WithPassTimeout(cfg.RequestTimeout),
		search.WithSourceTimeout(cfg.SourceTimeout),
		search.WithPerSourceLimit(cfg.PerSourceLimit),
		search.WithSufficientCount(cfg.SufficientCount),
	}

	if cfg.CacheDisabled {
		opts = append(opts, search.WithCacheDisabled(true))
		return opts
	}

	if cfg.CacheTTL > 0 {
		opts = append(opts, search.WithCacheTTL(cfg.CacheTTL))
	}

	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Warn("invalid redis url, using in-memory cache only", slog.String("error", err.Error()))
			return opts
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis not reachable, using in-memory cache only", slog.String("error", err.Error()))
			return opts
		}
		logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
		opts = append(opts, search.WithRedisCache(search.NewRedisCacheBackend(redisClient)))
	}

	return opts
}
