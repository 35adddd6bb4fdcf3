// Package main runs the ingestion loop on its own, without the API.
// With --once it runs a single cycle and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"token-velocity/internal/config"
	"token-velocity/internal/ingestion"
	"token-velocity/internal/observability"
	"token-velocity/internal/provider"
	"token-velocity/internal/provider/stub"
	"token-velocity/internal/storage"
	chstore "token-velocity/internal/storage/clickhouse"
	"token-velocity/internal/storage/memory"
	"token-velocity/internal/storage/migrations"
	pgstore "token-velocity/internal/storage/postgres"
	"token-velocity/internal/velocity"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	once := flag.Bool("once", false, "Run a single cycle and exit")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics HTTP address (empty disables)")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&cfg.ClickHouseDSN, "clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional archive)")
	flag.BoolVar(&cfg.UseMemory, "use-memory", cfg.UseMemory, "Use in-memory storage instead of PostgreSQL")
	flag.BoolVar(&cfg.UseStubProvider, "use-stub-provider", cfg.UseStubProvider, "Serve canned listings instead of calling the provider")
	flag.DurationVar(&cfg.IngestInterval, "interval", cfg.IngestInterval, "Ingestion cycle interval")
	flag.IntVar(&cfg.ListingLimit, "limit", cfg.ListingLimit, "Listings fetched per cycle")
	flag.IntVar(&cfg.DeactivateAfter, "deactivate-after", cfg.DeactivateAfter, "Missed cycles before an asset is deactivated (0 disables)")
	flag.Parse()

	logger := log.New(os.Stdout, "[ingest] ", log.LstdFlags|log.Lshortfile)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, archive, cleanup, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	var p provider.Provider
	if cfg.UseStubProvider {
		p = stub.NewProvider(stub.Sample()...)
	} else {
		p = provider.NewHTTPClient(cfg.ProviderBaseURL,
			provider.WithAPIKey(cfg.ProviderAPIKey),
			provider.WithTimeout(cfg.ProviderTimeout),
			provider.WithRatePerMinute(cfg.ProviderRatePerMinute),
		)
	}

	// No API in this process, so there is nobody to push updates to.
	runner := ingestion.NewRunner(ingestion.Options{
		Provider:        p,
		Store:           store,
		Engine:          velocity.NewEngine(store),
		Archive:         archive,
		Interval:        cfg.IngestInterval,
		ListingLimit:    cfg.ListingLimit,
		DeactivateAfter: cfg.DeactivateAfter,
		Logger:          logger,
	})

	if *once {
		result, err := runner.RunCycle(ctx)
		if err != nil {
			cleanup()
			logger.Fatalf("Cycle failed: %v", err)
		}
		logger.Printf("Cycle complete: fetched=%d committed=%d skipped=%d deactivated=%d in %s",
			result.Fetched, result.Committed, result.Skipped, result.Deactivated, result.Duration)
		return
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Printf("Metrics listening on %s", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	logger.Printf("Starting ingestion (interval %s, limit %d)", cfg.IngestInterval, cfg.ListingLimit)
	runErr := runner.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		cleanup()
		logger.Fatalf("Ingestion stopped: %v", runErr)
	}

	stats := runner.Stats()
	logger.Printf("Shutdown complete: cycles=%d failures=%d", stats.Cycles, stats.Failures)
}

func openStorage(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.MetricStore, storage.SnapshotArchive, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return memory.NewMetricStore(), nil, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	if cfg.ClickHouseDSN == "" {
		return pgstore.NewMetricStore(pool), nil, pool.Close, nil
	}

	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}
	cleanup := func() {
		_ = conn.Close()
		pool.Close()
	}
	return pgstore.NewMetricStore(pool), chstore.NewSnapshotArchive(conn), cleanup, nil
}
