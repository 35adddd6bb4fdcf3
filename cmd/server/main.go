// Package main runs the complete service: the ingestion loop, the REST and
// WebSocket API, and the metrics/health endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"token-velocity/internal/api"
	"token-velocity/internal/broadcast"
	"token-velocity/internal/config"
	"token-velocity/internal/ingestion"
	"token-velocity/internal/observability"
	"token-velocity/internal/provider"
	"token-velocity/internal/provider/stub"
	"token-velocity/internal/query"
	"token-velocity/internal/storage"
	chstore "token-velocity/internal/storage/clickhouse"
	"token-velocity/internal/storage/memory"
	"token-velocity/internal/storage/migrations"
	pgstore "token-velocity/internal/storage/postgres"
	"token-velocity/internal/velocity"
)

const shutdownTimeout = 10 * time.Second

// stores holds the storage implementations selected at startup.
type stores struct {
	metrics storage.MetricStore
	keys    storage.APIKeyStore
	archive storage.SnapshotArchive // nil when ClickHouse is not configured
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Uptime        string    `json:"uptime"`
	Cycles        int64     `json:"cycles"`
	Failures      int64     `json:"failures"`
	LastSuccess   time.Time `json:"last_success,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastCommitted int       `json:"last_committed"`
	LastSkipped   int       `json:"last_skipped"`
	Subscribers   int       `json:"subscribers"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Flags override the environment.
	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "API HTTP address")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics HTTP address")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&cfg.ClickHouseDSN, "clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional archive)")
	flag.BoolVar(&cfg.UseMemory, "use-memory", cfg.UseMemory, "Use in-memory storage instead of PostgreSQL")
	flag.BoolVar(&cfg.UseStubProvider, "use-stub-provider", cfg.UseStubProvider, "Serve canned listings instead of calling the provider")
	flag.DurationVar(&cfg.IngestInterval, "interval", cfg.IngestInterval, "Ingestion cycle interval")
	flag.IntVar(&cfg.ListingLimit, "limit", cfg.ListingLimit, "Listings fetched per cycle")
	flag.IntVar(&cfg.DeactivateAfter, "deactivate-after", cfg.DeactivateAfter, "Missed cycles before an asset is deactivated (0 disables)")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	engine := velocity.NewEngine(st.metrics)
	broadcaster := broadcast.NewBroadcaster(broadcast.Options{
		Logger: log.New(os.Stdout, "[broadcast] ", log.LstdFlags|log.Lshortfile),
	})

	runner := ingestion.NewRunner(ingestion.Options{
		Provider:        newProvider(cfg),
		Store:           st.metrics,
		Engine:          engine,
		Broadcaster:     broadcaster,
		Digest:          broadcast.NewDigestBuilder(st.metrics, cfg.DigestSize, cfg.DigestWindow),
		Archive:         st.archive,
		Interval:        cfg.IngestInterval,
		ListingLimit:    cfg.ListingLimit,
		DeactivateAfter: cfg.DeactivateAfter,
		Logger:          log.New(os.Stdout, "[ingestion] ", log.LstdFlags|log.Lshortfile),
	})

	qopts := query.Options{
		Store:  st.metrics,
		Engine: engine,
		Logger: log.New(os.Stdout, "[query] ", log.LstdFlags|log.Lshortfile),
	}
	if st.archive != nil {
		qopts.Archive = st.archive
	}
	svc := query.NewService(qopts)

	apiServer := api.NewServer(api.Options{
		Query:        svc,
		Broadcaster:  broadcaster,
		Keys:         st.keys,
		MinKeyLength: cfg.MinAPIKeyLength,
		Logger:       log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lshortfile),
	})

	started := time.Now()
	apiHTTP := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsHTTP := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsMux(runner, broadcaster, started),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Printf("Starting ingestion (interval %s, limit %d)", cfg.IngestInterval, cfg.ListingLimit)
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ingestion: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Printf("API listening on %s", cfg.HTTPAddr)
		return serve(apiHTTP)
	})
	g.Go(func() error {
		logger.Printf("Metrics listening on %s", cfg.MetricsAddr)
		return serve(metricsHTTP)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiHTTP.Shutdown(shutdownCtx), metricsHTTP.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Printf("Server stopped with error: %v", err)
		cleanup()
		os.Exit(1)
	}
	logger.Println("Shutdown complete")
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}

// opsMux serves /metrics, /health and /status.
func opsMux(runner *ingestion.Runner, b *broadcast.Broadcaster, started time.Time) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		stats := runner.Stats()
		resp := StatusResponse{
			Uptime:        time.Since(started).Round(time.Second).String(),
			Cycles:        stats.Cycles,
			Failures:      stats.Failures,
			LastSuccess:   stats.LastSuccess,
			LastError:     stats.LastError,
			LastCommitted: stats.LastResult.Committed,
			LastSkipped:   stats.LastResult.Skipped,
			Subscribers:   b.SubscriberCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newProvider(cfg *config.Config) provider.Provider {
	if cfg.UseStubProvider {
		return stub.NewProvider(stub.Sample()...)
	}
	return provider.NewHTTPClient(cfg.ProviderBaseURL,
		provider.WithAPIKey(cfg.ProviderAPIKey),
		provider.WithTimeout(cfg.ProviderTimeout),
		provider.WithRatePerMinute(cfg.ProviderRatePerMinute),
	)
}

func createStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (*stores, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return &stores{
			metrics: memory.NewMetricStore(),
			keys:    memory.NewAPIKeyStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	st := &stores{
		metrics: pgstore.NewMetricStore(pool),
		keys:    pgstore.NewAPIKeyStore(pool),
	}
	closers := []func(){pool.Close}

	if cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		st.archive = chstore.NewSnapshotArchive(conn)
		closers = append(closers, func() { _ = conn.Close() })
		logger.Println("ClickHouse snapshot archive enabled")
	}

	logger.Println("Using PostgreSQL storage")
	done := false
	return st, func() {
		if done {
			return
		}
		done = true
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
