// Command server runs the geotrack tracking engine and its HTTP API.
//
// # Usage
//
//	server --config /etc/geotrack/tracker.yaml
//	server --memory --debug
//	server --database postgres://... --migrate-status
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (GEOTRACK_*), also read from ./.env if present
// - A YAML config file (see internal/config)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/pilot-net/geotrack/db/migrate"
	"github.com/pilot-net/geotrack/tracker/internal/alerting"
	"github.com/pilot-net/geotrack/tracker/internal/api"
	"github.com/pilot-net/geotrack/tracker/internal/cache"
	"github.com/pilot-net/geotrack/tracker/internal/config"
	"github.com/pilot-net/geotrack/tracker/internal/ingest"
	"github.com/pilot-net/geotrack/tracker/internal/metrics"
	"github.com/pilot-net/geotrack/tracker/internal/relay"
	"github.com/pilot-net/geotrack/tracker/internal/scheduler"
	"github.com/pilot-net/geotrack/tracker/internal/secrets"
	"github.com/pilot-net/geotrack/tracker/internal/service"
	"github.com/pilot-net/geotrack/tracker/internal/store"
	"github.com/pilot-net/geotrack/tracker/internal/stream"
)

const version = "geotrack-server v0.3.0"

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (postgres://... or op://item/field)")
		memory     = flag.Bool("memory", false, "Use the in-memory store instead of Postgres")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		showVer    = flag.Bool("version", false, "Print version and exit")

		migrateStatus = flag.Bool("migrate-status", false, "Print applied and pending migrations, then exit")
		migrateForget = flag.Bool("migrate-forget", false, "Remove the newest migration record so it re-runs, then exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to read .env", "error", err)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbURL != "" {
		cfg.Database.URL = *dbURL
	}
	if *memory {
		cfg.Database.Memory = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Resolve op:// references
	var (
		resolver *secrets.Resolver
		err      error
	)
	if cfg.OnePassword.Enabled() {
		r, err := secrets.NewOnePasswordResolver(secrets.OnePasswordConfig{
			Host:  cfg.OnePassword.Host,
			Token: cfg.OnePassword.Token,
			Vault: cfg.OnePassword.Vault,
		}, logger)
		if err != nil {
			logger.Error("failed to configure 1Password", "error", err)
			os.Exit(1)
		}
		resolver = r
	}
	if !cfg.Database.Memory {
		if cfg.Database.URL, err = resolver.Resolve(cfg.Database.URL); err != nil {
			logger.Error("failed to resolve database URL", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Redis.URL, err = resolver.Resolve(cfg.Redis.URL); err != nil {
		logger.Error("failed to resolve redis URL", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *migrateStatus || *migrateForget {
		if err := runMigrationCommand(ctx, cfg.Database.URL, *migrateForget, logger); err != nil {
			logger.Error("migration command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	backend, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	clock := clockwork.NewRealClock()
	svc := service.New(backend, clock, engineConfig(cfg.Engine), logger)
	if err := svc.Initialize(ctx); err != nil {
		logger.Error("engine initialization failed", "error", err)
		os.Exit(1)
	}

	// Background consumers live until shutdown.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	var (
		responseCache *cache.Cache
		relayCounter  metrics.RelayCounter
	)
	if cfg.Redis.URL != "" {
		responseCache, err = cache.New(cfg.Redis.URL, logger)
		if err != nil {
			// Redis is optional; run without it.
			logger.Warn("redis unavailable, cache and relay disabled", "error", err)
		} else {
			defer responseCache.Close()
			go responseCache.Watch(runCtx, svc.Bus())
			eventRelay := relay.New(responseCache.Client(), relay.Config{
				OrganizationID: cfg.Engine.OrganizationID,
				StateTTL:       cfg.Redis.DeviceStateTTL,
				Buffer:         cfg.Redis.RelayBuffer,
			}, logger)
			go eventRelay.Run(runCtx, svc.Bus())
			relayCounter = eventRelay
			logger.Info("redis connected")
		}
	}

	collector := metrics.NewCollector(clock)
	opts := api.Options{
		Cache:       responseCache,
		StatsTTL:    cfg.Redis.StatsCacheTTL,
		Collector:   collector,
		IngestRate:  cfg.Server.IngestRate,
		IngestBurst: cfg.Server.IngestBurst,
		CORSOrigin:  cfg.Server.CORSOrigin,
		Metrics:     metrics.NewExporter(svc, collector, relayCounter, logger),
	}
	if cfg.Stream.Enabled {
		hub := stream.NewHub(cfg.Stream.Buffer, cfg.Server.CORSOrigin, logger)
		go hub.Run(runCtx, svc.Bus())
		opts.Stream = hub
	}
	apiServer := api.NewServer(svc, opts, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port, "version", version)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}
	stopRun()

	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.Backend, error) {
	if cfg.Memory {
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}

	db, err := store.NewStoreFromURL(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("connected to database")

	if cfg.Migrate {
		n, err := migrate.Run(ctx, db.Pool(), logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations complete", "applied", n)
	}
	return db, nil
}

// runMigrationCommand handles the --migrate-* maintenance flags.
func runMigrationCommand(ctx context.Context, url string, forget bool, logger *slog.Logger) error {
	db, err := store.NewStoreFromURL(ctx, url)
	if err != nil {
		return err
	}
	defer db.Close()

	if forget {
		return migrate.Forget(ctx, db.Pool(), logger)
	}

	status, err := migrate.GetStatus(ctx, db.Pool())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func engineConfig(e config.EngineConfig) service.Config {
	c := service.DefaultConfig()
	c.OrganizationID = e.OrganizationID
	c.TrackingEnabled = e.TrackingEnabled
	c.DriftProbability = e.DriftProbability
	c.MaxSpeedMps = e.MaxSpeedMps
	c.LatencySamples = e.LatencySamples

	c.Ingest = ingest.Config{
		GeofenceChecksEnabled:   e.GeofenceChecks,
		AnomalyDetectionEnabled: e.AnomalyDetection,
		HistoryWindow:           e.HistoryWindow,
	}
	c.Alerting = alerting.DefaultConfig()
	c.Alerting.EscalationEnabled = e.EscalationEnabled
	c.Alerting.EscalationDelay = e.EscalationDelay
	c.Scheduler = scheduler.Config{
		DiscoveryEnabled:  e.TrackingEnabled,
		DiscoveryInterval: e.DiscoveryInterval,
	}
	return c
}
