package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tabtime/tabtime/internal/api"
	"github.com/tabtime/tabtime/internal/bridge"
	"github.com/tabtime/tabtime/internal/config"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/limits"
	"github.com/tabtime/tabtime/internal/metrics"
	"github.com/tabtime/tabtime/internal/session"
	"github.com/tabtime/tabtime/internal/storage"
	"github.com/tabtime/tabtime/internal/storage/bolt"
	"github.com/tabtime/tabtime/internal/storage/memory"
	"github.com/tabtime/tabtime/internal/storage/redis"
	"github.com/tabtime/tabtime/internal/systemd"
	"github.com/tabtime/tabtime/internal/tracker"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the tabtime daemon",
	Long:  `Start the tabtime daemon with the extension bridge, message API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting tabtime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	normalizer := domain.NewNormalizer()
	clock := tracker.RealClock{}

	// Restore tracking sessions from the previous run
	registry := session.NewRegistry(store.State(), logger)
	if err := registry.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore tracking sessions: %w", err)
	}

	// Load limit state and settle any missed day boundary
	limitStore, err := limits.NewStore(ctx, store.State(), normalizer, cfg.Tracking.WarningMessage, logger)
	if err != nil {
		return fmt.Errorf("failed to load limit state: %w", err)
	}
	if _, err := limitStore.RolloverIfNewDay(ctx, clock.Now()); err != nil {
		return fmt.Errorf("failed to run daily rollover: %w", err)
	}

	logger.Info().Msg("Limit store initialized")

	// Extension bridge
	extensionBridge := bridge.New(parseDuration(cfg.Tracking.RPCTimeout, bridge.DefaultRPCTimeout), logger)

	// Message API, served over HTTP and over the bridge
	handler := api.NewHandler(limitStore, clock, logger)
	extensionBridge.SetHandler(handler)

	// Tab lifecycle consumer
	lifecycle := tracker.NewLifecycle(registry, normalizer, clock, cfg.Tracking.BlockPageURL, logger)
	go lifecycle.Run(ctx, extensionBridge.Events())

	// Reconciler with interventions
	dispatcher := tracker.NewDispatcher(extensionBridge, extensionBridge, cfg.Tracking.BlockPageURL, normalizer, logger)
	reconciler := tracker.NewReconciler(registry, limitStore, extensionBridge, dispatcher, normalizer, clock, tracker.Config{
		Interval:     parseDuration(cfg.Tracking.ReconcileInterval, tracker.DefaultInterval),
		ProbeTimeout: parseDuration(cfg.Tracking.ProbeTimeout, tracker.DefaultProbeTimeout),
	}, logger)
	reconciler.Start(ctx)

	// API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, handler, extensionBridge, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	logger.Info().
		Str("addr", apiAddr).
		Msg("API server started")

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics server started")

	logger.Info().Msg("tabtime startup complete")
	logger.Info().Msgf("Bridge: ws://%s/bridge", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or stats dump)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			// Operator-triggered snapshot of the day's accounting.
			stats, err := limitStore.Stats(ctx, clock.Now())
			if err != nil {
				logger.Error().Err(err).Msg("Failed to read stats")
				continue
			}
			logger.Info().
				Int("global_used_minutes", stats.GlobalUsed).
				Int("site_limits", len(stats.SiteLimits)).
				Int("tracked_tabs", registry.Len()).
				Str("last_reset", stats.LastResetDate).
				Msg("Usage snapshot")
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop components
	reconciler.Stop()
	cancel()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	// Final persist so restart resumes where we left off
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer persistCancel()
	if err := registry.Persist(persistCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to persist sessions on shutdown")
	}

	logger.Info().Msg("tabtime stopped")
	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "memory":
		return memory.Open(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
