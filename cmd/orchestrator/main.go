// Package main is the entry point for the hydra-orchestrator binary. It
// wires the task store, agent registry, scheduler, wire hubs, and HTTP
// router together and starts the single dispatcher event loop (spec §4.5).
//
// Startup sequence mirrors the teacher's server/cmd/server/main.go:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the database and run migrations
//  4. Build registry, wire hubs, scheduler, dispatcher, metrics
//  5. Start the scheduler loop, dispatcher loop, and heartbeat sweeper
//  6. Start the HTTP server (REST + WebSocket upgrade + /metrics)
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/api"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/orchestrator"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/storage"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/task"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/wire"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr        string
	dbDriver          string
	dbDSN             string
	logLevel          string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "hydra-orchestrator",
		Short: "Hydra orchestrator — coordinates a distributed transcoding cluster",
		Long: `Hydra orchestrator is the singleton coordinator of the Hydra transcoding
cluster. It exposes a REST API for clients and observers, accepts agent
connections over WebSocket, schedules PENDING tasks onto idle agents in
priority order, and tracks agent liveness via heartbeats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("HYDRA_LISTEN_ADDR", ":8080"), "HTTP listen address for the REST API and WebSocket upgrades")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("HYDRA_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("HYDRA_DB_DSN", "./hydra.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HYDRA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-sweep-interval", envDurationOrDefault("HYDRA_HEARTBEAT_INTERVAL", orchestrator.DefaultSweepInterval), "How often to scan for agents that missed their heartbeat deadline")
	root.PersistentFlags().DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", envDurationOrDefault("HYDRA_HEARTBEAT_TIMEOUT", orchestrator.HeartbeatDeadline), "Missed-heartbeat deadline before an agent is forced OFFLINE")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hydra-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting hydra orchestrator",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	gormDB, err := storage.Open(storage.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := task.NewStore(gormDB)

	// --- Registry, wire hubs, scheduler, dispatcher ---
	reg := registry.New()
	agentHub := wire.NewHub(logger)
	observerHub := wire.NewObserverHub(logger)

	sched := scheduler.New(store, reg, agentHub, observerHub, logger)
	dispatcher := orchestrator.New(store, reg, agentHub, observerHub, sched, logger)

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	metrics := api.NewMetrics(reg)
	if err := metrics.Register(promReg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	dispatcher.SetMetrics(metrics)

	// --- Heartbeat sweep ---
	sweeper, err := orchestrator.NewSweeper(dispatcher, cfg.heartbeatInterval, cfg.heartbeatTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("sweeper shutdown error", zap.Error(err))
		}
	}()

	// --- Background loops ---
	go agentHub.Run(ctx)
	go observerHub.Run(ctx)
	go sched.Run(ctx)
	go dispatcher.Run(ctx)

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Store:      store,
		Registry:   reg,
		Scheduler:  sched,
		Dispatcher: dispatcher,
		PromReg:    promReg,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.listenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down hydra orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("hydra orchestrator stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
