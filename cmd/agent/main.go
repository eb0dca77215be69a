// Package main is the entry point for the hydra-agent binary. It wires the
// checkpoint store, executor, and lifecycle manager together and starts the
// connection loop.
//
// Startup sequence (spec §4.6):
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the checkpoint store and executor
//  4. Build the lifecycle manager (owns the WebSocket connection)
//  5. Start the executor worker and the lifecycle manager's connect loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/executor"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/lifecycle"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/transcode"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	agentID         string
	orchestratorURL string
	stateDir        string
	storageMap      string
	logLevel        string
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
		Use:   "hydra-agent",
		Short: "Hydra agent — transcoding worker for the Hydra cluster",
		Long: `Hydra agent runs on each transcoding worker. It connects to the Hydra
orchestrator over a persistent WebSocket, receives one transcode job at a
time, runs it through ffmpeg, and reports progress and terminal outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("HYDRA_AGENT_ID", defaultAgentID()), "Unique identifier for this agent")
	root.PersistentFlags().StringVar(&cfg.orchestratorURL, "orchestrator-url", envOrDefault("HYDRA_ORCHESTRATOR_URL", "ws://localhost:8080/ws/agent"), "Orchestrator WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("HYDRA_STATE_DIR", defaultStateDir()), "Directory for agent state (task_checkpoint.json)")
	root.PersistentFlags().StringVar(&cfg.storageMap, "storage-map", envOrDefault("HYDRA_STORAGE_MAP", ""), `Comma-separated storage_id=path_prefix pairs, e.g. "local=/data/,s3=/mnt/s3/"`)
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HYDRA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hydra-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	storageMap, err := parseStorageMap(cfg.storageMap)
	if err != nil {
		return fmt.Errorf("failed to parse storage map: %w", err)
	}

	logger.Info("starting hydra agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.agentID),
		zap.String("orchestrator_url", cfg.orchestratorURL),
		zap.String("state_dir", cfg.stateDir),
		zap.Int("storage_entries", len(storageMap)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	checkpoints := checkpoint.New(cfg.stateDir)
	exec := executor.New(transcode.DefaultBinaries(), storageMap, checkpoints, logger)

	lifecycleCfg := lifecycle.Config{
		AgentID:         cfg.agentID,
		OrchestratorURL: cfg.orchestratorURL,
		Capabilities:    registry.Capabilities{Codecs: []string{"h264", "h265", "vp9"}, Formats: []string{"mp4", "mkv", "webm"}},
	}
	mgr := lifecycle.New(lifecycleCfg, exec, checkpoints, logger)

	go exec.Run(ctx, mgr)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM).
	mgr.Run(ctx)

	logger.Info("hydra agent stopped")
	return nil
}

// defaultAgentID falls back to the host's hostname — a reasonable default
// identity for a single agent process per host.
func defaultAgentID() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "agent"
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.hydra-agent"
	}
	return ".hydra-agent"
}

// parseStorageMap parses "id1=prefix1,id2=prefix2" into a lookup table.
// An empty input yields an empty (not nil) map so lookups fail predictably
// rather than panicking.
func parseStorageMap(raw string) (map[string]string, error) {
	m := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return m, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, prefix, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("malformed storage map entry %q (want storage_id=prefix)", pair)
		}
		m[id] = prefix
	}
	return m, nil
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
