package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"loopsync/pkg/config"
	"loopsync/pkg/datadir"
	"loopsync/pkg/logger"
	"loopsync/pkg/planner"
	"loopsync/pkg/relay"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/spf13/cobra"
)

const plannerDisabled = "none"

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the conversation relay",
	Long:  "Runs the LoopSync relay: it stores conversations, fans events out over WebSocket and SSE, and answers messages with the configured planner.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.relay")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		responder, err := resolveResponder(runCtx, cfg.Planner, log)
		if err != nil {
			log.Error("Planner configuration invalid", "error", err)
			return
		}

		dataDir, err := datadir.Open(cfg.Relay.DataDir)
		if err != nil {
			log.Error("Failed to open data directory", "error", err, "data_dir", cfg.Relay.DataDir)
			return
		}
		storeDir, err := dataDir.Sub("events")
		if err != nil {
			log.Error("Failed to prepare event store directory", "error", err, "data_dir", dataDir.Root())
			return
		}

		store, err := relay.OpenStore(storeDir, vfs.Default, appLogger)
		if err != nil {
			log.Error("Failed to open relay store", "error", err, "data_dir", cfg.Relay.DataDir)
			return
		}
		defer store.Close()

		srv, err := relay.New(relay.Options{
			Config:    cfg.Relay,
			Store:     store,
			Responder: responder,
			Logger:    appLogger,
		})
		if err != nil {
			log.Error("Failed to initialize relay", "error", err)
			return
		}
		defer srv.Close()

		log.Info("Relay configured", "data_dir", dataDir.Root(), "planner", plannerName(cfg.Planner), "model", cfg.Planner.Model)
		if err := srv.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Relay runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

// resolveResponder builds the configured planner. It returns nil when the
// planner is disabled, and fails when a remote planner is unreachable.
func resolveResponder(ctx context.Context, cfg config.PlannerConfig, log *slog.Logger) (planner.Responder, error) {
	if plannerName(cfg) == plannerDisabled {
		return nil, nil
	}

	responder, err := planner.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure planner: %w", err)
	}

	if checker, ok := responder.(planner.HealthChecker); ok {
		if err := checker.Health(ctx); err != nil {
			return nil, fmt.Errorf("planner health check: %w", err)
		}
		if log != nil {
			log.Debug("Planner healthy", "planner", plannerName(cfg))
		}
	}
	return responder, nil
}

func plannerName(cfg config.PlannerConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		return "echo"
	}
	return name
}
