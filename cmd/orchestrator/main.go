// Command orchestrator runs the central registry of the fabric and its
// admin HTTP API.
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

	"github.com/spf13/cobra"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/config"
	"github.com/dreamware/fabric/internal/configstore"
	"github.com/dreamware/fabric/internal/metrics"
	"github.com/dreamware/fabric/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// flags holds command-line overrides; empty values leave the config alone.
type flags struct {
	configFile string
	busKind    string
	busURL     string
	adminAddr  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Track fabric nodes and deliver their configuration and events",
		Long: `The orchestrator listens for node heartbeats on fabric/*/status, marks
silent nodes offline, pushes desired configuration to nodes as they come
online, and serves an admin API for inspecting nodes and sending them
configuration and events.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.busKind, "bus-kind", "", "transport: nats, mqtt or memory")
	cmd.Flags().StringVar(&f.busURL, "bus-url", "", "transport URL, e.g. nats://127.0.0.1:4222")
	cmd.Flags().StringVar(&f.adminAddr, "admin-addr", "", "admin API listen address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func loadConfig(f flags) (config.Orchestrator, error) {
	cfg, err := config.LoadOrchestrator(f.configFile)
	if err != nil {
		return config.Orchestrator{}, err
	}
	if f.busKind != "" {
		cfg.Bus.Kind = f.busKind
	}
	if f.busURL != "" {
		cfg.Bus.URL = f.busURL
	}
	if f.adminAddr != "" {
		cfg.Admin.Addr = f.adminAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Orchestrator) error {
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	reg, m := metrics.NewRegistry()

	b, err := bus.Open(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer b.Close()

	store := configstore.NewMemoryStore()
	for _, seed := range cfg.Nodes {
		if err := store.Put(seed.NodeConfig()); err != nil {
			return fmt.Errorf("seed %s: %w", seed.NodeID, err)
		}
	}

	orch, err := orchestrator.New(b,
		orchestrator.WithID(cfg.ID),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithConfigStore(store),
		orchestrator.WithOfflineThreshold(cfg.OfflineThreshold),
		orchestrator.WithSweepInterval(cfg.SweepInterval),
		orchestrator.WithResendInterval(cfg.ResendInterval),
		orchestrator.WithRetryPolicy(cfg.Retry),
	)
	if err != nil {
		return err
	}

	srv := newServer(orch, reg, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- orch.Run(ctx) }()
	go func() {
		logger.Info("admin API listening", "addr", cfg.Admin.Addr, "seeded_nodes", len(cfg.Nodes))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("admin API: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}

	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("orchestrator stopped")
	return runErr
}
