// Command node hosts one device and runs the node agent for it.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  Bus topics:                            │
//	│    fabric/{id}/status  - heartbeats out │
//	│    node/{id}/config    - config in      │
//	│    node/{id}/events    - events in      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Device   - generic, quadcopter, ...  │
//	│    Agent    - protocol state machine    │
//	│    /metrics - optional Prometheus       │
//	└─────────────────────────────────────────┘
//
// Configuration comes from an optional YAML file, FABRIC_* environment
// variables and flags, in increasing precedence.
//
// Example usage:
//
//	# Start a quadcopter node against a local NATS server
//	node --node-id quadcopter_1 --type quadcopter --bus-url nats://127.0.0.1:4222
//
//	# Same, from the environment
//	FABRIC_NODE_ID=sensor-7 FABRIC_NODE_TYPE=random_int node
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dreamware/fabric/internal/agent"
	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/config"
	"github.com/dreamware/fabric/internal/device"
	"github.com/dreamware/fabric/internal/metrics"
)

func main() {
	if err := newRootCmd(device.NewBuiltinRegistry()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type flags struct {
	configFile  string
	nodeID      string
	nodeType    string
	busKind     string
	busURL      string
	metricsAddr string
	logLevel    string
	heartbeat   time.Duration
}

func newRootCmd(devices *device.Registry) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a fabric node hosting one device",
		Long: fmt.Sprintf(`Run a fabric node. The node heartbeats its status to the orchestrator
and applies configuration and events addressed to it.

Device types: %s`, strings.Join(devices.Types(), ", ")),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, devices)
		},
	}
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.nodeID, "node-id", "", "node identifier (required unless set in config)")
	cmd.Flags().StringVar(&f.nodeType, "type", "", "device type")
	cmd.Flags().StringVar(&f.busKind, "bus-kind", "", "transport: nats, mqtt or memory")
	cmd.Flags().StringVar(&f.busURL, "bus-url", "", "transport URL")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().DurationVar(&f.heartbeat, "heartbeat-interval", 0, "status publish interval")
	return cmd
}

func loadConfig(f flags) (config.Node, error) {
	cfg, err := config.LoadNode(f.configFile)
	if err != nil {
		return config.Node{}, err
	}
	overrides := []struct {
		val string
		dst *string
	}{
		{f.nodeID, &cfg.NodeID},
		{f.nodeType, &cfg.Type},
		{f.busKind, &cfg.Bus.Kind},
		{f.busURL, &cfg.Bus.URL},
		{f.metricsAddr, &cfg.MetricsAddr},
		{f.logLevel, &cfg.Log.Level},
	}
	for _, o := range overrides {
		if o.val != "" {
			*o.dst = o.val
		}
	}
	if f.heartbeat > 0 {
		cfg.HeartbeatInterval = f.heartbeat
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Node, devices *device.Registry) error {
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	dev, err := devices.New(cfg.Type, device.Params{
		NodeID: cfg.NodeID,
		Config: cfg.Config,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	reg, m := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	b, err := bus.Open(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer b.Close()

	a, err := agent.New(dev, b,
		agent.WithLogger(logger),
		agent.WithMetrics(m),
		agent.WithHeartbeatInterval(cfg.HeartbeatInterval),
		agent.WithRetryPolicy(cfg.Retry),
	)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// serveMetrics exposes reg on addr and returns a function that stops the server.
func serveMetrics(addr string, reg prometheus.Gatherer, logger *slog.Logger) func() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
