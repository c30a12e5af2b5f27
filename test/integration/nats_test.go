//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/device"
)

// startNATS runs a disposable NATS server and returns its client URL.
func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10",
		ExposedPorts: []string{"4222/tcp", "8222/tcp"},
		Cmd:          []string{"--port", "4222", "--http_port", "8222"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
		),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate NATS container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func dialNATS(ctx context.Context, t *testing.T, url, clientID string) *bus.NATS {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.URL = url
	cfg.ClientID = clientID
	cfg.MaxReconnects = 0
	n, err := bus.DialNATS(ctx, cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNATSEndToEnd(t *testing.T) {
	ctx := context.Background()
	url := startNATS(ctx, t)

	// Separate connections mirror separate processes.
	orchBus := dialNATS(ctx, t, url, "orchestrator")
	nodeBus := dialNATS(ctx, t, url, "node-n1")

	ts := NewTestSystem(t, orchBus)
	ts.bus = nodeBus

	a := ts.StartNode("n1", device.TypeGeneric, nil)
	ts.WaitForStatus("n1", cluster.StatusOnline)

	err := ts.orch.PublishNodeConfig(ctx, "n1", cluster.NodeConfig{Config: map[string]any{"rate": 5}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Config().Config["rate"] == float64(5)
	}, waitFor, tick)

	ts.StopNode("n1")
	ts.WaitForStatus("n1", cluster.StatusOffline)
}
