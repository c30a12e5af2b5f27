package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/metrics"
	"github.com/dreamware/fabric/internal/orchestrator"
)

type fixture struct {
	bus  *bus.Memory
	orch *orchestrator.Orchestrator
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })

	reg, m := metrics.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(b, orchestrator.WithMetrics(m), orchestrator.WithLogger(logger))
	require.NoError(t, err)

	ts := httptest.NewServer(newServer(orch, reg, logger).routes())
	t.Cleanup(ts.Close)
	return &fixture{bus: b, orch: orch, http: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func (f *fixture) capture(t *testing.T, pattern string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 8)
	_, err := f.bus.Subscribe(pattern, func(_ string, p []byte) { ch <- p })
	require.NoError(t, err)
	return ch
}

func node(id string) cluster.NodeData {
	return cluster.NodeData{NodeID: id, NodeType: "generic", Timestamp: 1, Status: cluster.StatusOnline}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.UpdateNodeState(node("n1")))

	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","nodes":1}`, body)
}

func TestHandleNodes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.UpdateNodeState(node("b")))
	require.NoError(t, f.orch.UpdateNodeState(node("a")))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		check      func(t *testing.T, body string)
	}{
		{
			name: "list nodes sorted", method: http.MethodGet, path: "/nodes/", wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				var out struct {
					Nodes []orchestrator.NodeState `json:"nodes"`
				}
				require.NoError(t, json.Unmarshal([]byte(body), &out))
				require.Len(t, out.Nodes, 2)
				assert.Equal(t, "a", out.Nodes[0].LastValue.NodeID)
				assert.Equal(t, "b", out.Nodes[1].LastValue.NodeID)
			},
		},
		{
			name: "get known node", method: http.MethodGet, path: "/nodes/a", wantStatus: http.StatusOK,
			check: func(t *testing.T, body string) {
				var st orchestrator.NodeState
				require.NoError(t, json.Unmarshal([]byte(body), &st))
				assert.Equal(t, cluster.StatusOnline, st.LastValue.Status)
				assert.False(t, st.LastUpdate.IsZero())
			},
		},
		{name: "get unknown node", method: http.MethodGet, path: "/nodes/ghost", wantStatus: http.StatusNotFound},
		{name: "remove unknown node", method: http.MethodDelete, path: "/nodes/ghost", wantStatus: http.StatusNoContent},
		{name: "remove node", method: http.MethodDelete, path: "/nodes/b", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode, body)
			if tt.check != nil {
				tt.check(t, body)
			}
		})
	}

	_, err := f.orch.GetNodeState("b")
	assert.ErrorIs(t, err, cluster.ErrNotFound)
}

func TestHandlePutConfig(t *testing.T) {
	f := newFixture(t)
	msgs := f.capture(t, "node/*/config")
	require.NoError(t, f.orch.UpdateNodeState(node("n1")))

	resp, body := f.do(t, http.MethodPut, "/nodes/n1/config", `{"config":{"rate":5}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	select {
	case p := <-msgs:
		cfg, err := cluster.DecodeNodeConfig(p)
		require.NoError(t, err)
		assert.Equal(t, "n1", cfg.NodeID)
		assert.Equal(t, 5.0, cfg.Config["rate"])
	case <-time.After(time.Second):
		t.Fatal("config not published")
	}

	// Unknown nodes are provisioned, not published to.
	resp, body = f.do(t, http.MethodPut, "/nodes/later/config", `{"config":{"rate":7}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	desired, err := f.orch.DesiredConfig("later")
	require.NoError(t, err)
	assert.Equal(t, 7.0, desired.Config["rate"])

	tests := []struct {
		name, path, body string
	}{
		{"bad json", "/nodes/n1/config", `{`},
		{"missing config", "/nodes/n1/config", `{}`},
		{"missing config unknown node", "/nodes/other/config", `{}`},
		{"invalid node id", "/nodes/a.b/config", `{"config":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		})
	}
}

func TestHandleSendEvent(t *testing.T) {
	f := newFixture(t)
	msgs := f.capture(t, "node/*/events")
	require.NoError(t, f.orch.UpdateNodeState(node("q1")))

	resp, body := f.do(t, http.MethodPost, "/nodes/q1/events", `{"event":"move_to","payload":[1,2,3]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))

	select {
	case p := <-msgs:
		ev, err := cluster.DecodeEvent(p)
		require.NoError(t, err)
		assert.Equal(t, out.ID, ev.ID)
		assert.Equal(t, "move_to", ev.Name)
		assert.JSONEq(t, `[1,2,3]`, string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}

	resp, _ = f.do(t, http.MethodPost, "/nodes/q1/events", `{"event":"land"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/nodes/ghost/events", `{"event":"land"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/nodes/q1/events", `{"payload":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/nodes/q1/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orch.UpdateNodeState(node("n1")))

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `fabric_orchestrator_nodes{status="online"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestWatchWebsocket(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/nodes/watch"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler registers its watcher after the upgrade; keep updating
	// until the first change arrives.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = f.orch.UpdateNodeState(node("n1"))
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var change orchestrator.Change
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, orchestrator.ChangeStatus, change.Kind)
	assert.Equal(t, "n1", change.NodeID)
	assert.Equal(t, cluster.StatusOnline, change.Data.Status)
}
