package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/orchestrator"
)

// server exposes the orchestrator over HTTP.
type server struct {
	orch     *orchestrator.Orchestrator
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newServer(orch *orchestrator.Orchestrator, gatherer prometheus.Gatherer, logger *slog.Logger) *server {
	return &server{
		orch:     orch,
		gatherer: gatherer,
		logger:   logger.With("component", "admin"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.handleListNodes)
		r.Get("/watch", s.handleWatch)
		r.Get("/{nodeID}", s.handleGetNode)
		r.Delete("/{nodeID}", s.handleRemoveNode)
		r.Put("/{nodeID}/config", s.handlePutConfig)
		r.Post("/{nodeID}/events", s.handleSendEvent)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"nodes":  len(s.orch.GetAllNodeStates()),
	})
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes []orchestrator.NodeState `json:"nodes"`
	}{Nodes: s.orch.GetAllNodeStates()})
}

func (s *server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.GetNodeState(chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	s.orch.RemoveNode(chi.URLParam(r, "nodeID"))
	w.WriteHeader(http.StatusNoContent)
}

// handlePutConfig publishes to known nodes and stores the config for nodes
// not seen yet, which receive it when they come online.
func (s *server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	cfg := cluster.NodeConfig{NodeID: nodeID, Config: req.Config}

	err := s.orch.PublishNodeConfig(r.Context(), nodeID, cfg)
	if errors.Is(err, cluster.ErrNotFound) {
		if err := s.orch.SetDesiredConfig(cfg); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

func (s *server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	id, err := s.orch.SendEventToNode(r.Context(), chi.URLParam(r, "nodeID"), req.Event, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleWatch streams every registry change as JSON over a websocket until
// the client goes away.
func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only notices the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	changes := s.orch.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(c); err != nil {
				s.logger.Debug("watch client gone", "error", err)
				return
			}
		}
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cluster.ErrInvalidPayload), errors.Is(err, cluster.ErrInvalidNodeID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
