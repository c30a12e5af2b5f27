package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dreamware/fabric/internal/cluster"
)

// TypeGeneric is the type name of Generic.
const TypeGeneric = "generic"

// Generic stores whatever configuration it is given and accepts every event.
type Generic struct {
	logger    *slog.Logger
	cfg       cluster.NodeConfig
	lastEvent string
	events    int
	mu        sync.RWMutex
}

// NewGeneric is the Factory for generic devices.
func NewGeneric(p Params) (Device, error) {
	return &Generic{
		logger: p.logger(TypeGeneric),
		cfg:    p.nodeConfig(),
	}, nil
}

func (g *Generic) Config() cluster.NodeConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg.Clone()
}

func (g *Generic) SetConfig(cfg cluster.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = cfg.Clone()
	g.mu.Unlock()
	return nil
}

func (g *Generic) Type() string { return TypeGeneric }

func (g *Generic) HandleEvent(_ context.Context, name string, payload json.RawMessage) error {
	g.mu.Lock()
	g.lastEvent = name
	g.events++
	g.mu.Unlock()
	g.logger.Info("handling event", "event", name, "payload", string(payload))
	return nil
}

func (g *Generic) UpdateConfig(_ context.Context, cfg cluster.NodeConfig) error {
	return g.SetConfig(cfg)
}

// Metadata reports the number of events handled and the last event name.
func (g *Generic) Metadata() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	md := map[string]any{"events_handled": float64(g.events)}
	if g.lastEvent != "" {
		md["last_event"] = g.lastEvent
	}
	return md
}
