// Package device defines the capability set a node process exposes to its
// agent, the built-in device types, and the registry that builds them by
// type name.
//
// The agent only ever talks to the Device interface. Concrete types are
// chosen once, at construction, through an explicit Registry owned by the
// process that hosts the node:
//
//	reg := device.NewBuiltinRegistry()
//	dev, err := reg.New("quadcopter", device.Params{NodeID: "q1", Config: cfg})
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dreamware/fabric/internal/cluster"
)

var (
	// ErrUnknownEvent is returned by HandleEvent for event names the device
	// does not understand. Agents log it and carry on.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrUnknownType is returned by Registry.New for unregistered types.
	ErrUnknownType = errors.New("unknown device type")
)

// Device is the capability set every node type must provide.
//
// Implementations must be safe for concurrent use; the agent calls them
// from its own loop while operators may read Config from elsewhere.
type Device interface {
	// Config returns a copy of the configuration currently applied.
	Config() cluster.NodeConfig

	// SetConfig replaces the configuration wholesale. Applying the same
	// configuration twice leaves the device unchanged.
	SetConfig(cfg cluster.NodeConfig) error

	// Type is the device class label reported as node_type.
	Type() string

	// HandleEvent executes a named command. Unknown names yield
	// ErrUnknownEvent.
	HandleEvent(ctx context.Context, name string, payload json.RawMessage) error

	// UpdateConfig is called by the agent when a new configuration arrives
	// from the orchestrator.
	UpdateConfig(ctx context.Context, cfg cluster.NodeConfig) error
}

// Telemetry is implemented by devices that attach metadata to heartbeats.
// Numbers should be float64, the type they decode to on the other side.
type Telemetry interface {
	Metadata() map[string]any
}

// Params are the construction inputs handed to a Factory.
type Params struct {
	Logger *slog.Logger
	Config map[string]any // initial configuration; may be nil
	NodeID string
}

func (p Params) logger(typ string) *slog.Logger {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "device", "device_type", typ, "node_id", p.NodeID)
}

func (p Params) nodeConfig() cluster.NodeConfig {
	cfg := cluster.NodeConfig{NodeID: p.NodeID, Config: p.Config}.Clone()
	if cfg.Config == nil {
		cfg.Config = map[string]any{}
	}
	return cfg
}

// Factory builds a device of one type.
type Factory func(p Params) (Device, error)

// Registry maps device type names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewBuiltinRegistry returns a registry holding every device type in this
// package.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	// Built-in names are distinct, Register cannot fail here.
	_ = r.Register(TypeGeneric, NewGeneric)
	_ = r.Register(TypeQuadcopter, NewQuadcopter)
	_ = r.Register(TypeRandomInt, NewRandomInt)
	_ = r.Register(TypeRadio, NewRadio)
	_ = r.Register(TypeTemperature, NewTemperature)
	return r
}

// Register adds a factory under typ. Registering a name twice is an error.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return errors.New("device: type name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[typ]; dup {
		return fmt.Errorf("device: type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// New builds a device of type typ after validating the node id.
func (r *Registry) New(typ string, p Params) (Device, error) {
	if err := cluster.ValidateNodeID(p.NodeID); err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return f(p)
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
