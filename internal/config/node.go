package config

import (
	"fmt"
	"time"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/publisher"
)

// Node-only environment variables.
const (
	EnvNodeID      = "FABRIC_NODE_ID"
	EnvNodeType    = "FABRIC_NODE_TYPE"
	EnvMetricsAddr = "FABRIC_METRICS_ADDR"
)

// Node is the node process configuration.
type Node struct {
	Config            map[string]any   `yaml:"config"` // initial device configuration
	NodeID            string           `yaml:"node_id"`
	Type              string           `yaml:"type"`
	MetricsAddr       string           `yaml:"metrics_addr"` // empty disables /metrics
	Bus               bus.Config       `yaml:"bus"`
	Log               Log              `yaml:"log"`
	Retry             publisher.Policy `yaml:"retry"`
	HeartbeatInterval time.Duration    `yaml:"heartbeat_interval"`
}

// DefaultNode returns the built-in node settings. NodeID has no default.
func DefaultNode() Node {
	return Node{
		Type:              "generic",
		Bus:               bus.DefaultConfig(),
		Log:               DefaultLog(),
		Retry:             publisher.DefaultPolicy(),
		HeartbeatInterval: time.Second,
	}
}

// LoadNode layers the file at path (optional) and the environment over the
// defaults. It does not validate, since the node id may still come from a
// flag; call Validate once flags are applied.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	if err := readYAML(path, &cfg); err != nil {
		return Node{}, err
	}
	applyCommonEnv(&cfg.Bus, &cfg.Log)
	envString(EnvNodeID, &cfg.NodeID)
	envString(EnvNodeType, &cfg.Type)
	envString(EnvMetricsAddr, &cfg.MetricsAddr)
	return cfg, nil
}

// Validate checks every section.
func (c Node) Validate() error {
	if err := cluster.ValidateNodeID(c.NodeID); err != nil {
		return fmt.Errorf("config: node_id: %w", err)
	}
	if c.Type == "" {
		return fmt.Errorf("config: type is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return c.Retry.Validate()
}
