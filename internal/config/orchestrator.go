package config

import (
	"fmt"
	"time"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/publisher"
)

// Orchestrator-only environment variables.
const (
	EnvOrchestratorID = "FABRIC_ORCHESTRATOR_ID"
	EnvAdminAddr      = "FABRIC_ADMIN_ADDR"
)

// Orchestrator is the orchestrator process configuration.
//
// Example file:
//
//	id: orch-1
//	bus:
//	  kind: nats
//	  url: nats://127.0.0.1:4222
//	admin:
//	  addr: ":8080"
//	offline_threshold: 10s
//	sweep_interval: 1s
//	resend_interval: 60s
//	retry:
//	  max_attempts: 3
//	  initial_interval: 100ms
//	  max_interval: 2s
//	  multiplier: 2
//	  jitter: 0.1
//	nodes:
//	  - node_id: quadcopter_1
//	    config:
//	      quadcopter_config:
//	        max_altitude: 100
//	        max_speed: 10
//	        home_position: [0, 0, 0]
//	        battery_threshold: 20
type Orchestrator struct {
	ID               string           `yaml:"id"`
	Bus              bus.Config       `yaml:"bus"`
	Log              Log              `yaml:"log"`
	Admin            Admin            `yaml:"admin"`
	Nodes            []NodeSeed       `yaml:"nodes"`
	Retry            publisher.Policy `yaml:"retry"`
	OfflineThreshold time.Duration    `yaml:"offline_threshold"`
	SweepInterval    time.Duration    `yaml:"sweep_interval"`
	ResendInterval   time.Duration    `yaml:"resend_interval"` // 0 disables resends
}

// Admin configures the HTTP admin API.
type Admin struct {
	Addr string `yaml:"addr"`
}

// NodeSeed pre-provisions the desired configuration of one node.
type NodeSeed struct {
	Config map[string]any `yaml:"config"`
	NodeID string         `yaml:"node_id"`
}

// NodeConfig converts the seed to its wire form.
func (s NodeSeed) NodeConfig() cluster.NodeConfig {
	return cluster.NodeConfig{NodeID: s.NodeID, Config: s.Config}
}

// DefaultOrchestrator returns the built-in orchestrator settings.
func DefaultOrchestrator() Orchestrator {
	return Orchestrator{
		Bus:              bus.DefaultConfig(),
		Log:              DefaultLog(),
		Admin:            Admin{Addr: ":8080"},
		Retry:            publisher.DefaultPolicy(),
		OfflineThreshold: 10 * time.Second,
		SweepInterval:    time.Second,
	}
}

// LoadOrchestrator layers the file at path (optional) and the environment
// over the defaults, then validates the result.
func LoadOrchestrator(path string) (Orchestrator, error) {
	cfg := DefaultOrchestrator()
	if err := readYAML(path, &cfg); err != nil {
		return Orchestrator{}, err
	}
	applyCommonEnv(&cfg.Bus, &cfg.Log)
	envString(EnvOrchestratorID, &cfg.ID)
	envString(EnvAdminAddr, &cfg.Admin.Addr)

	if err := cfg.Validate(); err != nil {
		return Orchestrator{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Orchestrator) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if c.OfflineThreshold <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: offline_threshold and sweep_interval must be positive")
	}
	if c.SweepInterval > c.OfflineThreshold {
		return fmt.Errorf("config: sweep_interval %s exceeds offline_threshold %s", c.SweepInterval, c.OfflineThreshold)
	}
	if c.ResendInterval < 0 {
		return fmt.Errorf("config: resend_interval must not be negative")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if err := n.NodeConfig().Validate(); err != nil {
			return fmt.Errorf("config: nodes[%d]: %w", i, err)
		}
		if seen[n.NodeID] {
			return fmt.Errorf("config: nodes[%d]: duplicate node_id %q", i, n.NodeID)
		}
		seen[n.NodeID] = true
	}
	return nil
}
