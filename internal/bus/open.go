package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Transport kinds accepted by Open.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
	KindMQTT   = "mqtt"
)

// Config selects and tunes a transport.
type Config struct {
	Kind           string        `yaml:"kind"`
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"` // -1 retries forever
}

// DefaultConfig returns a NATS configuration for a local server.
func DefaultConfig() Config {
	return Config{
		Kind:           KindNATS,
		URL:            "nats://127.0.0.1:4222",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

// Validate checks that cfg names a known transport with the fields it needs.
func (c Config) Validate() error {
	switch c.Kind {
	case KindMemory:
		return nil
	case KindNATS, KindMQTT:
		if c.URL == "" {
			return fmt.Errorf("bus: url is required for %s", c.Kind)
		}
		if c.ConnectTimeout <= 0 {
			return fmt.Errorf("bus: connect_timeout must be positive")
		}
		return nil
	default:
		return fmt.Errorf("bus: unknown kind %q", c.Kind)
	}
}

// Open connects the transport described by cfg. A memory bus is only
// useful when every participant runs in the calling process.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindMemory:
		return NewMemory(), nil
	case KindMQTT:
		return DialMQTT(ctx, cfg, logger)
	default:
		return DialNATS(ctx, cfg, logger)
	}
}
