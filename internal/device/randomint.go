package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dreamware/fabric/internal/cluster"
)

// TypeRandomInt is the type name of RandomInt.
const TypeRandomInt = "random_int"

const (
	publishRateKey     = "publish_rate"
	defaultPublishRate = time.Second
	randomIntMax       = 100
)

// RandomInt reports a fresh random value in [0,100] with every heartbeat.
// Its only setting is publish_rate, in seconds.
type RandomInt struct {
	logger *slog.Logger
	cfg    cluster.NodeConfig
	rate   time.Duration
	mu     sync.RWMutex
}

// NewRandomInt is the Factory for random_int devices.
func NewRandomInt(p Params) (Device, error) {
	cfg := p.nodeConfig()
	rate, err := publishRate(cfg.Config, defaultPublishRate)
	if err != nil {
		return nil, err
	}
	return &RandomInt{logger: p.logger(TypeRandomInt), cfg: cfg, rate: rate}, nil
}

func publishRate(cfg map[string]any, fallback time.Duration) (time.Duration, error) {
	raw, ok := cfg[publishRateKey]
	if !ok {
		return fallback, nil
	}
	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", cluster.ErrInvalidPayload, publishRateKey, raw)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", cluster.ErrInvalidPayload, publishRateKey)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (r *RandomInt) Config() cluster.NodeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Clone()
}

// SetConfig keeps the current publish rate when the new config omits it.
func (r *RandomInt) SetConfig(cfg cluster.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rate, err := publishRate(cfg.Config, r.rate)
	if err != nil {
		return err
	}
	r.cfg = cfg.Clone()
	r.rate = rate
	return nil
}

func (r *RandomInt) Type() string { return TypeRandomInt }

func (r *RandomInt) UpdateConfig(_ context.Context, cfg cluster.NodeConfig) error {
	return r.SetConfig(cfg)
}

// HandleEvent accepts no commands.
func (r *RandomInt) HandleEvent(_ context.Context, name string, _ json.RawMessage) error {
	return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

// PublishRate is the configured sampling period.
func (r *RandomInt) PublishRate() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

func (r *RandomInt) Metadata() map[string]any {
	return map[string]any{"value": float64(rand.IntN(randomIntMax + 1))}
}
