package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/dreamware/fabric/internal/cluster"
)

// Sensor type names.
const (
	TypeRadio       = "radio"
	TypeTemperature = "temperature"
)

// SensorConfig holds the settings shared by every sensor. Both keys sit at
// the top level of the node config; other keys are kept but ignored.
type SensorConfig struct {
	// SamplingRate is the sampling period in seconds.
	SamplingRate float64 `mapstructure:"sampling_rate"`
	// Threshold, when set, flags readings above it in telemetry.
	Threshold *float64 `mapstructure:"threshold"`
}

func defaultSensorConfig() SensorConfig {
	return SensorConfig{SamplingRate: 1}
}

// decodeSensorConfig overlays cfg on base.
func decodeSensorConfig(cfg map[string]any, base SensorConfig) (SensorConfig, error) {
	sc := base
	if base.Threshold != nil {
		t := *base.Threshold
		sc.Threshold = &t
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &sc,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return SensorConfig{}, err
	}
	if err := dec.Decode(cfg); err != nil {
		return SensorConfig{}, fmt.Errorf("%w: sensor config: %v", cluster.ErrInvalidPayload, err)
	}
	if sc.SamplingRate <= 0 {
		return SensorConfig{}, fmt.Errorf("%w: sampling_rate must be positive", cluster.ErrInvalidPayload)
	}
	return sc, nil
}

// Sensor simulates a device that reads one value in [min,max] per heartbeat.
// It accepts every event and only logs it.
type Sensor struct {
	logger   *slog.Logger
	rng      *rand.Rand
	cfg      cluster.NodeConfig
	typ      string
	sc       SensorConfig
	min, max float64
	mu       sync.Mutex
}

// NewRadio is the Factory for radio sensors, reading signal levels in [0,100].
func NewRadio(p Params) (Device, error) {
	return newSensor(p, TypeRadio, 0, 100)
}

// NewTemperature is the Factory for temperature sensors, reading degrees in [20,30].
func NewTemperature(p Params) (Device, error) {
	return newSensor(p, TypeTemperature, 20, 30)
}

func newSensor(p Params, typ string, lo, hi float64) (Device, error) {
	cfg := p.nodeConfig()
	sc, err := decodeSensorConfig(cfg.Config, defaultSensorConfig())
	if err != nil {
		return nil, err
	}
	return &Sensor{
		logger: p.logger(typ),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		cfg:    cfg,
		typ:    typ,
		sc:     sc,
		min:    lo,
		max:    hi,
	}, nil
}

func (s *Sensor) Config() cluster.NodeConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SetConfig keeps current sensor settings the new config omits.
func (s *Sensor) SetConfig(cfg cluster.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := decodeSensorConfig(cfg.Config, s.sc)
	if err != nil {
		return err
	}
	s.cfg = cfg.Clone()
	s.sc = sc
	return nil
}

func (s *Sensor) Type() string { return s.typ }

func (s *Sensor) UpdateConfig(_ context.Context, cfg cluster.NodeConfig) error {
	return s.SetConfig(cfg)
}

func (s *Sensor) HandleEvent(_ context.Context, name string, payload json.RawMessage) error {
	s.logger.Info("handling event", "event", name, "payload", string(payload))
	return nil
}

// SamplingPeriod is the configured sampling rate as a duration.
func (s *Sensor) SamplingPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.sc.SamplingRate * float64(time.Second))
}

// Read takes one sample.
func (s *Sensor) Read() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *Sensor) read() float64 {
	return s.min + s.rng.Float64()*(s.max-s.min)
}

func (s *Sensor) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.read()
	md := map[string]any{"value": v, "sampling_rate": s.sc.SamplingRate}
	if s.sc.Threshold != nil {
		md["above_threshold"] = v > *s.sc.Threshold
	}
	return md
}
