package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/dreamware/fabric/internal/cluster"
)

// TypeQuadcopter is the type name of Quadcopter.
const TypeQuadcopter = "quadcopter"

// Quadcopter commands.
const (
	EventMoveTo  = "move_to"
	EventLand    = "land"
	EventTakeOff = "take_off"
)

// Quadcopter command modes reported in telemetry.
const (
	ModeIdle          = "idle"
	ModeTakingOff     = "taking_off"
	ModeHovering      = "hovering"
	ModeMoving        = "moving"
	ModeLanding       = "landing"
	ModeReturningHome = "returning_home"
)

// quadcopterConfigKey is the key of the typed section inside the opaque
// node configuration.
const quadcopterConfigKey = "quadcopter_config"

// QuadcopterConfig is the typed view of the quadcopter_config section.
type QuadcopterConfig struct {
	HomePosition     []float64 `mapstructure:"home_position"`
	MaxAltitude      float64   `mapstructure:"max_altitude"`
	MaxSpeed         float64   `mapstructure:"max_speed"`
	BatteryThreshold float64   `mapstructure:"battery_threshold"`
}

// DefaultQuadcopterConfig is applied when a quadcopter starts without one.
func DefaultQuadcopterConfig() QuadcopterConfig {
	return QuadcopterConfig{
		MaxAltitude:      100,
		MaxSpeed:         10,
		HomePosition:     []float64{0, 0, 0},
		BatteryThreshold: 20,
	}
}

func (c QuadcopterConfig) validate() error {
	switch {
	case c.MaxAltitude <= 0:
		return fmt.Errorf("%w: max_altitude must be positive", cluster.ErrInvalidPayload)
	case c.MaxSpeed <= 0:
		return fmt.Errorf("%w: max_speed must be positive", cluster.ErrInvalidPayload)
	case len(c.HomePosition) != 3:
		return fmt.Errorf("%w: home_position needs 3 coordinates", cluster.ErrInvalidPayload)
	case c.BatteryThreshold < 0 || c.BatteryThreshold > 100:
		return fmt.Errorf("%w: battery_threshold must be within [0,100]", cluster.ErrInvalidPayload)
	}
	return nil
}

func (c QuadcopterConfig) asMap() map[string]any {
	home := make([]any, len(c.HomePosition))
	for i, v := range c.HomePosition {
		home[i] = v
	}
	return map[string]any{
		"max_altitude":      c.MaxAltitude,
		"max_speed":         c.MaxSpeed,
		"home_position":     home,
		"battery_threshold": c.BatteryThreshold,
	}
}

// decodeQuadcopterConfig extracts and validates quadcopter_config. Omitted
// fields keep their defaults.
func decodeQuadcopterConfig(cfg map[string]any) (QuadcopterConfig, error) {
	raw, ok := cfg[quadcopterConfigKey]
	if !ok {
		return QuadcopterConfig{}, fmt.Errorf("%w: missing %s", cluster.ErrInvalidPayload, quadcopterConfigKey)
	}
	qc := DefaultQuadcopterConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &qc,
		WeaklyTypedInput: true,
		ZeroFields:       true,
	})
	if err != nil {
		return QuadcopterConfig{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return QuadcopterConfig{}, fmt.Errorf("%w: %s: %v", cluster.ErrInvalidPayload, quadcopterConfigKey, err)
	}
	if err := qc.validate(); err != nil {
		return QuadcopterConfig{}, err
	}
	return qc, nil
}

// Quadcopter is a simulated flying device. Each telemetry read advances the
// simulation by one step: the craft climbs, travels or descends at most
// max_speed per step and drains its battery while airborne. Falling under
// battery_threshold sends it home.
type Quadcopter struct {
	logger   *slog.Logger
	rng      *rand.Rand
	cfg      cluster.NodeConfig
	qc       QuadcopterConfig
	mode     string
	position [3]float64
	target   [3]float64
	battery  float64
	mu       sync.Mutex
}

// NewQuadcopter is the Factory for quadcopters.
func NewQuadcopter(p Params) (Device, error) {
	cfg := p.nodeConfig()
	if _, ok := cfg.Config[quadcopterConfigKey]; !ok {
		cfg.Config[quadcopterConfigKey] = DefaultQuadcopterConfig().asMap()
	}
	qc, err := decodeQuadcopterConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	q := &Quadcopter{
		logger:  p.logger(TypeQuadcopter),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		cfg:     cfg,
		qc:      qc,
		mode:    ModeIdle,
		battery: 100,
	}
	copy(q.position[:], qc.HomePosition)
	q.target = q.position
	return q, nil
}

func (q *Quadcopter) Config() cluster.NodeConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg.Clone()
}

// SetConfig requires a valid quadcopter_config section.
func (q *Quadcopter) SetConfig(cfg cluster.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	qc, err := decodeQuadcopterConfig(cfg.Config)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.cfg = cfg.Clone()
	q.qc = qc
	q.mu.Unlock()
	q.logger.Info("quadcopter config updated",
		"max_altitude", qc.MaxAltitude, "max_speed", qc.MaxSpeed,
		"battery_threshold", qc.BatteryThreshold)
	return nil
}

func (q *Quadcopter) Type() string { return TypeQuadcopter }

func (q *Quadcopter) UpdateConfig(_ context.Context, cfg cluster.NodeConfig) error {
	return q.SetConfig(cfg)
}

// HandleEvent accepts take_off, land and move_to. move_to expects a JSON
// array [x, y, z] with z no higher than max_altitude.
func (q *Quadcopter) HandleEvent(_ context.Context, name string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch name {
	case EventTakeOff:
		q.target = q.position
		q.target[2] = q.qc.MaxAltitude / 10
		q.mode = ModeTakingOff
		q.logger.Info("taking off")
	case EventLand:
		q.target = q.position
		q.target[2] = 0
		q.mode = ModeLanding
		q.logger.Info("landing")
	case EventMoveTo:
		var pos []float64
		if err := json.Unmarshal(payload, &pos); err != nil || len(pos) != 3 {
			return fmt.Errorf("%w: move_to expects [x, y, z]", cluster.ErrInvalidPayload)
		}
		if pos[2] < 0 || pos[2] > q.qc.MaxAltitude {
			return fmt.Errorf("%w: altitude %.1f outside [0, %.1f]", cluster.ErrInvalidPayload, pos[2], q.qc.MaxAltitude)
		}
		copy(q.target[:], pos)
		q.mode = ModeMoving
		q.logger.Info("moving to position", "position", pos)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return nil
}

// Metadata advances the simulation one step and reports telemetry.
func (q *Quadcopter) Metadata() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.step()
	return map[string]any{
		"altitude":      q.position[2],
		"battery_level": q.battery,
		"command_mode":  q.mode,
		"position":      []any{q.position[0], q.position[1], q.position[2]},
	}
}

// step must be called with q.mu held.
func (q *Quadcopter) step() {
	airborne := q.position[2] > 0 || q.mode == ModeTakingOff
	if airborne {
		q.battery = math.Max(0, q.battery-(0.1+q.rng.Float64()*0.4))
	}
	if airborne && q.battery < q.qc.BatteryThreshold && q.mode != ModeReturningHome && q.mode != ModeLanding {
		q.logger.Warn("low battery, returning home", "battery_level", q.battery)
		q.mode = ModeReturningHome
		copy(q.target[:], q.qc.HomePosition)
		q.target[2] = math.Max(q.position[2], q.qc.HomePosition[2])
	}

	if q.mode == ModeIdle || q.mode == ModeHovering {
		return
	}
	if q.advance() {
		switch q.mode {
		case ModeReturningHome:
			q.target[2] = 0
			q.mode = ModeLanding
		case ModeLanding:
			q.mode = ModeIdle
		default:
			q.mode = ModeHovering
		}
	}
}

// advance moves at most MaxSpeed towards the target and reports arrival.
func (q *Quadcopter) advance() bool {
	var d [3]float64
	dist := 0.0
	for i := range d {
		d[i] = q.target[i] - q.position[i]
		dist += d[i] * d[i]
	}
	dist = math.Sqrt(dist)
	if dist <= q.qc.MaxSpeed {
		q.position = q.target
		return true
	}
	scale := q.qc.MaxSpeed / dist
	for i := range d {
		q.position[i] += d[i] * scale
	}
	return false
}
