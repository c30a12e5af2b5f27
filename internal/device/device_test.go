package device

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabric/internal/cluster"
)

func TestBuiltinRegistry(t *testing.T) {
	reg := NewBuiltinRegistry()
	assert.Equal(t, []string{TypeGeneric, TypeQuadcopter, TypeRadio, TypeRandomInt, TypeTemperature}, reg.Types())

	for _, typ := range reg.Types() {
		dev, err := reg.New(typ, Params{NodeID: "n1"})
		require.NoError(t, err, typ)
		assert.Equal(t, typ, dev.Type())
		assert.Equal(t, "n1", dev.Config().NodeID)
	}
}

func TestRegistryErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.New("toaster", Params{NodeID: "n1"})
	assert.ErrorIs(t, err, ErrUnknownType)

	require.NoError(t, reg.Register("toaster", NewGeneric))
	assert.Error(t, reg.Register("toaster", NewGeneric), "duplicate")
	assert.Error(t, reg.Register("", NewGeneric))
	assert.Error(t, reg.Register("x", nil))

	_, err = reg.New("toaster", Params{NodeID: "bad/id"})
	assert.ErrorIs(t, err, cluster.ErrInvalidNodeID)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	require.NoError(t, a.Register("x", NewGeneric))
	assert.Empty(t, b.Types())
}

func TestGenericDevice(t *testing.T) {
	dev, err := NewGeneric(Params{NodeID: "g1", Config: map[string]any{"rate": 1.0}})
	require.NoError(t, err)
	ctx := context.Background()

	cfg := cluster.NodeConfig{NodeID: "g1", Config: map[string]any{"rate": 5.0}}
	require.NoError(t, dev.UpdateConfig(ctx, cfg))
	assert.Equal(t, 5.0, dev.Config().Config["rate"])

	// Mutating the caller's map must not leak into the device.
	cfg.Config["rate"] = 9.0
	assert.Equal(t, 5.0, dev.Config().Config["rate"])

	// Idempotent.
	require.NoError(t, dev.SetConfig(dev.Config()))
	assert.Equal(t, 5.0, dev.Config().Config["rate"])

	assert.Error(t, dev.SetConfig(cluster.NodeConfig{NodeID: "g1"}))

	require.NoError(t, dev.HandleEvent(ctx, "anything", json.RawMessage(`{"a":1}`)))
	md := dev.(Telemetry).Metadata()
	assert.Equal(t, 1.0, md["events_handled"])
	assert.Equal(t, "anything", md["last_event"])
}

func quadConfig(maxAlt float64) map[string]any {
	return map[string]any{
		"quadcopter_config": map[string]any{
			"max_altitude":      maxAlt,
			"max_speed":         10, // int from YAML is accepted
			"home_position":     []any{0.0, 0.0, 0.0},
			"battery_threshold": 20.0,
		},
	}
}

func TestQuadcopterConfig(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1", Config: quadConfig(50)})
	require.NoError(t, err)
	q := dev.(*Quadcopter)
	assert.Equal(t, 50.0, q.qc.MaxAltitude)
	assert.Equal(t, 10.0, q.qc.MaxSpeed)

	require.NoError(t, dev.SetConfig(cluster.NodeConfig{NodeID: "q1", Config: quadConfig(80)}))
	assert.Equal(t, 80.0, q.qc.MaxAltitude)

	tests := map[string]map[string]any{
		"missing section": {"rate": 5},
		"not a map":       {"quadcopter_config": "fast"},
		"negative alt":    quadConfig(-1),
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			err := dev.SetConfig(cluster.NodeConfig{NodeID: "q1", Config: cfg})
			assert.ErrorIs(t, err, cluster.ErrInvalidPayload)
			assert.Equal(t, 80.0, q.qc.MaxAltitude, "rejected config must not apply")
		})
	}
}

func TestQuadcopterDefaultsWithoutConfig(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1"})
	require.NoError(t, err)
	assert.Contains(t, dev.Config().Config, "quadcopter_config")
}

func TestQuadcopterFlight(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1", Config: quadConfig(100)})
	require.NoError(t, err)
	tel := dev.(Telemetry)
	ctx := context.Background()

	md := tel.Metadata()
	assert.Equal(t, ModeIdle, md["command_mode"])
	assert.Equal(t, 100.0, md["battery_level"], "no drain on the ground")

	require.NoError(t, dev.HandleEvent(ctx, EventTakeOff, nil))
	md = tel.Metadata()
	assert.Equal(t, ModeHovering, md["command_mode"])
	assert.Equal(t, 10.0, md["altitude"])
	assert.Less(t, md["battery_level"].(float64), 100.0)

	require.NoError(t, dev.HandleEvent(ctx, EventMoveTo, json.RawMessage(`[30, 0, 10]`)))
	assert.Equal(t, ModeMoving, tel.Metadata()["command_mode"])
	tel.Metadata()
	md = tel.Metadata()
	assert.Equal(t, ModeHovering, md["command_mode"])
	assert.Equal(t, []any{30.0, 0.0, 10.0}, md["position"])

	require.NoError(t, dev.HandleEvent(ctx, EventLand, nil))
	md = tel.Metadata()
	assert.Equal(t, ModeIdle, md["command_mode"])
	assert.Equal(t, 0.0, md["altitude"])
}

func TestQuadcopterRejectsBadCommands(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1", Config: quadConfig(100)})
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, dev.HandleEvent(ctx, "barrel_roll", nil), ErrUnknownEvent)
	assert.ErrorIs(t, dev.HandleEvent(ctx, EventMoveTo, json.RawMessage(`"north"`)), cluster.ErrInvalidPayload)
	assert.ErrorIs(t, dev.HandleEvent(ctx, EventMoveTo, json.RawMessage(`[0, 0, 500]`)), cluster.ErrInvalidPayload)
}

func TestQuadcopterReturnsHomeOnLowBattery(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1", Config: quadConfig(100)})
	require.NoError(t, err)
	q := dev.(*Quadcopter)
	require.NoError(t, dev.HandleEvent(context.Background(), EventMoveTo, json.RawMessage(`[500, 0, 50]`)))

	q.mu.Lock()
	q.position = [3]float64{100, 0, 10}
	q.battery = 20.1
	q.mu.Unlock()

	md := q.Metadata()
	assert.Equal(t, ModeReturningHome, md["command_mode"])
}

func TestRandomInt(t *testing.T) {
	dev, err := NewRandomInt(Params{NodeID: "r1", Config: map[string]any{"publish_rate": 0.5}})
	require.NoError(t, err)
	r := dev.(*RandomInt)
	assert.Equal(t, 500*time.Millisecond, r.PublishRate())

	for range 20 {
		v := r.Metadata()["value"].(float64)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}

	require.NoError(t, dev.SetConfig(cluster.NodeConfig{NodeID: "r1", Config: map[string]any{"other": true}}))
	assert.Equal(t, 500*time.Millisecond, r.PublishRate(), "rate kept when omitted")

	require.NoError(t, dev.SetConfig(cluster.NodeConfig{NodeID: "r1", Config: map[string]any{"publish_rate": 2}}))
	assert.Equal(t, 2*time.Second, r.PublishRate())

	assert.ErrorIs(t, dev.SetConfig(cluster.NodeConfig{NodeID: "r1", Config: map[string]any{"publish_rate": "fast"}}), cluster.ErrInvalidPayload)
	assert.ErrorIs(t, dev.HandleEvent(context.Background(), "reset", nil), ErrUnknownEvent)

	_, err = NewRandomInt(Params{NodeID: "r1", Config: map[string]any{"publish_rate": -1.0}})
	assert.Error(t, err)
}

func TestQuadcopterPartialConfigKeepsDefaults(t *testing.T) {
	dev, err := NewQuadcopter(Params{NodeID: "q1", Config: map[string]any{
		"quadcopter_config": map[string]any{"max_altitude": 50},
	}})
	require.NoError(t, err)
	q := dev.(*Quadcopter)
	assert.Equal(t, 50.0, q.qc.MaxAltitude)
	assert.Equal(t, DefaultQuadcopterConfig().MaxSpeed, q.qc.MaxSpeed)
	assert.Equal(t, []float64{0, 0, 0}, q.qc.HomePosition)
}

func TestBuiltinTelemetrySurvivesWire(t *testing.T) {
	reg := NewBuiltinRegistry()
	for _, typ := range reg.Types() {
		t.Run(typ, func(t *testing.T) {
			dev, err := reg.New(typ, Params{NodeID: "d1"})
			require.NoError(t, err)
			if typ == TypeGeneric {
				require.NoError(t, dev.HandleEvent(context.Background(), "ping", nil))
			}
			tel, ok := dev.(Telemetry)
			require.True(t, ok)

			sent := cluster.NodeData{NodeID: "d1", NodeType: typ, Timestamp: 1, Status: cluster.StatusOnline, Metadata: tel.Metadata()}
			payload, err := cluster.EncodeNodeData(sent)
			require.NoError(t, err)
			got, err := cluster.DecodeNodeData(payload)
			require.NoError(t, err)
			assert.Equal(t, sent, got)
		})
	}
}

func TestSensors(t *testing.T) {
	tests := []struct {
		typ    string
		lo, hi float64
	}{
		{typ: TypeRadio, lo: 0, hi: 100},
		{typ: TypeTemperature, lo: 20, hi: 30},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			dev, err := NewBuiltinRegistry().New(tt.typ, Params{NodeID: "s1"})
			require.NoError(t, err)
			s := dev.(*Sensor)
			assert.Equal(t, tt.typ, dev.Type())
			assert.Equal(t, time.Second, s.SamplingPeriod())

			for range 20 {
				v := s.Read()
				assert.GreaterOrEqual(t, v, tt.lo)
				assert.LessOrEqual(t, v, tt.hi)
			}
			assert.NotContains(t, s.Metadata(), "above_threshold")

			require.NoError(t, dev.HandleEvent(context.Background(), "calibrate", json.RawMessage(`{"gain":2}`)))
		})
	}
}

func TestSensorConfig(t *testing.T) {
	dev, err := NewTemperature(Params{NodeID: "t1", Config: map[string]any{"sampling_rate": 0.5, "threshold": 10}})
	require.NoError(t, err)
	s := dev.(*Sensor)
	assert.Equal(t, 500*time.Millisecond, s.SamplingPeriod())
	assert.Equal(t, true, s.Metadata()["above_threshold"], "every reading is above 10")

	// Omitted keys keep their values.
	require.NoError(t, dev.SetConfig(cluster.NodeConfig{NodeID: "t1", Config: map[string]any{"label": "roof"}}))
	assert.Equal(t, 500*time.Millisecond, s.SamplingPeriod())
	assert.Equal(t, true, s.Metadata()["above_threshold"])

	// A rejected threshold leaves the accepted one intact.
	err = dev.SetConfig(cluster.NodeConfig{NodeID: "t1", Config: map[string]any{"threshold": 40, "sampling_rate": -1}})
	assert.ErrorIs(t, err, cluster.ErrInvalidPayload)
	assert.Equal(t, true, s.Metadata()["above_threshold"])
	assert.Equal(t, "roof", dev.Config().Config["label"])

	require.NoError(t, dev.SetConfig(cluster.NodeConfig{NodeID: "t1", Config: map[string]any{"threshold": 40}}))
	assert.Equal(t, false, s.Metadata()["above_threshold"], "no reading exceeds 40")

	_, err = NewRadio(Params{NodeID: "r1", Config: map[string]any{"sampling_rate": "fast"}})
	assert.ErrorIs(t, err, cluster.ErrInvalidPayload)
}
