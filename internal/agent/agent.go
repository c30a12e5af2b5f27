package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/device"
	"github.com/dreamware/fabric/internal/metrics"
	"github.com/dreamware/fabric/internal/publisher"
)

const (
	// DefaultHeartbeatInterval is how often status is published.
	DefaultHeartbeatInterval = time.Second

	// inboxSize bounds messages waiting for the agent loop.
	inboxSize = 64
)

// ErrRunning is returned when Run is called on an agent that is already running.
var ErrRunning = errors.New("agent already running")

// State is the agent's view of its own lifecycle.
type State string

const (
	StateStarting State = "starting"
	StateOnline   State = "online"
)

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records heartbeat and message counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithRetryPolicy sets the policy used for heartbeat publishes.
func WithRetryPolicy(p publisher.Policy) Option {
	return func(a *Agent) { a.policy = p }
}

// WithClock replaces time.Now for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

type message struct {
	topic   string
	payload []byte
}

// Agent is the node half of the protocol for one device.
type Agent struct {
	dev         device.Device
	transport   bus.PubSub
	publisher   *publisher.Reliable
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	cfg         cluster.NodeConfig // latest accepted configuration
	nodeID      string
	statusTopic string
	configTopic string
	eventTopic  string
	policy      publisher.Policy
	interval    time.Duration
	state       atomic.Value // State
	running     atomic.Bool
	mu          sync.RWMutex // protects cfg
}

// New creates an agent for dev. The node id is taken from the device's
// configuration and must be a valid topic segment.
func New(dev device.Device, transport bus.PubSub, opts ...Option) (*Agent, error) {
	if dev == nil || transport == nil {
		return nil, errors.New("agent: device and transport are required")
	}
	cfg := dev.Config()
	statusTopic, err := cluster.StatusTopic(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	// The id is valid at this point, so the other topics are too.
	configTopic, _ := cluster.ConfigTopic(cfg.NodeID)
	eventTopic, _ := cluster.EventTopic(cfg.NodeID)

	a := &Agent{
		dev:         dev,
		transport:   transport,
		logger:      slog.Default(),
		metrics:     metrics.New(),
		now:         time.Now,
		cfg:         cfg,
		nodeID:      cfg.NodeID,
		statusTopic: statusTopic,
		configTopic: configTopic,
		eventTopic:  eventTopic,
		policy:      publisher.DefaultPolicy(),
		interval:    DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent", "node_id", a.nodeID, "node_type", dev.Type())
	a.publisher, err = publisher.New(transport, a.policy,
		publisher.WithLogger(a.logger), publisher.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	a.state.Store(StateStarting)
	return a, nil
}

// NodeID returns the id this agent publishes for.
func (a *Agent) NodeID() string { return a.nodeID }

// State reports starting until the first heartbeat is published.
func (a *Agent) State() State {
	return a.state.Load().(State)
}

// Config returns a copy of the latest configuration the agent accepted.
func (a *Agent) Config() cluster.NodeConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Clone()
}

// Run subscribes to this node's config and event topics, publishes a
// heartbeat immediately and then every interval, and applies inbound
// messages in arrival order. It blocks until ctx is cancelled and returns
// nil in that case. An error is returned only if the subscriptions cannot
// be established.
//
// Both subscriptions are released before Run returns, whatever the reason.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer a.running.Store(false)

	inbox := make(chan message, inboxSize)
	enqueue := func(topic string, payload []byte) {
		select {
		case inbox <- message{topic: topic, payload: payload}:
		default:
			a.logger.Warn("inbox full, dropping message", "topic", topic)
		}
	}

	for _, topic := range []string{a.configTopic, a.eventTopic} {
		sub, err := a.transport.Subscribe(topic, enqueue)
		if err != nil {
			return fmt.Errorf("agent: subscribe %s: %w", topic, err)
		}
		defer a.release(sub)
	}

	a.logger.Info("agent started", "interval", a.interval)
	defer a.logger.Info("agent stopped")

	a.heartbeat(ctx)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.heartbeat(ctx)
		case msg := <-inbox:
			a.dispatch(ctx, msg)
		}
	}
}

func (a *Agent) release(sub bus.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		a.logger.Warn("unsubscribe failed", "pattern", sub.Pattern(), "error", err)
	}
}

// Status builds the snapshot published on the next heartbeat.
func (a *Agent) Status() cluster.NodeData {
	d := cluster.NodeData{
		NodeID:    a.nodeID,
		NodeType:  a.dev.Type(),
		Timestamp: a.now().Unix(),
		Status:    cluster.StatusOnline,
	}
	if t, ok := a.dev.(device.Telemetry); ok {
		err := a.guard("metadata", func() error {
			d.Metadata = t.Metadata()
			return nil
		})
		if err != nil {
			a.logger.Warn("telemetry unavailable", "error", err)
		}
	}
	return d
}

func (a *Agent) heartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	payload, err := cluster.EncodeNodeData(a.Status())
	if err != nil {
		a.metrics.HeartbeatsFailed.Inc()
		a.logger.Error("encode status failed", "error", err)
		return
	}
	if err := a.publisher.PublishWithRetry(ctx, a.statusTopic, payload); err != nil {
		a.metrics.HeartbeatsFailed.Inc()
		if ctx.Err() == nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
		return
	}
	a.metrics.HeartbeatsSent.Inc()
	if a.State() == StateStarting {
		a.state.Store(StateOnline)
		a.logger.Info("node online")
	}
}

func (a *Agent) dispatch(ctx context.Context, msg message) {
	switch msg.topic {
	case a.configTopic:
		a.metrics.MessagesReceived.WithLabelValues("config").Inc()
		a.applyConfig(ctx, msg.payload)
	case a.eventTopic:
		a.metrics.MessagesReceived.WithLabelValues("events").Inc()
		a.applyEvent(ctx, msg.payload)
	default:
		a.logger.Debug("ignoring message on unexpected topic", "topic", msg.topic)
	}
}

func (a *Agent) applyConfig(ctx context.Context, payload []byte) {
	cfg, err := cluster.DecodeNodeConfig(payload)
	if err != nil {
		a.metrics.DecodeErrors.WithLabelValues("config").Inc()
		a.logger.Warn("discarding malformed config", "error", err)
		return
	}
	if cfg.NodeID != a.nodeID {
		a.metrics.DecodeErrors.WithLabelValues("config").Inc()
		a.logger.Warn("discarding config for another node", "config_node_id", cfg.NodeID)
		return
	}

	// The device may refuse the config; only an accepted one is kept.
	if err := a.guard("update_config", func() error { return a.dev.UpdateConfig(ctx, cfg.Clone()) }); err != nil {
		a.logger.Error("device rejected config", "error", err)
		return
	}
	a.mu.Lock()
	a.cfg = cfg.Clone()
	a.mu.Unlock()
	a.logger.Info("config applied")
}

func (a *Agent) applyEvent(ctx context.Context, payload []byte) {
	ev, err := cluster.DecodeEvent(payload)
	if err != nil {
		a.metrics.DecodeErrors.WithLabelValues("events").Inc()
		a.logger.Warn("discarding malformed event", "error", err)
		return
	}
	log := a.logger.With("event", ev.Name)
	if ev.ID != "" {
		log = log.With("event_id", ev.ID)
	}

	err = a.guard("handle_event", func() error { return a.dev.HandleEvent(ctx, ev.Name, ev.Payload) })
	switch {
	case errors.Is(err, device.ErrUnknownEvent):
		log.Warn("ignoring unknown event")
	case err != nil:
		log.Error("event failed", "error", err)
	default:
		log.Debug("event handled")
	}
}

// guard runs a device call, converting panics to errors and counting
// failures under op.
func (a *Agent) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("device panic in %s: %v", op, r)
		}
		if err != nil {
			a.metrics.DeviceErrors.WithLabelValues(op).Inc()
		}
	}()
	return fn()
}
