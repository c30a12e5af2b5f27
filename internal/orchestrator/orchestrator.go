package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/fabric/internal/bus"
	"github.com/dreamware/fabric/internal/cluster"
	"github.com/dreamware/fabric/internal/configstore"
	"github.com/dreamware/fabric/internal/metrics"
	"github.com/dreamware/fabric/internal/publisher"
)

const (
	// DefaultOfflineThreshold is how long a node may stay silent before the
	// sweep marks it offline.
	DefaultOfflineThreshold = 10 * time.Second

	// DefaultSweepInterval is how often the health sweep runs.
	DefaultSweepInterval = time.Second

	// inboxSize bounds status messages waiting for the orchestrator loop.
	inboxSize = 1024
)

// ErrRunning is returned when Run is called on an orchestrator that is
// already running.
var ErrRunning = errors.New("orchestrator already running")

// NodeState is the registry's record of one node.
type NodeState struct {
	LastUpdate time.Time        `json:"last_update"` // receipt time, orchestrator clock
	LastValue  cluster.NodeData `json:"last_value"`
}

func (s NodeState) clone() NodeState {
	s.LastValue = s.LastValue.Clone()
	return s
}

// Callback is notified with a copy of a node's data whenever the registry
// changes it. Returned errors and panics are logged and counted, never
// propagated.
type Callback func(data cluster.NodeData) error

type message struct {
	topic   string
	payload []byte
}

// Orchestrator tracks every node's last known state and delivers
// configuration and events to nodes.
// Thread-safe: All methods are safe for concurrent access.
type Orchestrator struct {
	transport bus.PubSub
	publisher *publisher.Reliable
	store     configstore.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	nodes     map[string]*NodeState // Current state per node
	callbacks map[string]Callback   // At most one callback per node
	mu        sync.RWMutex          // Protects nodes and callbacks

	watchers  map[uint64]chan Change
	nextWatch uint64
	watchMu   sync.Mutex

	id             string
	policy         publisher.Policy
	threshold      time.Duration
	sweepInterval  time.Duration
	resendInterval time.Duration
	running        atomic.Bool
}

// New creates an orchestrator publishing and subscribing through transport.
//
// Parameters:
//   - transport: the bus carrying status, config and event topics
//   - opts: optional settings (thresholds, clock, store, logger, metrics)
//
// Returns:
//   - *Orchestrator: ready to Run
//   - error: if the retry policy is invalid
//
// Example:
//
//	orch, err := orchestrator.New(b,
//	    orchestrator.WithOfflineThreshold(10*time.Second),
//	    orchestrator.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	go orch.Run(ctx)
func New(transport bus.PubSub, opts ...Option) (*Orchestrator, error) {
	if transport == nil {
		return nil, errors.New("orchestrator: transport is required")
	}
	o := &Orchestrator{
		transport:     transport,
		store:         configstore.NewMemoryStore(),
		logger:        slog.Default(),
		metrics:       metrics.New(),
		now:           time.Now,
		nodes:         make(map[string]*NodeState),
		callbacks:     make(map[string]Callback),
		watchers:      make(map[uint64]chan Change),
		id:            uuid.NewString(),
		policy:        publisher.DefaultPolicy(),
		threshold:     DefaultOfflineThreshold,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator", "orchestrator_id", o.id)

	var err error
	o.publisher, err = publisher.New(transport, o.policy,
		publisher.WithLogger(o.logger), publisher.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ID identifies this orchestrator in logs.
func (o *Orchestrator) ID() string { return o.id }

// OfflineThreshold returns the silence allowed before a node is marked offline.
func (o *Orchestrator) OfflineThreshold() time.Duration { return o.threshold }

// UpdateNodeState records data as the latest state of data.NodeID, stamped
// with the orchestrator's receipt time, then notifies the node's callback
// and any watchers. Existing state is overwritten, never merged.
//
// Returns:
//   - error: ErrInvalidNodeID if data carries an unusable node id
func (o *Orchestrator) UpdateNodeState(data cluster.NodeData) error {
	_, err := o.update(data)
	return err
}

// update reports whether the node just came online: first seen online, or
// online again after being offline.
func (o *Orchestrator) update(data cluster.NodeData) (cameOnline bool, err error) {
	if err := data.Validate(); err != nil {
		return false, err
	}
	stored := data.Clone()

	o.mu.Lock()
	prev, known := o.nodes[data.NodeID]
	cameOnline = data.IsOnline() && (!known || !prev.LastValue.IsOnline())
	o.nodes[data.NodeID] = &NodeState{LastUpdate: o.now(), LastValue: stored}
	o.refreshGauge()
	o.mu.Unlock()

	if !known {
		o.logger.Info("node discovered", "node_id", data.NodeID, "node_type", data.NodeType, "status", data.Status)
	} else if cameOnline {
		o.logger.Info("node back online", "node_id", data.NodeID)
	}

	o.emit(Change{Kind: ChangeStatus, NodeID: data.NodeID, Data: data.Clone()})
	o.invokeCallback(data)
	return cameOnline, nil
}

// RegisterCallback associates callback with nodeID, replacing any previous
// one. A nil callback removes the registration.
func (o *Orchestrator) RegisterCallback(nodeID string, callback Callback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if callback == nil {
		delete(o.callbacks, nodeID)
		return
	}
	o.callbacks[nodeID] = callback
}

// GetNodeState returns a copy of the state recorded for nodeID.
//
// Returns:
//   - NodeState: snapshot safe to retain and modify
//   - error: *cluster.NotFoundError if the node has never been observed
func (o *Orchestrator) GetNodeState(nodeID string) (NodeState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.nodes[nodeID]
	if !ok {
		return NodeState{}, &cluster.NotFoundError{NodeID: nodeID}
	}
	return s.clone(), nil
}

// GetNodeData returns only the last value recorded for nodeID.
func (o *Orchestrator) GetNodeData(nodeID string) (cluster.NodeData, error) {
	s, err := o.GetNodeState(nodeID)
	if err != nil {
		return cluster.NodeData{}, err
	}
	return s.LastValue, nil
}

// GetAllNodeStates returns copies of every tracked state ordered by node id.
func (o *Orchestrator) GetAllNodeStates() []NodeState {
	o.mu.RLock()
	out := make([]NodeState, 0, len(o.nodes))
	for _, s := range o.nodes {
		out = append(out, s.clone())
	}
	o.mu.RUnlock()

	slices.SortFunc(out, func(a, b NodeState) int {
		return strings.Compare(a.LastValue.NodeID, b.LastValue.NodeID)
	})
	return out
}

// CheckOfflineNodes marks every online node that has been silent for longer
// than the offline threshold as offline. The correction is local to the
// registry: nothing is published to the node. Each affected node's callback
// is invoked with the corrected data.
//
// A node is marked at most once per silence; it stays offline until its
// next status message arrives.
//
// Returns:
//   - []string: ids marked offline by this sweep, sorted
func (o *Orchestrator) CheckOfflineNodes() []string {
	now := o.now()
	var marked []cluster.NodeData

	o.mu.Lock()
	for _, s := range o.nodes {
		if !s.LastValue.IsOnline() || now.Sub(s.LastUpdate) <= o.threshold {
			continue
		}
		s.LastValue.Status = cluster.StatusOffline
		marked = append(marked, s.LastValue.Clone())
	}
	if len(marked) > 0 {
		o.refreshGauge()
	}
	o.mu.Unlock()

	slices.SortFunc(marked, func(a, b cluster.NodeData) int { return strings.Compare(a.NodeID, b.NodeID) })
	ids := make([]string, 0, len(marked))
	for _, d := range marked {
		ids = append(ids, d.NodeID)
		o.metrics.OfflineMarked.Inc()
		o.logger.Warn("node offline", "node_id", d.NodeID, "threshold", o.threshold)
		o.emit(Change{Kind: ChangeOffline, NodeID: d.NodeID, Data: d.Clone()})
		o.invokeCallback(d)
	}
	return ids
}

// RemoveNode forgets nodeID. Unknown ids are logged and ignored.
// The node's callback and desired configuration are kept, so a node that
// reappears is handled as newly discovered.
func (o *Orchestrator) RemoveNode(nodeID string) {
	o.mu.Lock()
	s, ok := o.nodes[nodeID]
	if ok {
		delete(o.nodes, nodeID)
		o.refreshGauge()
	}
	o.mu.Unlock()

	if !ok {
		o.logger.Warn("remove requested for unknown node", "node_id", nodeID)
		return
	}
	o.logger.Info("node removed", "node_id", nodeID)
	o.emit(Change{Kind: ChangeRemoved, NodeID: nodeID, Data: s.LastValue.Clone()})
}

// PublishNodeConfig records cfg as the desired configuration of nodeID and
// publishes it on the node's config topic. Delivery is fire-and-forget:
// nothing waits for the node to apply it.
//
// Parameters:
//   - nodeID: target node; it must have been observed
//   - cfg: configuration; an empty cfg.NodeID is filled with nodeID
//
// Returns:
//   - error: *cluster.NotFoundError for unseen nodes, ErrInvalidPayload for
//     a mismatched or empty config, or the publisher's error after retries
func (o *Orchestrator) PublishNodeConfig(ctx context.Context, nodeID string, cfg cluster.NodeConfig) error {
	if !o.known(nodeID) {
		return &cluster.NotFoundError{NodeID: nodeID}
	}
	if cfg.NodeID == "" {
		cfg.NodeID = nodeID
	}
	if cfg.NodeID != nodeID {
		return fmt.Errorf("%w: config for %q sent to %q", cluster.ErrInvalidPayload, cfg.NodeID, nodeID)
	}
	if err := o.store.Put(cfg); err != nil {
		return err
	}
	return o.sendConfig(ctx, cfg)
}

// SetDesiredConfig stores cfg without publishing it. The orchestrator pushes
// it when the node is next seen coming online and on every resend pass, so
// this is how nodes are provisioned before they first appear.
func (o *Orchestrator) SetDesiredConfig(cfg cluster.NodeConfig) error {
	return o.store.Put(cfg)
}

// DesiredConfig returns the configuration the orchestrator wants nodeID to run.
func (o *Orchestrator) DesiredConfig(nodeID string) (cluster.NodeConfig, error) {
	return o.store.Get(nodeID)
}

func (o *Orchestrator) sendConfig(ctx context.Context, cfg cluster.NodeConfig) error {
	topic, err := cluster.ConfigTopic(cfg.NodeID)
	if err != nil {
		return err
	}
	payload, err := cluster.EncodeNodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := o.publisher.PublishWithRetry(ctx, topic, payload); err != nil {
		return err
	}
	o.logger.Debug("config published", "node_id", cfg.NodeID)
	return nil
}

// SendEventToNode publishes a named event to nodeID and returns the event id
// stamped on the envelope. payload may be nil, raw JSON, or any value that
// encodes to JSON.
func (o *Orchestrator) SendEventToNode(ctx context.Context, nodeID, event string, payload any) (string, error) {
	if !o.known(nodeID) {
		return "", &cluster.NotFoundError{NodeID: nodeID}
	}
	raw, err := cluster.RawPayload(payload)
	if err != nil {
		return "", err
	}
	ev := cluster.Event{ID: uuid.NewString(), Name: event, Payload: raw}
	body, err := cluster.EncodeEvent(ev)
	if err != nil {
		return "", err
	}
	topic, err := cluster.EventTopic(nodeID)
	if err != nil {
		return "", err
	}
	if err := o.publisher.PublishWithRetry(ctx, topic, body); err != nil {
		return "", err
	}
	o.logger.Debug("event published", "node_id", nodeID, "event", event, "event_id", ev.ID)
	return ev.ID, nil
}

func (o *Orchestrator) known(nodeID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.nodes[nodeID]
	return ok
}

func (o *Orchestrator) invokeCallback(data cluster.NodeData) {
	o.mu.RLock()
	cb := o.callbacks[data.NodeID]
	o.mu.RUnlock()
	if cb == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			o.metrics.CallbackErrors.Inc()
			o.logger.Error("node callback panicked", "node_id", data.NodeID, "panic", r)
		}
	}()
	if err := cb(data.Clone()); err != nil {
		o.metrics.CallbackErrors.Inc()
		o.logger.Error("node callback failed", "node_id", data.NodeID, "error", err)
	}
}

// refreshGauge must be called with o.mu held.
func (o *Orchestrator) refreshGauge() {
	counts := make(map[string]int)
	for _, s := range o.nodes {
		counts[s.LastValue.Status]++
	}
	o.metrics.Nodes.Reset()
	for status, n := range counts {
		o.metrics.Nodes.WithLabelValues(status).Set(float64(n))
	}
}
