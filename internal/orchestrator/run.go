package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/fabric/internal/cluster"
)

// Run subscribes to every node's status topic and drives the orchestrator
// until ctx is cancelled:
//
//   - status messages are decoded and recorded with UpdateNodeState
//   - the health sweep runs every sweep interval
//   - desired configs are pushed to nodes that come online
//   - with a resend interval set, desired configs are periodically
//     republished to online nodes
//
// All of this happens on one goroutine, so ingestion and the sweep never
// interleave within a step. The status subscription is released before Run
// returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer o.running.Store(false)

	inbox := make(chan message, inboxSize)
	sub, err := o.transport.Subscribe(cluster.StatusPattern, func(topic string, payload []byte) {
		select {
		case inbox <- message{topic: topic, payload: payload}:
		default:
			o.logger.Warn("inbox full, dropping status", "topic", topic)
		}
	})
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe %s: %w", cluster.StatusPattern, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			o.logger.Warn("unsubscribe failed", "pattern", sub.Pattern(), "error", err)
		}
	}()

	o.logger.Info("orchestrator started",
		"offline_threshold", o.threshold, "sweep_interval", o.sweepInterval,
		"resend_interval", o.resendInterval)
	defer o.logger.Info("orchestrator stopped")

	sweep := time.NewTicker(o.sweepInterval)
	defer sweep.Stop()

	var resend <-chan time.Time
	if o.resendInterval > 0 {
		t := time.NewTicker(o.resendInterval)
		defer t.Stop()
		resend = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			o.CheckOfflineNodes()
		case <-resend:
			o.resendConfigs(ctx)
		case msg := <-inbox:
			o.ingest(ctx, msg)
		}
	}
}

func (o *Orchestrator) ingest(ctx context.Context, msg message) {
	o.metrics.MessagesReceived.WithLabelValues("status").Inc()

	topicID, err := cluster.NodeIDFromStatusTopic(msg.topic)
	if err != nil {
		o.metrics.DecodeErrors.WithLabelValues("status").Inc()
		o.logger.Warn("discarding status on malformed topic", "topic", msg.topic, "error", err)
		return
	}
	data, err := cluster.DecodeNodeData(msg.payload)
	if err != nil {
		o.metrics.DecodeErrors.WithLabelValues("status").Inc()
		o.logger.Warn("discarding malformed status", "node_id", topicID, "error", err)
		return
	}
	if data.NodeID != topicID {
		o.metrics.DecodeErrors.WithLabelValues("status").Inc()
		o.logger.Warn("discarding status with mismatched node id", "topic_node_id", topicID, "node_id", data.NodeID)
		return
	}

	cameOnline, err := o.update(data)
	if err != nil {
		o.logger.Warn("rejecting status", "node_id", topicID, "error", err)
		return
	}
	if cameOnline {
		o.pushDesiredConfig(ctx, data.NodeID)
	}
}

// pushDesiredConfig sends the stored configuration for nodeID, if any.
func (o *Orchestrator) pushDesiredConfig(ctx context.Context, nodeID string) {
	cfg, err := o.store.Get(nodeID)
	if errors.Is(err, cluster.ErrNotFound) {
		return
	}
	if err != nil {
		o.logger.Error("loading desired config failed", "node_id", nodeID, "error", err)
		return
	}
	if err := o.sendConfig(ctx, cfg); err != nil {
		o.logger.Error("initial config push failed", "node_id", nodeID, "error", err)
		return
	}
	o.logger.Info("initial config pushed", "node_id", nodeID)
}

func (o *Orchestrator) resendConfigs(ctx context.Context) {
	for _, id := range o.store.List() {
		if ctx.Err() != nil {
			return
		}
		data, err := o.GetNodeData(id)
		if err != nil || !data.IsOnline() {
			continue
		}
		cfg, err := o.store.Get(id)
		if err != nil {
			continue
		}
		if err := o.sendConfig(ctx, cfg); err != nil {
			o.logger.Warn("config resend failed", "node_id", id, "error", err)
		}
	}
}
