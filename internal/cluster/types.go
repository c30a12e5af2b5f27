package cluster

import (
	"encoding/json"
	"fmt"
)

// Node status values. Producers may publish other strings; only these two
// carry meaning for the orchestrator's health sweep.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// NodeConfig carries the opaque configuration of one node.
// It is replaced wholesale on update, never merged.
type NodeConfig struct {
	Config map[string]any `json:"config"`
	NodeID string         `json:"node_id"`
}

// Clone returns a deep copy so the holder of the "latest accepted" config
// never shares mutable state with the sender.
func (c NodeConfig) Clone() NodeConfig {
	return NodeConfig{
		NodeID: c.NodeID,
		Config: cloneMap(c.Config),
	}
}

// Validate checks the fields required on the wire.
func (c NodeConfig) Validate() error {
	if err := ValidateNodeID(c.NodeID); err != nil {
		return err
	}
	if c.Config == nil {
		return fmt.Errorf("%w: config is required", ErrInvalidPayload)
	}
	return nil
}

// NodeData is the liveness snapshot a node publishes on every heartbeat.
//
// Status is authoritative as last written either by the node itself or by
// the orchestrator's offline sweep, which overwrites it locally.
type NodeData struct {
	Metadata  map[string]any `json:"metadata"`
	NodeID    string         `json:"node_id"`
	NodeType  string         `json:"node_type"`
	Status    string         `json:"status"`
	Timestamp int64          `json:"timestamp"` // producer wall clock, unix seconds
}

// Clone returns a deep copy of the snapshot, including nested metadata.
func (d NodeData) Clone() NodeData {
	d.Metadata = cloneMap(d.Metadata)
	return d
}

// IsOnline reports whether the snapshot says the node is online.
func (d NodeData) IsOnline() bool {
	return d.Status == StatusOnline
}

// Validate checks the fields required on the wire.
func (d NodeData) Validate() error {
	return ValidateNodeID(d.NodeID)
}

// Event is a named command addressed to one node. The target node is
// implied by the topic it is published on.
type Event struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the fields required on the wire.
func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidPayload)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case json.RawMessage:
		return append(json.RawMessage(nil), t...)
	default:
		return v
	}
}

// RawPayload converts an event payload to raw JSON. Nil stays nil, raw JSON
// and byte slices must already be valid JSON, anything else is marshalled.
func RawPayload(v any) (json.RawMessage, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidPayload, err)
		}
		return b, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidPayload)
	}
	return append(json.RawMessage(nil), raw...), nil
}
