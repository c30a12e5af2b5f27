package cluster

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schemas only constrain required fields and their types. Unknown
// properties are allowed so that decoders ignore them.
const (
	nodeDataSchemaJSON = `{
		"type": "object",
		"required": ["node_id", "node_type", "timestamp"],
		"properties": {
			"node_id":   {"type": "string", "minLength": 1},
			"node_type": {"type": "string"},
			"timestamp": {"type": "integer"},
			"metadata":  {"type": ["object", "null"]},
			"status":    {"type": "string"}
		}
	}`

	nodeConfigSchemaJSON = `{
		"type": "object",
		"required": ["node_id", "config"],
		"properties": {
			"node_id": {"type": "string", "minLength": 1},
			"config":  {"type": "object"}
		}
	}`

	eventSchemaJSON = `{
		"type": "object",
		"required": ["event"],
		"properties": {
			"id":    {"type": "string"},
			"event": {"type": "string", "minLength": 1}
		}
	}`
)

var (
	nodeDataSchema   = mustSchema(nodeDataSchemaJSON)
	nodeConfigSchema = mustSchema(nodeConfigSchemaJSON)
	eventSchema      = mustSchema(eventSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("cluster: invalid embedded schema: %v", err))
	}
	return s
}

// validate checks payload against schema, folding every failure into
// ErrInvalidPayload.
func validate(schema *gojsonschema.Schema, kind string, payload []byte) error {
	res, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, kind, strings.Join(msgs, "; "))
	}
	return nil
}

// EncodeNodeData serializes a status record. The status defaults to online.
func EncodeNodeData(d NodeData) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	return json.Marshal(d)
}

// DecodeNodeData parses a status record, filling the default status.
// Metadata numbers decode as float64, so producers that want an exact
// round trip should emit float64 rather than integer types.
func DecodeNodeData(payload []byte) (NodeData, error) {
	if err := validate(nodeDataSchema, "node data", payload); err != nil {
		return NodeData{}, err
	}
	var d NodeData
	if err := json.Unmarshal(payload, &d); err != nil {
		return NodeData{}, fmt.Errorf("%w: node data: %v", ErrInvalidPayload, err)
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	return d, nil
}

// EncodeNodeConfig serializes a configuration message.
func EncodeNodeConfig(c NodeConfig) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeNodeConfig parses a configuration message.
func DecodeNodeConfig(payload []byte) (NodeConfig, error) {
	if err := validate(nodeConfigSchema, "node config", payload); err != nil {
		return NodeConfig{}, err
	}
	var c NodeConfig
	if err := json.Unmarshal(payload, &c); err != nil {
		return NodeConfig{}, fmt.Errorf("%w: node config: %v", ErrInvalidPayload, err)
	}
	return c, nil
}

// EncodeEvent serializes an event envelope.
func EncodeEvent(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEvent parses an event envelope. A missing payload decodes as nil.
func DecodeEvent(payload []byte) (Event, error) {
	if err := validate(eventSchema, "event", payload); err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("%w: event: %v", ErrInvalidPayload, err)
	}
	if string(e.Payload) == "null" {
		e.Payload = nil
	}
	return e, nil
}
