// Package cluster defines the wire protocol shared by nodes and the
// orchestrator: the three payload entities, their JSON codec, the topic
// naming convention, and the typed errors both sides report.
//
// # Overview
//
// Nodes and the orchestrator never talk to each other directly. Every
// interaction is a message published on a topic of a shared pub/sub bus:
//
//	┌──────────────┐  fabric/{id}/status   ┌──────────────┐
//	│  Node Agent  │ ────────────────────▶ │ Orchestrator │
//	│              │                       │              │
//	│              │ ◀──────────────────── │              │
//	└──────────────┘  node/{id}/config     └──────────────┘
//	                  node/{id}/events
//
// Both sides derive topic names from the node id with the pure functions in
// topics.go, so no runtime negotiation is needed.
//
// # Payloads
//
// NodeData: liveness snapshot published by a node on every heartbeat.
//   - node_id, node_type and timestamp are required
//   - status defaults to "online" when absent
//   - metadata is free-form telemetry
//
// NodeConfig: opaque configuration for one node, replaced wholesale on update.
//
// Event: a named command with an arbitrary JSON payload.
//
// Decoders validate required fields against a JSON schema and ignore
// unknown fields, so producers may add fields without breaking consumers.
//
// # Errors
//
//   - ErrInvalidPayload: malformed JSON or a missing required field
//   - ErrInvalidNodeID: empty id or one containing a transport reserved character
//   - ErrNotFound / *NotFoundError: an operation named a node never observed
package cluster
