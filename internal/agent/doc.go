// Package agent runs the node side of the coordination protocol.
//
// # Overview
//
// An Agent hosts exactly one device.Device and speaks for it on the bus.
// It announces the node by publishing a status heartbeat on
// fabric/{node_id}/status at a fixed cadence, and applies whatever the
// orchestrator sends on node/{node_id}/config and node/{node_id}/events.
//
// # Lifecycle
//
//	Starting ──first successful heartbeat──▶ Online
//
// The agent never reports itself offline. When heartbeats stop, the
// orchestrator notices the silence and marks the node offline in its own
// registry.
//
// # Concurrency
//
// Run owns a single loop that serializes heartbeats, configuration updates
// and events, so the device never sees two calls at once from the agent.
// Bus handlers only enqueue onto a bounded inbox; when the inbox is full the
// message is dropped and logged, which the protocol tolerates because the
// orchestrator resends configuration and events are best effort.
//
// # Failure handling
//
//   - Malformed config or event payloads are logged and discarded.
//   - A config addressed to another node id is discarded.
//   - Unknown events and device errors are logged; the loop continues.
//   - A device panic is recovered and treated as a device error.
//   - Failed heartbeats are retried by the reliable publisher, then logged.
//
// Subscriptions are released on every exit path of Run.
//
// # Usage
//
//	dev, _ := device.NewBuiltinRegistry().New("generic", device.Params{NodeID: "n1"})
//	a, err := agent.New(dev, b, agent.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	return a.Run(ctx) // returns when ctx is cancelled
package agent
