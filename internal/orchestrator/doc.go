// Package orchestrator implements the central registry of the fabric: it
// tracks the last known state of every node, detects nodes that have gone
// silent, and delivers configuration and events to nodes over the bus.
//
// # Overview
//
// Nodes announce themselves by heartbeating on fabric/{node_id}/status. The
// orchestrator listens on fabric/*/status and keeps one NodeState per node
// id, stamped with the orchestrator's own receipt time. Producer timestamps
// are carried along but never used for liveness, so clock skew on a device
// cannot keep it alive or kill it.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│              ORCHESTRATOR                │
//	├──────────────────────────────────────────┤
//	│  ┌────────────────────────────────────┐  │
//	│  │ Registry                           │  │
//	│  │  - node id → NodeState             │  │
//	│  │  - node id → Callback (one each)   │  │
//	│  │  - watchers (any number)           │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ Run loop                           │  │
//	│  │  - status ingestion                │  │
//	│  │  - health sweep                    │  │
//	│  │  - desired config push / resend    │  │
//	│  └────────────────────────────────────┘  │
//	│  ┌────────────────────────────────────┐  │
//	│  │ Delivery (publisher.Reliable)      │  │
//	│  │  - node/{id}/config                │  │
//	│  │  - node/{id}/events                │  │
//	│  └────────────────────────────────────┘  │
//	└──────────────────────────────────────────┘
//
// # Health Sweep
//
// Every sweep interval (default 1s) CheckOfflineNodes marks each online
// node whose last update is older than the offline threshold (default 10s)
// as offline. The correction is local only; nothing is published back to
// the node. A node is marked once per silence and returns to online with
// its next heartbeat.
//
// A heartbeat racing the sweep is resolved by last writer wins. Both
// operations overwrite the stored NodeData, so the registry converges once
// heartbeats resume.
//
// # Configuration Delivery
//
// The orchestrator keeps a desired configuration per node in a
// configstore.Store:
//
//   - PublishNodeConfig stores and publishes immediately (node must be known)
//   - SetDesiredConfig only stores, for nodes not seen yet
//   - a node coming online (first seen, or back from offline) receives its
//     desired configuration
//   - with a resend interval, online nodes periodically receive it again
//
// Delivery is fire-and-forget; nodes apply configuration idempotently.
//
// # Callbacks and Watchers
//
// RegisterCallback binds exactly one callback per node id, replaced on
// re-registration. Callbacks run synchronously after the registry has been
// updated and without its lock held. Errors and panics from callbacks are
// logged and counted and never reach the ingestion loop or the sweep.
//
// Watch returns a channel of every Change for all nodes. It backs the admin
// websocket. Slow watchers drop changes rather than stall the registry.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Readers always get
// copies, so they never observe a partially written NodeState.
package orchestrator
