package orchestrator

import (
	"context"

	"github.com/dreamware/fabric/internal/cluster"
)

// ChangeKind says what happened to a node.
type ChangeKind string

const (
	ChangeStatus  ChangeKind = "status"  // status message ingested
	ChangeOffline ChangeKind = "offline" // marked offline by the sweep
	ChangeRemoved ChangeKind = "removed" // removed by RemoveNode
)

// Change is one state transition delivered to watchers.
type Change struct {
	Kind   ChangeKind       `json:"kind"`
	NodeID string           `json:"node_id"`
	Data   cluster.NodeData `json:"data"`
}

// watchBuffer is the per-watcher backlog; slower watchers miss changes.
const watchBuffer = 64

// Watch streams every change until ctx is done, then closes the channel.
// Unlike RegisterCallback it covers all nodes and allows any number of
// subscribers. Delivery never blocks the registry: a watcher that falls
// behind drops changes.
func (o *Orchestrator) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, watchBuffer)

	o.watchMu.Lock()
	o.nextWatch++
	id := o.nextWatch
	o.watchers[id] = ch
	o.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		o.watchMu.Lock()
		delete(o.watchers, id)
		close(ch)
		o.watchMu.Unlock()
	}()
	return ch
}

func (o *Orchestrator) emit(c Change) {
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	for _, ch := range o.watchers {
		select {
		case ch <- c:
		default:
			o.logger.Debug("watcher lagging, change dropped", "node_id", c.NodeID, "kind", c.Kind)
		}
	}
}
