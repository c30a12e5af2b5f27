// Package configstore keeps the configuration the orchestrator wants each
// node to run. Entries are stored in their wire encoding, so every read
// returns an independent copy.
package configstore

import (
	"sort"
	"sync"

	"github.com/dreamware/fabric/internal/cluster"
)

// Store holds the desired configuration per node id.
// All implementations must be thread-safe for concurrent access.
type Store interface {
	// Get returns the desired configuration for nodeID.
	// Returns *cluster.NotFoundError if none is stored.
	Get(nodeID string) (cluster.NodeConfig, error)

	// Put stores cfg under cfg.NodeID, replacing any previous entry.
	Put(cfg cluster.NodeConfig) error

	// Delete removes the entry for nodeID.
	// No error if nodeID is unknown.
	Delete(nodeID string) error

	// List returns the node ids with a stored configuration, sorted.
	List() []string

	// Stats returns storage statistics.
	Stats() Stats
}

// Stats describes the contents of a Store.
type Stats struct {
	Nodes int // Number of stored configurations
	Bytes int // Total encoded size
}

// MemoryStore implements Store in memory.
// Uses sync.RWMutex for thread-safe concurrent access.
type MemoryStore struct {
	data map[string][]byte // node id -> encoded NodeConfig
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get decodes the stored entry, which yields a fresh deep copy.
func (m *MemoryStore) Get(nodeID string) (cluster.NodeConfig, error) {
	m.mu.RLock()
	raw, ok := m.data[nodeID]
	m.mu.RUnlock()
	if !ok {
		return cluster.NodeConfig{}, &cluster.NotFoundError{NodeID: nodeID}
	}
	return cluster.DecodeNodeConfig(raw)
}

// Put validates and encodes cfg before storing it.
func (m *MemoryStore) Put(cfg cluster.NodeConfig) error {
	raw, err := cluster.EncodeNodeConfig(cfg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[cfg.NodeID] = raw
	m.mu.Unlock()
	return nil
}

// Delete removes an entry (idempotent).
func (m *MemoryStore) Delete(nodeID string) error {
	m.mu.Lock()
	delete(m.data, nodeID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, raw := range m.data {
		total += len(raw)
	}
	return Stats{Nodes: len(m.data), Bytes: total}
}
