package configstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fabric/internal/cluster"
)

func cfg(id string, rate int) cluster.NodeConfig {
	return cluster.NodeConfig{NodeID: id, Config: map[string]any{"rate": rate}}
}

func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()
		assert.Empty(t, store.List())

		_, err := store.Get("nonexistent")
		assert.ErrorIs(t, err, cluster.ErrNotFound)
		var nf *cluster.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "nonexistent", nf.NodeID)
	})

	t.Run("put and get", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(cfg("n1", 5)))

		got, err := store.Get("n1")
		require.NoError(t, err)
		assert.Equal(t, "n1", got.NodeID)
		assert.Equal(t, 5.0, got.Config["rate"])
	})

	t.Run("put replaces wholesale", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(cluster.NodeConfig{NodeID: "n1", Config: map[string]any{"a": 1, "b": 2}}))
		require.NoError(t, store.Put(cluster.NodeConfig{NodeID: "n1", Config: map[string]any{"b": 3}}))

		got, err := store.Get("n1")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"b": 3.0}, got.Config)
	})

	t.Run("invalid configs are rejected", func(t *testing.T) {
		store := NewMemoryStore()
		assert.ErrorIs(t, store.Put(cluster.NodeConfig{NodeID: "n1"}), cluster.ErrInvalidPayload)
		assert.ErrorIs(t, store.Put(cfg("a/b", 1)), cluster.ErrInvalidNodeID)
		assert.Empty(t, store.List())
	})

	t.Run("entries are isolated from callers", func(t *testing.T) {
		store := NewMemoryStore()
		in := cluster.NodeConfig{NodeID: "n1", Config: map[string]any{"nested": map[string]any{"x": 1}}}
		require.NoError(t, store.Put(in))
		in.Config["nested"].(map[string]any)["x"] = 99

		out, err := store.Get("n1")
		require.NoError(t, err)
		out.Config["nested"].(map[string]any)["x"] = 42

		again, err := store.Get("n1")
		require.NoError(t, err)
		assert.Equal(t, 1.0, again.Config["nested"].(map[string]any)["x"])
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(cfg("n1", 1)))
		require.NoError(t, store.Delete("n1"))
		require.NoError(t, store.Delete("n1"))
		_, err := store.Get("n1")
		assert.ErrorIs(t, err, cluster.ErrNotFound)
	})

	t.Run("list is sorted and stats add up", func(t *testing.T) {
		store := NewMemoryStore()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, store.Put(cfg(id, 1)))
		}
		assert.Equal(t, []string{"a", "b", "c"}, store.List())

		stats := store.Stats()
		assert.Equal(t, 3, stats.Nodes)
		raw, err := cluster.EncodeNodeConfig(cfg("a", 1))
		require.NoError(t, err)
		assert.Equal(t, 3*len(raw), stats.Bytes)
	})
}

func TestMemoryStoreConcurrency(t *testing.T) {
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("node-%d", i%5)
			for j := 0; j < 50; j++ {
				_ = store.Put(cfg(id, j))
				_, _ = store.Get(id)
				store.List()
				store.Stats()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, store.List(), 5)
}

var _ Store = (*MemoryStore)(nil)
