package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

func newMemoryMetrics(t *testing.T) *metrics.MemoryMetrics {
	t.Helper()
	m, err := metrics.NewMemoryMetrics(logger.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func newTestManager(t *testing.T, store types.PartitionStore, version string, m types.MetricsManager) *Manager {
	t.Helper()
	manager := NewManagerWithStore(context.Background(), store, "indicai", version, logger.NewNop(), m)
	require.NoError(t, manager.Start())
	return manager
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "indicai-static-v1.3.6", PartitionName("indicai", types.PartitionStatic, "v1.3.6"))
	assert.Equal(t, "api-v2", PartitionName("", types.PartitionAPI, "v2"))
}

func TestManagerNamesAndOpen(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	manager := newTestManager(t, store, "v1", metrics.NewNop())

	assert.Equal(t, map[types.PartitionKind]string{
		types.PartitionStatic:  "indicai-static-v1",
		types.PartitionDynamic: "indicai-dynamic-v1",
		types.PartitionAPI:     "indicai-api-v1",
	}, manager.Names())

	p, err := manager.Open(ctx, types.PartitionStatic)
	require.NoError(t, err)
	assert.Equal(t, "indicai-static-v1", p.Name())

	existing, err := manager.Existing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"indicai-static-v1"}, existing)

	_, err = manager.Open(ctx, types.PartitionKind("images"))
	assert.ErrorIs(t, err, types.ErrPartitionUnknown)
	assert.Nil(t, manager.Partition(types.PartitionKind("images")))
}

func TestDeleteStaleKeepsCurrentVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := newTestManager(t, store, "v1", metrics.NewNop())
	for _, kind := range types.PartitionKinds {
		_, err := old.Open(ctx, kind)
		require.NoError(t, err)
	}
	require.NoError(t, store.Create(ctx, "other-app-cache"))

	current := newTestManager(t, store, "v2", metrics.NewNop())
	require.NoError(t, current.Partition(types.PartitionDynamic).Put(ctx, "http://localhost/", snapshot(200, "home")))

	deleted, err := current.DeleteStale(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"indicai-static-v1", "indicai-dynamic-v1", "indicai-api-v1", "other-app-cache",
	}, deleted)

	existing, err := current.Existing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"indicai-dynamic-v2"}, existing)

	deleted, err = current.DeleteStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestPruneRemovesOldestFirst(t *testing.T) {
	ctx := context.Background()
	m := newMemoryMetrics(t)
	manager := newTestManager(t, NewMemoryStore(), "v1", m)
	p := manager.Partition(types.PartitionAPI)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Put(ctx, fmt.Sprintf("k%d", i), snapshot(200, "x")))
	}

	removed, err := manager.Prune(ctx, p, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k2", "k3", "k4"}, keys)

	assert.Equal(t, float64(2), m.Counter("cache_evictions_total", map[string]string{"partition": "api"}).Get())

	removed, err = manager.Prune(ctx, p, 3)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPruneUncappedIsNoop(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t, NewMemoryStore(), "v1", metrics.NewNop())
	p := manager.Partition(types.PartitionStatic)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Put(ctx, fmt.Sprintf("k%d", i), snapshot(200, "x")))
	}

	removed, err := manager.Prune(ctx, p, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}

func TestPartitionRecordsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	m := newMemoryMetrics(t)
	manager := newTestManager(t, NewMemoryStore(), "v1", m)
	p := manager.Partition(types.PartitionDynamic)

	require.NoError(t, p.Put(ctx, "http://localhost/a", snapshot(200, "a")))

	_, found, err := p.Match(ctx, "http://localhost/a")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = p.Match(ctx, "http://localhost/b")
	require.NoError(t, err)
	assert.False(t, found)

	labels := func(result string) map[string]string {
		return map[string]string{"operation": "match", "result": result, "partition": "dynamic"}
	}
	assert.Equal(t, float64(1), m.Counter("cache_operations_total", labels("hit")).Get())
	assert.Equal(t, float64(1), m.Counter("cache_operations_total", labels("miss")).Get())
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Version = "v9"
	cm, err := config.NewStaticManager(context.Background(), cfg)
	require.NoError(t, err)

	manager, err := NewManager(context.Background(), cm, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)
	require.NoError(t, manager.Start())
	defer manager.Stop()

	assert.Equal(t, "v9", manager.Version())
	assert.Equal(t, "indicai-api-v9", manager.Names()[types.PartitionAPI])
}
