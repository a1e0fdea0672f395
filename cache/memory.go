package cache

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/saiset-co/sai-edge/types"
)

// MemoryStore keeps partitions in process. Each partition is a simplelru
// list used purely for its insertion order: reads go through Peek so they
// never reorder, and Add moves a re-put key to the newest position.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*simplelru.LRU
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*simplelru.LRU),
	}
}

func newMemoryStoreCreator(_ context.Context, _ interface{}, _ types.Logger) (types.PartitionStore, error) {
	return NewMemoryStore(), nil
}

func (m *MemoryStore) partition(name string, create bool) (*simplelru.LRU, error) {
	if p, ok := m.partitions[name]; ok || !create {
		return p, nil
	}

	p, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		return nil, types.WrapError(err, "failed to create partition")
	}
	m.partitions[name] = p

	return p, nil
}

func (m *MemoryStore) Create(_ context.Context, partition string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.partition(partition, true)
	return err
}

func (m *MemoryStore) Partitions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (m *MemoryStore) Drop(_ context.Context, partition string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.partitions[partition]; !ok {
		return false, nil
	}
	delete(m.partitions, partition)

	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, partition, key string) (*types.Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, _ := m.partition(partition, false)
	if p == nil {
		return nil, false, nil
	}

	value, ok := p.Peek(key)
	if !ok {
		return nil, false, nil
	}

	return value.(*types.Snapshot).Clone(), true, nil
}

func (m *MemoryStore) Put(_ context.Context, partition, key string, snapshot *types.Snapshot) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.partition(partition, true)
	if err != nil {
		return err
	}

	// Add only refreshes recency for existing keys, so remove first to
	// place the entry at the newest position either way.
	p.Remove(key)
	p.Add(key, snapshot.Clone())

	return nil
}

func (m *MemoryStore) Delete(_ context.Context, partition, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, _ := m.partition(partition, false)
	if p == nil {
		return false, nil
	}

	return p.Remove(key), nil
}

func (m *MemoryStore) Keys(_ context.Context, partition string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, _ := m.partition(partition, false)
	if p == nil {
		return []string{}, nil
	}

	raw := p.Keys()
	keys := make([]string, len(raw))
	for i, k := range raw {
		keys[i] = k.(string)
	}

	return keys, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.partitions = make(map[string]*simplelru.LRU)

	return nil
}
