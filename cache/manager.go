package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customStoreCreators = map[string]types.PartitionStoreCreator{
	"memory": newMemoryStoreCreator,
	"redis":  newRedisStoreCreator,
	"clover": newCloverStoreCreator,
	"sqlite": newSQLiteStoreCreator,
}

var creatorsMu sync.RWMutex

func RegisterPartitionStore(storeName string, creator types.PartitionStoreCreator) {
	creatorsMu.Lock()
	defer creatorsMu.Unlock()
	customStoreCreators[storeName] = creator
}

func NewStore(ctx context.Context, config *types.StoreConfig, logger types.Logger) (types.PartitionStore, error) {
	creatorsMu.RLock()
	creator, exists := customStoreCreators[config.Type]
	creatorsMu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
	}

	return creator(ctx, config.Config, logger)
}

// PartitionName builds "<namespace>-<kind>-<version>", or "<kind>-<version>"
// for an empty namespace.
func PartitionName(namespace string, kind types.PartitionKind, version string) string {
	if namespace == "" {
		return string(kind) + "-" + version
	}
	return namespace + "-" + string(kind) + "-" + version
}

// Manager owns the three versioned partitions of the running version.
type Manager struct {
	ctx        context.Context
	cancel     context.CancelFunc
	logger     types.Logger
	metrics    types.MetricsManager
	store      types.PartitionStore
	namespace  string
	version    string
	partitions map[types.PartitionKind]*partition
	state      atomic.Value
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	cfg := config.GetConfig()

	store, err := NewStore(ctx, cfg.Partitions.Store, logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to create partition store")
	}

	logger.Info("Partition store created",
		zap.String("type", cfg.Partitions.Store.Type),
		zap.String("namespace", cfg.Partitions.Namespace),
		zap.String("version", cfg.Version))

	return NewManagerWithStore(ctx, store, cfg.Partitions.Namespace, cfg.Version, logger, metrics), nil
}

func NewManagerWithStore(ctx context.Context, store types.PartitionStore, namespace, version string, logger types.Logger, metrics types.MetricsManager) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:        managerCtx,
		cancel:     cancel,
		logger:     logger,
		metrics:    metrics,
		store:      store,
		namespace:  namespace,
		version:    version,
		partitions: make(map[types.PartitionKind]*partition, len(types.PartitionKinds)),
	}

	for _, kind := range types.PartitionKinds {
		m.partitions[kind] = &partition{
			name:    PartitionName(namespace, kind, version),
			kind:    kind,
			store:   store,
			logger:  logger,
			metrics: metrics,
		}
	}

	m.state.Store(StateStopped)

	return m
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(StateRunning)

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
		m.cancel()
	}()

	if err := m.store.Close(); err != nil {
		m.logger.Error("Failed to close partition store", zap.Error(err))
		return types.WrapError(err, "failed to close partition store")
	}

	m.logger.Info("Partition manager stopped")

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) Version() string {
	return m.version
}

func (m *Manager) Names() map[types.PartitionKind]string {
	names := make(map[types.PartitionKind]string, len(m.partitions))
	for kind, p := range m.partitions {
		names[kind] = p.name
	}
	return names
}

func (m *Manager) Open(ctx context.Context, kind types.PartitionKind) (types.Partition, error) {
	p, ok := m.partitions[kind]
	if !ok {
		return nil, types.Errorf(types.ErrPartitionUnknown, "kind: %s", kind)
	}

	start := time.Now()
	err := m.store.Create(ctx, p.name)
	p.recordMetric("open", resultOf(err), time.Since(start))

	if err != nil {
		return nil, types.WrapError(err, "failed to open partition "+p.name)
	}

	return p, nil
}

// Partition returns the handle without touching the store. Writes create
// the partition implicitly.
func (m *Manager) Partition(kind types.PartitionKind) types.Partition {
	if p, ok := m.partitions[kind]; ok {
		return p
	}
	return nil
}

func (m *Manager) Existing(ctx context.Context) ([]string, error) {
	return m.store.Partitions(ctx)
}

// DeleteStale drops every stored partition that is not one of the current
// version's names and returns what was dropped.
func (m *Manager) DeleteStale(ctx context.Context) ([]string, error) {
	existing, err := m.store.Partitions(ctx)
	if err != nil {
		return nil, types.WrapError(err, "failed to list partitions")
	}

	current := make(map[string]struct{}, len(m.partitions))
	for _, p := range m.partitions {
		current[p.name] = struct{}{}
	}

	var deleted []string
	for _, name := range existing {
		if _, keep := current[name]; keep {
			continue
		}

		if _, err := m.store.Drop(ctx, name); err != nil {
			return deleted, types.WrapError(err, "failed to drop partition "+name)
		}

		m.logger.Info("Deleted stale partition", zap.String("partition", name))
		deleted = append(deleted, name)
	}

	return deleted, nil
}

func (m *Manager) Drop(ctx context.Context, name string) (bool, error) {
	return m.store.Drop(ctx, name)
}

func (m *Manager) Prune(ctx context.Context, p types.Partition, maxEntries int) (int, error) {
	removed, err := Prune(ctx, p, maxEntries)
	if removed > 0 {
		m.metrics.Counter("cache_evictions_total", map[string]string{
			"partition": string(p.Kind()),
		}).Add(float64(removed))

		m.logger.Debug("Pruned partition",
			zap.String("partition", p.Name()),
			zap.Int("removed", removed),
			zap.Int("max_entries", maxEntries))
	}
	return removed, err
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
