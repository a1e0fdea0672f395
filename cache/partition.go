package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

const (
	resultHit     = "hit"
	resultMiss    = "miss"
	resultSuccess = "success"
	resultError   = "error"
)

// partition binds a store to one versioned name and records metrics for
// every operation.
type partition struct {
	name    string
	kind    types.PartitionKind
	store   types.PartitionStore
	logger  types.Logger
	metrics types.MetricsManager
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Kind() types.PartitionKind {
	return p.kind
}

// Match returns the stored snapshot for key. Store failures are reported as
// a miss together with the error.
func (p *partition) Match(ctx context.Context, key string) (*types.Snapshot, bool, error) {
	start := time.Now()
	snapshot, found, err := p.store.Get(ctx, p.name, key)

	result := resultMiss
	switch {
	case err != nil:
		result = resultError
		p.logger.Warn("Cache match failed",
			zap.String("partition", p.name),
			zap.String("key", key),
			zap.Error(err))
	case found:
		result = resultHit
	}

	p.recordMetric("match", result, time.Since(start))

	if err != nil {
		return nil, false, err
	}

	return snapshot, found, nil
}

func (p *partition) Put(ctx context.Context, key string, snapshot *types.Snapshot) error {
	start := time.Now()
	err := p.store.Put(ctx, p.name, key, snapshot)
	p.recordMetric("put", resultOf(err), time.Since(start))

	return err
}

func (p *partition) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	deleted, err := p.store.Delete(ctx, p.name, key)
	p.recordMetric("delete", resultOf(err), time.Since(start))

	return deleted, err
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := p.store.Keys(ctx, p.name)
	p.recordMetric("keys", resultOf(err), time.Since(start))

	return keys, err
}

func (p *partition) Len(ctx context.Context) (int, error) {
	keys, err := p.store.Keys(ctx, p.name)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (p *partition) recordMetric(operation, result string, duration time.Duration) {
	if p.metrics == nil {
		return
	}

	p.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"partition": string(p.kind),
	}).Inc()

	p.metrics.Histogram("cache_operation_duration_seconds", nil, map[string]string{
		"operation": operation,
	}).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return resultError
	}
	return resultSuccess
}

// Prune deletes the oldest entries until at most maxEntries remain. A
// non-positive limit leaves the partition untouched.
func Prune(ctx context.Context, p types.Partition, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}

	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, types.WrapError(err, "failed to list keys for pruning")
	}

	excess := len(keys) - maxEntries
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	for _, key := range keys[:excess] {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		deleted, err := p.Delete(ctx, key)
		if err != nil {
			return removed, types.WrapError(err, "failed to prune entry")
		}

		if deleted {
			removed++
		}
	}

	return removed, nil
}
