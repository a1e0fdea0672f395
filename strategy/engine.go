package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

type Options struct {
	Timeout    time.Duration
	MaxEntries int
}

type Result struct {
	Snapshot *types.Snapshot
	Source   types.ResponseSource
}

type fetchResult struct {
	snapshot *types.Snapshot
	err      error
}

// Engine runs the cache-first and network-first strategies. Work that must
// outlive the request (background refreshes, late network writes) runs on
// detached goroutines tracked by Wait.
type Engine struct {
	fetcher        types.Fetcher
	partitions     types.PartitionManager
	logger         types.Logger
	metrics        types.MetricsManager
	refreshTimeout time.Duration
	tasks          sync.WaitGroup
}

func NewEngine(fetcher types.Fetcher, partitions types.PartitionManager, config *types.StrategyConfig, logger types.Logger, metrics types.MetricsManager) *Engine {
	refreshTimeout := 30 * time.Second
	if config != nil && config.RefreshTimeout > 0 {
		refreshTimeout = config.RefreshTimeout
	}

	return &Engine{
		fetcher:        fetcher,
		partitions:     partitions,
		logger:         logger,
		metrics:        metrics,
		refreshTimeout: refreshTimeout,
	}
}

// Execute routes req to the strategy named by decision.
func (e *Engine) Execute(ctx context.Context, req *types.Request, decision types.Decision) (*Result, error) {
	partition := e.partitions.Partition(decision.Partition)
	if partition == nil {
		return nil, types.Errorf(types.ErrPartitionUnknown, "kind: %s", decision.Partition)
	}

	opts := Options{Timeout: decision.Timeout, MaxEntries: decision.MaxEntries}

	switch decision.Strategy {
	case types.StrategyCacheFirst:
		return e.CacheFirst(ctx, req, partition, opts)
	case types.StrategyNetworkFirst:
		return e.NetworkFirst(ctx, req, partition, opts)
	default:
		return nil, types.Errorf(types.ErrStrategyUnknown, "strategy: %s", decision.Strategy)
	}
}

// CacheFirst answers from the partition when possible and refreshes the
// entry in the background. Misses go to the network.
func (e *Engine) CacheFirst(ctx context.Context, req *types.Request, partition types.Partition, opts Options) (*Result, error) {
	if cached, found := e.lookup(ctx, req, partition); found {
		e.spawn(func() {
			e.refresh(ctx, req, partition, opts)
		})
		return e.result(types.StrategyCacheFirst, cached, types.SourceCache), nil
	}

	snapshot, err := e.fetcher.Fetch(ctx, req)
	if err != nil {
		e.count(types.StrategyCacheFirst, "error")
		return nil, err
	}

	if snapshot.OK() {
		e.store(ctx, req, partition, snapshot.Clone(), opts.MaxEntries)
	}

	return e.result(types.StrategyCacheFirst, snapshot, types.SourceNetwork), nil
}

// NetworkFirst races the network against opts.Timeout. When the timer wins
// or the network fails, the partition answers instead. The fetch itself is
// detached from the caller, so a late 2xx response still reaches the cache.
func (e *Engine) NetworkFirst(ctx context.Context, req *types.Request, partition types.Partition, opts Options) (*Result, error) {
	done := make(chan fetchResult, 1)

	e.spawn(func() {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.refreshTimeout)
		defer cancel()

		snapshot, err := e.fetcher.Fetch(fetchCtx, req)
		if err != nil {
			done <- fetchResult{err: err}
			return
		}

		var stored *types.Snapshot
		if snapshot.OK() {
			stored = snapshot.Clone()
		}

		done <- fetchResult{snapshot: snapshot}

		if stored != nil {
			e.store(fetchCtx, req, partition, stored, opts.MaxEntries)
		}
	})

	var timer <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timer = t.C
	}

	var cause error

	select {
	case res := <-done:
		if res.err == nil {
			return e.result(types.StrategyNetworkFirst, res.snapshot, types.SourceNetwork), nil
		}
		cause = res.err

	case <-timer:
		cause = fmt.Errorf("%w: %w: no response within %s", types.ErrNetworkFailure, types.ErrNetworkTimeout, opts.Timeout)
		e.logger.Debug("Network timed out, trying cache",
			zap.String("url", req.Key()),
			zap.Duration("timeout", opts.Timeout))

	case <-ctx.Done():
		e.count(types.StrategyNetworkFirst, "canceled")
		return nil, ctx.Err()
	}

	if cached, found := e.lookup(ctx, req, partition); found {
		return e.result(types.StrategyNetworkFirst, cached, types.SourceCache), nil
	}

	e.count(types.StrategyNetworkFirst, "error")
	return nil, cause
}

// Wait blocks until all detached refreshes and writes have finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

func (e *Engine) spawn(task func()) {
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		task()
	}()
}

func (e *Engine) refresh(ctx context.Context, req *types.Request, partition types.Partition, opts Options) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.refreshTimeout)
	defer cancel()

	snapshot, err := e.fetcher.Fetch(refreshCtx, req)
	if err != nil {
		e.logger.Debug("Background refresh failed",
			zap.String("url", req.Key()),
			zap.Error(err))
		return
	}

	if snapshot.OK() {
		e.store(refreshCtx, req, partition, snapshot, opts.MaxEntries)
	}
}

func (e *Engine) lookup(ctx context.Context, req *types.Request, partition types.Partition) (*types.Snapshot, bool) {
	snapshot, found, err := partition.Match(ctx, req.Key())
	if err != nil || !found {
		return nil, false
	}
	return snapshot, true
}

// store writes a 2xx snapshot and enforces the ceiling. Failures are logged
// and never reach the response.
func (e *Engine) store(ctx context.Context, req *types.Request, partition types.Partition, snapshot *types.Snapshot, maxEntries int) {
	if err := partition.Put(ctx, req.Key(), snapshot); err != nil {
		e.logger.Warn("Failed to store response",
			zap.String("partition", partition.Name()),
			zap.String("url", req.Key()),
			zap.Error(err))
		return
	}

	if maxEntries <= 0 {
		return
	}

	if _, err := e.partitions.Prune(ctx, partition, maxEntries); err != nil {
		e.logger.Warn("Failed to prune partition",
			zap.String("partition", partition.Name()),
			zap.Int("max_entries", maxEntries),
			zap.Error(err))
	}
}

func (e *Engine) result(strategy types.StrategyKind, snapshot *types.Snapshot, source types.ResponseSource) *Result {
	e.count(strategy, string(source))
	return &Result{Snapshot: snapshot, Source: source}
}

func (e *Engine) count(strategy types.StrategyKind, source string) {
	e.metrics.Counter("strategy_results_total", map[string]string{
		"strategy": string(strategy),
		"source":   source,
	}).Inc()
}
