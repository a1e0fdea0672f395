package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/cache"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

var errOffline = fmt.Errorf("%w: connection refused", types.ErrNetworkFailure)

// fakeFetcher answers with a per-call function so tests can vary the
// response between the first fetch and the background refresh.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	respond func(call int, req *types.Request) (*types.Snapshot, error)
	delay   time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Snapshot, error) {
	call := int(f.calls.Add(1))

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.respond(call, req)
}

func page(status int, body string) *types.Snapshot {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	return &types.Snapshot{Status: status, Header: header, Body: []byte(body), StoredAt: time.Now()}
}

func versioned(call int, _ *types.Request) (*types.Snapshot, error) {
	return page(http.StatusOK, fmt.Sprintf("v%d", call)), nil
}

type fixture struct {
	engine     *Engine
	partitions *cache.Manager
	fetcher    *fakeFetcher
}

func newFixture(t *testing.T, respond func(int, *types.Request) (*types.Snapshot, error)) *fixture {
	t.Helper()

	partitions := cache.NewManagerWithStore(context.Background(), cache.NewMemoryStore(), "indicai", "v1", logger.NewNop(), metrics.NewNop())
	require.NoError(t, partitions.Start())

	fetcher := &fakeFetcher{respond: respond}
	engine := NewEngine(fetcher, partitions, &types.StrategyConfig{RefreshTimeout: time.Second}, logger.NewNop(), metrics.NewNop())

	t.Cleanup(engine.Wait)

	return &fixture{engine: engine, partitions: partitions, fetcher: fetcher}
}

func (f *fixture) partition(kind types.PartitionKind) types.Partition {
	return f.partitions.Partition(kind)
}

func request(t *testing.T, path string) *types.Request {
	t.Helper()
	req, err := types.NewRequest("GET", "http://localhost:8080"+path)
	require.NoError(t, err)
	return req
}

func TestCacheFirstServesCacheAndRefreshes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, versioned)
	p := f.partition(types.PartitionStatic)
	req := request(t, "/static/css/main.css")

	res, err := f.engine.CacheFirst(ctx, req, p, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.SourceNetwork, res.Source)
	assert.Equal(t, "v1", string(res.Snapshot.Body))

	f.fetcher.delay = 300 * time.Millisecond

	start := time.Now()
	res, err = f.engine.CacheFirst(ctx, req, p, Options{})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.Equal(t, "v1", string(res.Snapshot.Body))
	assert.Less(t, elapsed, 100*time.Millisecond, "a hit must not wait for the refresh")

	f.engine.Wait()

	cached, found, err := p.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", string(cached.Body))
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(int, *types.Request) (*types.Snapshot, error) {
		return page(http.StatusNotFound, "missing"), nil
	})
	p := f.partition(types.PartitionDynamic)
	req := request(t, "/static/img/gone.png")

	res, err := f.engine.CacheFirst(ctx, req, p, Options{MaxEntries: 100})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Snapshot.Status)

	n, err := p.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCacheFirstMissOffline(t *testing.T) {
	f := newFixture(t, func(int, *types.Request) (*types.Snapshot, error) {
		return nil, errOffline
	})

	_, err := f.engine.CacheFirst(context.Background(), request(t, "/static/js/app.js"), f.partition(types.PartitionStatic), Options{})
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}

func TestCacheFirstRefreshFailureKeepsEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(call int, req *types.Request) (*types.Snapshot, error) {
		if call == 1 {
			return page(http.StatusOK, "logo"), nil
		}
		return nil, errOffline
	})
	p := f.partition(types.PartitionDynamic)
	req := request(t, "/static/img/logo.png")

	_, err := f.engine.CacheFirst(ctx, req, p, Options{})
	require.NoError(t, err)

	res, err := f.engine.CacheFirst(ctx, req, p, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)

	f.engine.Wait()

	cached, found, err := p.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "logo", string(cached.Body))
}

func TestNetworkFirstOnlineStores(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, versioned)
	p := f.partition(types.PartitionDynamic)
	req := request(t, "/necessidades/123/")

	res, err := f.engine.NetworkFirst(ctx, req, p, Options{Timeout: time.Second, MaxEntries: 120})
	require.NoError(t, err)
	assert.Equal(t, types.SourceNetwork, res.Source)

	f.engine.Wait()

	cached, found, err := p.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.Snapshot.Body, cached.Body)
}

func TestNetworkFirstTimeoutFallsBackToCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, versioned)
	p := f.partition(types.PartitionAPI)
	req := request(t, "/api/needs/")

	require.NoError(t, p.Put(ctx, req.Key(), page(http.StatusOK, "stale")))

	f.fetcher.delay = 200 * time.Millisecond

	start := time.Now()
	res, err := f.engine.NetworkFirst(ctx, req, p, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.Equal(t, "stale", string(res.Snapshot.Body))
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	f.engine.Wait()

	cached, found, err := p.Match(ctx, req.Key())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", string(cached.Body), "late network response still lands in the cache")
}

func TestNetworkFirstTimeoutWithoutCache(t *testing.T) {
	f := newFixture(t, versioned)
	f.fetcher.delay = 200 * time.Millisecond

	_, err := f.engine.NetworkFirst(context.Background(), request(t, "/api/slow/"), f.partition(types.PartitionAPI), Options{Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, types.ErrNetworkTimeout)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}

func TestNetworkFirstErrorUsesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(int, *types.Request) (*types.Snapshot, error) {
		return nil, errOffline
	})
	p := f.partition(types.PartitionDynamic)
	req := request(t, "/necessidades/123/")

	require.NoError(t, p.Put(ctx, req.Key(), page(http.StatusOK, "cached page")))

	res, err := f.engine.NetworkFirst(ctx, req, p, Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.Equal(t, "cached page", string(res.Snapshot.Body))

	_, err = f.engine.NetworkFirst(ctx, request(t, "/necessidades/456/"), p, Options{Timeout: time.Second})
	assert.True(t, errors.Is(err, errOffline))
}

func TestNetworkFirstPrunesToCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, versioned)
	p := f.partition(types.PartitionAPI)

	for i := 0; i < 5; i++ {
		_, err := f.engine.NetworkFirst(ctx, request(t, fmt.Sprintf("/api/items/%d/", i)), p, Options{Timeout: time.Second, MaxEntries: 3})
		require.NoError(t, err)
		f.engine.Wait()
	}

	keys, err := p.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://localhost:8080/api/items/2/",
		"http://localhost:8080/api/items/3/",
		"http://localhost:8080/api/items/4/",
	}, keys)
}

func TestExecuteRoutesByDecision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, versioned)

	res, err := f.engine.Execute(ctx, request(t, "/static/css/main.css"), types.Decision{
		Strategy:  types.StrategyCacheFirst,
		Partition: types.PartitionStatic,
	})
	require.NoError(t, err)
	assert.Equal(t, types.SourceNetwork, res.Source)

	_, err = f.engine.Execute(ctx, request(t, "/"), types.Decision{
		Strategy:  types.StrategyBypass,
		Partition: types.PartitionDynamic,
	})
	assert.ErrorIs(t, err, types.ErrStrategyUnknown)

	_, err = f.engine.Execute(ctx, request(t, "/"), types.Decision{
		Strategy:  types.StrategyNetworkFirst,
		Partition: types.PartitionKind("images"),
	})
	assert.ErrorIs(t, err, types.ErrPartitionUnknown)
}
