package health

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/cache"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

type statusFetcher struct {
	status int
	err    error
}

func (f statusFetcher) Fetch(context.Context, *types.Request) (*types.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Snapshot{Status: f.status, Header: http.Header{}}, nil
}

type worker struct {
	state       types.WorkerState
	controlling bool
}

func (w worker) State() types.WorkerState { return w.state }
func (w worker) Controlling() bool        { return w.controlling }

func newTestManager() *Manager {
	return newManager(context.Background(), types.ServiceInfo{Name: "sai-edge", Version: "v2"}, 200*time.Millisecond, logger.NewNop(), metrics.NewNop())
}

func TestCheckAggregates(t *testing.T) {
	hm := newTestManager()
	require.NoError(t, hm.Start())
	defer func() { _ = hm.Stop() }()

	partitions := cache.NewManagerWithStore(context.Background(), cache.NewMemoryStore(), "indicai", "v2", logger.NewNop(), metrics.NewNop())

	hm.RegisterChecker("store", StoreChecker(partitions))
	hm.RegisterChecker("origin", OriginChecker(statusFetcher{status: http.StatusOK}, "http://django:8000/", nil))
	hm.RegisterChecker("lifecycle", LifecycleChecker(worker{state: types.WorkerActivated, controlling: true}))

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, 3, report.Summary.Healthy)
	assert.Equal(t, "v2", report.Service.Version)
	assert.Len(t, hm.Last(), 3)
}

func TestCheckStatuses(t *testing.T) {
	hm := newTestManager()

	hm.RegisterChecker("origin", OriginChecker(statusFetcher{err: types.ErrCircuitBreakerOpen}, "http://django:8000/", nil))
	hm.RegisterChecker("lifecycle", LifecycleChecker(worker{state: types.WorkerWaiting}))

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.StatusUnhealthy, report.Checks["origin"].Status)
	assert.Equal(t, types.StatusUnknown, report.Checks["lifecycle"].Status)
	assert.Equal(t, 1, report.Summary.Unknown)
}

func TestOriginServerErrorIsUnhealthy(t *testing.T) {
	check := OriginChecker(statusFetcher{status: http.StatusBadGateway}, "http://django:8000/", nil)(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
	assert.Equal(t, http.StatusBadGateway, check.Details["status"])
}

func TestRedundantWorkerIsUnhealthy(t *testing.T) {
	check := LifecycleChecker(worker{state: types.WorkerRedundant})(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
}

func TestSlowAndPanickingChecks(t *testing.T) {
	hm := newTestManager()

	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	hm.RegisterChecker("broken", func(context.Context) types.HealthCheck {
		panic("nil store")
	})

	start := time.Now()
	report := hm.Check(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, types.StatusUnhealthy, report.Checks["broken"].Status)
	assert.Contains(t, report.Checks["broken"].Message, "nil store")
	assert.Equal(t, types.StatusUnhealthy, report.Status)
}

func TestParseBuildInfoFile(t *testing.T) {
	info := &BuildInfo{}
	parseBuildInfoFile("# release\nGIT_COMMIT=0123456789abcdef\nGIT_BRANCH=main\nBUILD_TIME=2026-03-01T10:00:00Z\nbroken line\n", info)

	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "main", info.Branch)
	assert.Equal(t, 2026, info.BuildTime.Year())
}
