package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// Manager fetches upstream responses over fasthttp and keeps one circuit
// breaker per upstream host.
type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   types.Logger
	metrics  types.MetricsManager
	config   *types.ClientConfig
	client   *fasthttp.Client
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	state    atomic.Value
}

type fetchResult struct {
	snapshot *types.Snapshot
	err      error
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Manager, error) {
	clientConfig := config.GetConfig().Client
	if clientConfig == nil {
		clientConfig = &types.ClientConfig{DefaultTimeout: 15 * time.Second}
	}

	return NewManagerWithConfig(ctx, clientConfig, logger, metrics), nil
}

func NewManagerWithConfig(ctx context.Context, clientConfig *types.ClientConfig, logger types.Logger, metrics types.MetricsManager) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  clientConfig,
		client: &fasthttp.Client{
			Name:                     clientConfig.UserAgent,
			MaxConnsPerHost:          clientConfig.MaxConnsPerHost,
			MaxIdleConnDuration:      clientConfig.MaxIdleConnDuration,
			MaxResponseBodySize:      clientConfig.MaxResponseBodySize,
			NoDefaultUserAgentHeader: clientConfig.UserAgent == "",
			DisablePathNormalizing:   true,
		},
		breakers: make(map[string]*CircuitBreaker),
	}

	manager.state.Store(ManagerStateStopped)

	return manager
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(ManagerStateRunning)
	m.logger.Info("Client manager started",
		zap.Duration("default_timeout", m.config.DefaultTimeout))

	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(ManagerStateStopped)
		m.cancel()
	}()

	m.client.CloseIdleConnections()
	m.logger.Info("Client manager stopped")

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

// Fetch performs req against its upstream. Transport failures, timeouts and
// open breakers are returned as errors wrapping types.ErrNetworkFailure; any
// HTTP status, including 5xx, is a response.
func (m *Manager) Fetch(ctx context.Context, req *types.Request) (*types.Snapshot, error) {
	if !m.IsRunning() {
		return nil, types.Errorf(types.ErrNetworkFailure, "client is not running")
	}

	host := hostKey(req)
	breaker := m.breaker(host)

	if !breaker.CanExecute() {
		m.record(host, "breaker_open", 0)
		return nil, fmt.Errorf("%w: %w: %s", types.ErrNetworkFailure, types.ErrCircuitBreakerOpen, host)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.config.DefaultTimeout)
	}

	start := time.Now()
	done := make(chan fetchResult, 1)

	go func() {
		snapshot, err := m.do(req, deadline)

		switch {
		case IsCircuitBreakerFailure(statusOf(snapshot), err):
			breaker.RecordFailure()
		default:
			breaker.RecordSuccess()
		}

		done <- fetchResult{snapshot: snapshot, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.record(host, "error", time.Since(start))
			m.logger.Debug("Upstream fetch failed",
				zap.String("url", req.Target().String()),
				zap.Error(res.err))
			return nil, res.err
		}

		m.record(host, "success", time.Since(start))
		return res.snapshot, nil

	case <-ctx.Done():
		m.record(host, "timeout", time.Since(start))
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %w: %s", types.ErrNetworkFailure, types.ErrNetworkTimeout, req.Target())
		}
		return nil, fmt.Errorf("%w: %w", types.ErrNetworkFailure, ctx.Err())

	case <-m.ctx.Done():
		return nil, types.Errorf(types.ErrNetworkFailure, "client shutting down")
	}
}

func (m *Manager) do(r *types.Request, deadline time.Time) (*types.Snapshot, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	buildRequest(req, r, m.config.UserAgent)

	if err := m.client.DoDeadline(req, resp, deadline); err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w: %v", types.ErrNetworkFailure, types.ErrNetworkTimeout, err)
		}
		return nil, types.Errorf(types.ErrNetworkFailure, "%v", err)
	}

	return readSnapshot(resp), nil
}

// BreakerStates maps each upstream host seen so far to its breaker state.
func (m *Manager) BreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for host, cb := range m.breakers {
		states[host] = cb.GetStateString()
	}
	return states
}

func (m *Manager) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]string, 0, len(m.breakers))
	for host := range m.breakers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (m *Manager) breaker(host string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[host]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok = m.breakers[host]; ok {
		return cb
	}

	cb = NewCircuitBreaker(m.config.CircuitBreaker, m.logger, host)
	m.breakers[host] = cb

	return cb
}

func (m *Manager) record(host, result string, duration time.Duration) {
	m.metrics.Counter("client_requests_total", map[string]string{
		"host":   host,
		"result": result,
	}).Inc()

	if duration > 0 {
		m.metrics.Histogram("client_request_duration_seconds", nil, map[string]string{
			"host": host,
		}).Observe(duration.Seconds())
	}
}

func statusOf(snapshot *types.Snapshot) int {
	if snapshot == nil {
		return 0
	}
	return snapshot.Status
}

func (m *Manager) getState() ManagerState {
	return m.state.Load().(ManagerState)
}

func (m *Manager) setState(newState ManagerState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to ManagerState) bool {
	return m.state.CompareAndSwap(from, to)
}
