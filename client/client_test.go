package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

func newTestManager(t *testing.T, breaker *types.CircuitBreakerConfig) *Manager {
	t.Helper()

	m := NewManagerWithConfig(context.Background(), &types.ClientConfig{
		DefaultTimeout: 2 * time.Second,
		UserAgent:      "sai-edge-test",
		CircuitBreaker: breaker,
	}, logger.NewNop(), metrics.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func newRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest("GET", rawURL)
	require.NoError(t, err)
	return req
}

func TestFetchReturnsSnapshot(t *testing.T) {
	var gotHost, gotAgent, gotCookie string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotAgent = r.UserAgent()
		gotCookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte("<h1>Necessidade 123</h1>"))
	}))
	defer srv.Close()

	upstream, err := url.Parse(srv.URL + "/necessidades/123/")
	require.NoError(t, err)

	req := newRequest(t, "https://indicai.com.br/necessidades/123/")
	req.Upstream = upstream
	req.Header.Set("Cookie", "sessionid=abc")
	req.Header.Set("Connection", "keep-alive")

	m := newTestManager(t, nil)
	snap, err := m.Fetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, snap.Status)
	assert.Equal(t, "<h1>Necessidade 123</h1>", string(snap.Body))
	assert.Equal(t, "DENY", snap.Header.Get("X-Frame-Options"))
	assert.Empty(t, snap.Header.Get("Content-Length"))
	assert.False(t, snap.StoredAt.IsZero())

	assert.Equal(t, "indicai.com.br", gotHost)
	assert.Equal(t, "sai-edge-test", gotAgent)
	assert.Equal(t, "sessionid=abc", gotCookie)
}

func TestFetchServerErrorIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	snap, err := m.Fetch(context.Background(), newRequest(t, srv.URL+"/api/status/"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, snap.Status)
	assert.False(t, snap.OK())
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	m := newTestManager(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Fetch(ctx, newRequest(t, srv.URL+"/api/slow/"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.ErrorIs(t, err, types.ErrNetworkTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	addr := closedAddr(t)

	m := newTestManager(t, &types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
		HalfOpenRequests: 1,
	})

	for i := 0; i < 2; i++ {
		_, err := m.Fetch(context.Background(), newRequest(t, "http://"+addr+"/"))
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrNetworkFailure)
	}

	_, err := m.Fetch(context.Background(), newRequest(t, "http://"+addr+"/"))
	assert.ErrorIs(t, err, types.ErrCircuitBreakerOpen)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.Equal(t, "open", m.BreakerStates()[addr])
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(&types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenRequests: 1,
	}, logger.NewNop(), "origin")
	cb.now = func() time.Time { return now }

	require.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, "open", cb.GetStateString())
	assert.False(t, cb.CanExecute())

	now = now.Add(2 * time.Second)
	require.True(t, cb.CanExecute())
	assert.Equal(t, "half-open", cb.GetStateString())
	assert.False(t, cb.CanExecute())

	cb.RecordSuccess()
	assert.Equal(t, "closed", cb.GetStateString())
}

func TestFetchRequiresRunningManager(t *testing.T) {
	m := NewManagerWithConfig(context.Background(), &types.ClientConfig{DefaultTimeout: time.Second}, logger.NewNop(), metrics.NewNop())
	_, err := m.Fetch(context.Background(), newRequest(t, "http://127.0.0.1/"))
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}
