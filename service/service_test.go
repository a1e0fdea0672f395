package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/middleware"
	"github.com/saiset-co/sai-edge/proxy"
	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

func newOrigin() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/offline.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<h1>Você está offline</h1>")
		case "/", "/necessidades/123":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<h1>"+r.URL.Path+"</h1>")
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig(t *testing.T, originURL string) *types.ServiceConfig {
	t.Helper()

	dataPort := freePort(t)

	cfg := config.NewLoader().Defaults()
	cfg.Version = "v2"
	cfg.Logger.Level = "error"
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = dataPort
	cfg.Control.HTTP.Port = freePort(t)
	cfg.Control.Token = "s3cret"
	cfg.Origin.URL = originURL
	cfg.Origin.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", dataPort)
	cfg.Lifecycle.InstallManifest = []string{"/", "/offline.html"}
	cfg.Lifecycle.ExternalManifest = nil
	cfg.Client.CircuitBreaker.Enabled = false

	return cfg
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if token != "" {
		req.Header.Set(middleware.TokenHeader, token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestServiceServesVisitedPagesOffline(t *testing.T) {
	origin := newOrigin()
	defer origin.Close()

	svc, err := NewServiceWithConfig(context.Background(), testConfig(t, origin.URL))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	require.Eventually(t, svc.IsRunning, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, svc.Controller().Controlling, 5*time.Second, 10*time.Millisecond)

	data := "http://" + svc.DataAddr()
	control := "http://" + svc.ControlAddr()

	resp := get(t, data+"/necessidades/123", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "network", resp.Header.Get(proxy.SourceHeader))
	assert.Equal(t, "v2", resp.Header.Get(proxy.VersionHeader))
	assert.Equal(t, "<h1>/necessidades/123</h1>", body(t, resp))

	resp = get(t, control+"/version", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, control+"/version", "s3cret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	version := body(t, resp)
	assert.Contains(t, version, `"controlling":true`)
	assert.Contains(t, version, "indicai-static-v2")

	resp = get(t, control+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	push, err := http.NewRequest(http.MethodPost, control+"/push", strings.NewReader(`{"title":"Nova proposta","data":{"url":"/necessidades/123"}}`))
	require.NoError(t, err)
	push.Header.Set("Content-Type", "application/json")
	push.Header.Set(middleware.TokenHeader, "s3cret")
	resp, err = http.DefaultClient.Do(push)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var shown types.Notification
	require.NoError(t, utils.Unmarshal([]byte(body(t, resp)), &shown))
	_ = resp.Body.Close()

	noRedirect := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = noRedirect.Get(control + "/notifications/" + shown.ID + "/click")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode, "clicks are followed by browsers without the token")
	assert.Equal(t, "/necessidades/123", resp.Header.Get("Location"))

	resp = get(t, control+"/jobs", "s3cret")
	assert.Contains(t, body(t, resp), jobBackgroundSync)

	resp = get(t, control+"/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), "proxy_responses_total")

	origin.Close()

	assert.Eventually(t, func() bool {
		resp := get(t, data+"/necessidades/123", "")
		return resp.Header.Get(proxy.SourceHeader) == "cache" &&
			strings.Contains(body(t, resp), "/necessidades/123")
	}, 5*time.Second, 50*time.Millisecond)

	resp = get(t, data+"/necessidades/999", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fallback", resp.Header.Get(proxy.SourceHeader))
	assert.Contains(t, body(t, resp), "offline")

	require.NoError(t, svc.Stop())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.False(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestNewServiceRejectsMissingConfig(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)

	_, err = NewService(context.Background(), "does-not-exist.yml")
	assert.Error(t, err)
}

func TestNewServiceWithConfigValidates(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Origin = nil

	_, err := NewServiceWithConfig(context.Background(), cfg)
	assert.Error(t, err)
}
