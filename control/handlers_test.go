package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-edge/bgsync"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/server"
	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	messages []string
	synced   []string
	active   []*types.Notification
}

func (f *fakeLifecycle) HandleMessage(_ context.Context, raw []byte) error {
	var msg types.Message
	if err := utils.Unmarshal(raw, &msg); err != nil {
		return types.Errorf(types.ErrMessageInvalid, "%v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch msg.Type {
	case types.MessageSkipWaiting:
		f.messages = append(f.messages, msg.Type)
		return nil
	case types.MessageCacheURLs:
		return types.Errorf(types.ErrCacheURLsFailed, "%s: network failure", msg.URLs[0])
	}
	return types.Errorf(types.ErrUnknownMessage, "type: %s", msg.Type)
}

func (f *fakeLifecycle) Push(_ context.Context, payload *types.PushPayload) (*types.Notification, error) {
	if payload.Title == "" {
		return nil, types.ErrPushPayloadInvalid
	}

	n := &types.Notification{ID: "n-1", Title: payload.Title, Body: payload.Body, Data: payload.Data}

	f.mu.Lock()
	f.active = append(f.active, n)
	f.mu.Unlock()

	return n, nil
}

func (f *fakeLifecycle) NotificationClick(_ context.Context, id, action string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, n := range f.active {
		if n.ID != id {
			continue
		}
		f.active = append(f.active[:i], f.active[i+1:]...)
		if action != "" && action != "open" {
			return "", nil
		}
		return n.URL(), nil
	}

	return "", types.Errorf(types.ErrNotificationNotFound, "id: %s", id)
}

func (f *fakeLifecycle) Sync(_ context.Context, tag string) error {
	if tag != types.SyncTagBackground {
		return types.Errorf(types.ErrUnknownSyncTag, "tag: %s", tag)
	}

	f.mu.Lock()
	f.synced = append(f.synced, tag)
	f.mu.Unlock()

	return nil
}

func (f *fakeLifecycle) VersionInfo(context.Context) *types.VersionInfo {
	return &types.VersionInfo{
		Version:     "v2",
		State:       types.WorkerActivated,
		Controlling: true,
		Partitions:  map[string]string{"static": "indicai-static-v2"},
	}
}

func (f *fakeLifecycle) Active() []*types.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Notification(nil), f.active...)
}

type staticHealth struct {
	status types.HealthStatus
}

func (s staticHealth) Check(context.Context) types.HealthReport {
	return types.HealthReport{Status: s.status, Timestamp: time.Now()}
}

type fixedJobs struct{}

func (fixedJobs) Jobs() []types.JobEntry {
	return []types.JobEntry{{Name: "background-sync", Spec: "@every 1m"}}
}

type fixture struct {
	lifecycle *fakeLifecycle
	queue     *bgsync.MemoryQueue
	handler   fasthttp.RequestHandler
	health    *staticHealth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	lifecycle := &fakeLifecycle{}
	queue := bgsync.NewMemoryQueue(1)
	health := &staticHealth{status: types.StatusHealthy}

	handlers, err := NewHandlers(context.Background(), Dependencies{
		Lifecycle:     lifecycle,
		Notifications: lifecycle,
		Queue:         queue,
		Health:        health,
		Jobs:          fixedJobs{},
	}, logger.NewNop())
	require.NoError(t, err)

	router := server.NewRouter()
	handlers.Register(router)

	return &fixture{
		lifecycle: lifecycle,
		queue:     queue,
		handler:   router.Handler(),
		health:    health,
	}
}

func (f *fixture) do(method, uri, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.Header.SetContentType("application/json")
		ctx.Request.SetBodyString(body)
	}

	f.handler(ctx)
	return ctx
}

func TestMessage(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/message", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, []string{"SKIP_WAITING"}, f.lifecycle.messages)

	ctx = f.do(fasthttp.MethodPost, "/message", `{"type":"CLAIM"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/message", `not json`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/message", `{"type":"CACHE_URLS","urls":["/necessidades/9"]}`)
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
}

func TestPushAndClickRedirects(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/push", `{"title":"Nova proposta","body":"Você recebeu uma proposta","data":{"url":"/necessidades/123"}}`)
	require.Equal(t, fasthttp.StatusCreated, ctx.Response.StatusCode())

	var shown types.Notification
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &shown))
	assert.Equal(t, "n-1", shown.ID)

	ctx = f.do(fasthttp.MethodGet, "/notifications", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "Nova proposta")

	ctx = f.do(fasthttp.MethodGet, "/notifications/n-1/click?action=open", "")
	assert.Equal(t, fasthttp.StatusSeeOther, ctx.Response.StatusCode())
	assert.Equal(t, "/necessidades/123", string(ctx.Response.Header.Peek(fasthttp.HeaderLocation)))

	ctx = f.do(fasthttp.MethodGet, "/notifications/n-1/click", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestClickWithOtherActionOpensNothing(t *testing.T) {
	f := newFixture(t)

	f.do(fasthttp.MethodPost, "/push", `{"title":"Nova proposta"}`)

	ctx := f.do(fasthttp.MethodGet, "/notifications/n-1/click?action=dismiss", "")
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
}

func TestPushRejectsBadPayload(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/push", `{"body":"sem título"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/push", `{`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestSync(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/sync/background-sync", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, []string{"background-sync"}, f.lifecycle.synced)

	ctx = f.do(fasthttp.MethodPost, "/sync/periodic", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodPost, "/queue", `{"method":"POST","url":"https://indicai.com.br/api/propostas/"}`)
	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `"queued":1`)
	assert.Equal(t, 1, f.queue.Len())

	ctx = f.do(fasthttp.MethodPost, "/queue", `{"method":"POST","url":"https://indicai.com.br/api/propostas/"}`)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodPost, "/queue", `{"method":"BREW","url":"https://indicai.com.br/"}`)
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestVersionHealthAndJobs(t *testing.T) {
	f := newFixture(t)

	ctx := f.do(fasthttp.MethodGet, "/version", "")
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var info types.VersionInfo
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &info))
	assert.Equal(t, "v2", info.Version)
	assert.True(t, info.Controlling)
	assert.Equal(t, "indicai-static-v2", info.Partitions["static"])

	ctx = f.do(fasthttp.MethodGet, "/health", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	f.health.status = types.StatusUnhealthy
	ctx = f.do(fasthttp.MethodGet, "/health", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())

	ctx = f.do(fasthttp.MethodGet, "/jobs", "")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "background-sync")

	ctx = f.do(fasthttp.MethodGet, "/metrics", "")
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestNewHandlersNeedsLifecycle(t *testing.T) {
	_, err := NewHandlers(context.Background(), Dependencies{}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}
