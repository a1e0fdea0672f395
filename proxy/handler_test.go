package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-edge/cache"
	"github.com/saiset-co/sai-edge/classifier"
	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/fallback"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/strategy"
	"github.com/saiset-co/sai-edge/types"
)

type switchFetcher struct {
	mu      sync.Mutex
	offline bool
	sent    []*types.Request
}

func (f *switchFetcher) Fetch(_ context.Context, req *types.Request) (*types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, req)

	if f.offline {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", types.ErrNetworkFailure)
	}

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Connection", "keep-alive")

	return &types.Snapshot{
		Status: http.StatusOK,
		Header: header,
		Body:   []byte("<h1>" + req.Method + " " + req.URL.Path + "</h1>"),
	}, nil
}

func (f *switchFetcher) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *switchFetcher) last() *types.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeGate struct {
	controlling bool
}

func (g *fakeGate) Controlling() bool { return g.controlling }

type fixture struct {
	handler    *Handler
	engine     *strategy.Engine
	partitions *cache.Manager
	fetcher    *switchFetcher
	gate       *fakeGate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.NewLoader().Defaults()
	cfg.Version = "v2"
	cfg.Origin.PublicURL = "https://indicai.com.br"
	cfg.Origin.URL = "http://django:8000"

	public, err := url.Parse(cfg.Origin.PublicURL)
	require.NoError(t, err)

	partitions := cache.NewManagerWithStore(context.Background(), cache.NewMemoryStore(), cfg.Partitions.Namespace, cfg.Version, logger.NewNop(), metrics.NewNop())
	require.NoError(t, partitions.Start())

	fetcher := &switchFetcher{}
	gate := &fakeGate{controlling: true}

	engine := strategy.NewEngine(fetcher, partitions, cfg.Strategy, logger.NewNop(), metrics.NewNop())

	resolver, err := fallback.NewResolver(cfg.Fallback, public, partitions, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)

	handler, err := NewHandler(context.Background(), cfg.Origin, cfg.Version,
		classifier.New(cfg.Classifier, cfg.Strategy, cfg.Eviction),
		engine, resolver, fetcher, gate, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)

	return &fixture{
		handler:    handler,
		engine:     engine,
		partitions: partitions,
		fetcher:    fetcher,
		gate:       gate,
	}
}

func (f *fixture) page(path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.SetHost("indicai.com.br")
	ctx.Request.Header.Set("Accept", "text/html,application/xhtml+xml")

	f.handler.Handle(ctx)
	f.engine.Wait()

	return ctx
}

func (f *fixture) total(t *testing.T) int {
	t.Helper()

	total := 0
	for _, kind := range types.PartitionKinds {
		n, err := f.partitions.Partition(kind).Len(context.Background())
		require.NoError(t, err)
		total += n
	}
	return total
}

func source(ctx *fasthttp.RequestCtx) string {
	return string(ctx.Response.Header.Peek(SourceHeader))
}

func TestVisitedPageIsServedOffline(t *testing.T) {
	f := newFixture(t)

	online := f.page("/necessidades/123")
	require.Equal(t, fasthttp.StatusOK, online.Response.StatusCode())
	assert.Equal(t, "network", source(online))
	assert.Equal(t, "v2", string(online.Response.Header.Peek(VersionHeader)))
	assert.Equal(t, "http://django:8000/necessidades/123", f.fetcher.last().Target().String())

	body := append([]byte(nil), online.Response.Body()...)

	f.fetcher.setOffline(true)

	offline := f.page("/necessidades/123")
	assert.Equal(t, fasthttp.StatusOK, offline.Response.StatusCode())
	assert.Equal(t, "cache", source(offline))
	assert.Equal(t, body, offline.Response.Body())
	assert.Equal(t, "text/html; charset=utf-8", string(offline.Response.Header.ContentType()))
}

func TestUnvisitedPageGetsOfflineDocument(t *testing.T) {
	f := newFixture(t)

	offlineDoc := &types.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:   []byte("<h1>Você está offline</h1>"),
	}
	require.NoError(t, f.partitions.Partition(types.PartitionStatic).Put(context.Background(), "https://indicai.com.br/offline.html", offlineDoc))

	f.fetcher.setOffline(true)

	ctx := f.page("/necessidades/456")
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "fallback", source(ctx))
	assert.Equal(t, "<h1>Você está offline</h1>", string(ctx.Response.Body()))
}

func TestExcludedHostIsNeverCached(t *testing.T) {
	f := newFixture(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("https://www.googletagmanager.com/gtag/js?id=G-123")

	f.handler.Handle(ctx)
	f.engine.Wait()

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "bypass", source(ctx))
	assert.Equal(t, "https://www.googletagmanager.com/gtag/js?id=G-123", f.fetcher.last().Target().String())
	assert.False(t, f.fetcher.last().SameOrigin)
	assert.Zero(t, f.total(t))
}

func TestForeignHostIsRejected(t *testing.T) {
	f := newFixture(t)

	for _, controlling := range []bool{true, false} {
		f.gate.controlling = controlling

		ctx := &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod(fasthttp.MethodGet)
		ctx.Request.SetRequestURI("/latest/meta-data/iam/")
		ctx.Request.Header.SetHost("169.254.169.254")

		f.handler.Handle(ctx)
		f.engine.Wait()

		assert.Equal(t, fasthttp.StatusMisdirectedRequest, ctx.Response.StatusCode())
		assert.Equal(t, "rejected", source(ctx))

		ctx = &fasthttp.RequestCtx{}
		ctx.Request.Header.SetMethod(fasthttp.MethodGet)
		ctx.Request.SetRequestURI("http://localhost:6379/")

		f.handler.Handle(ctx)
		f.engine.Wait()

		assert.Equal(t, fasthttp.StatusMisdirectedRequest, ctx.Response.StatusCode())
	}

	assert.Empty(t, f.fetcher.sent)
	assert.Zero(t, f.total(t))
}

func TestConfiguredExternalHostIsCached(t *testing.T) {
	f := newFixture(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css")

	f.handler.Handle(ctx)
	f.engine.Wait()

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "network", source(ctx))
	assert.Equal(t, 1, f.total(t))
}

func TestNothingIsCachedBeforeControlling(t *testing.T) {
	f := newFixture(t)
	f.gate.controlling = false

	ctx := f.page("/necessidades/123")
	assert.Equal(t, "bypass", source(ctx))
	assert.Zero(t, f.total(t))
}

func TestBypassUpstreamFailureIs502(t *testing.T) {
	f := newFixture(t)
	f.gate.controlling = false
	f.fetcher.setOffline(true)

	ctx := f.page("/necessidades/123")
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
	assert.Equal(t, "bypass", source(ctx))
	assert.Contains(t, string(ctx.Response.Body()), `"error":"Bad Gateway"`)
}

func TestOfflineAPIGetsJSONFallback(t *testing.T) {
	f := newFixture(t)
	f.fetcher.setOffline(true)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/api/necessidades/?page=2")
	ctx.Request.Header.SetHost("indicai.com.br")
	ctx.Request.Header.Set("Accept", "application/json")
	ctx.Request.Header.Set("Sec-Fetch-Mode", "cors")

	f.handler.Handle(ctx)
	f.engine.Wait()

	assert.Equal(t, fasthttp.StatusServiceUnavailable, ctx.Response.StatusCode())
	assert.Equal(t, "fallback", source(ctx))
	assert.Contains(t, string(ctx.Response.Body()), `"offline":true`)
}

func TestUnresolvedFailureIs502(t *testing.T) {
	f := newFixture(t)
	f.fetcher.setOffline(true)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("https://cdn.jsdelivr.net/npm/widgets/data")
	ctx.Request.Header.Set("Accept", "*/*")
	ctx.Request.Header.Set("Sec-Fetch-Mode", "cors")

	f.handler.Handle(ctx)
	f.engine.Wait()

	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
	assert.Equal(t, "fallback", source(ctx))
	assert.Contains(t, string(ctx.Response.Body()), `"error":"Bad Gateway"`)
}

func TestNonGetIsForwardedWithBody(t *testing.T) {
	f := newFixture(t)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/api/propostas/")
	ctx.Request.Header.SetHost("indicai.com.br")
	ctx.Request.Header.SetContentType("application/json")
	ctx.Request.SetBodyString(`{"valor":250}`)

	f.handler.Handle(ctx)
	f.engine.Wait()

	assert.Equal(t, "bypass", source(ctx))

	sent := f.fetcher.last()
	assert.Equal(t, "POST", sent.Method)
	assert.Equal(t, "http://django:8000/api/propostas/", sent.Target().String())
	assert.Equal(t, `{"valor":250}`, string(sent.Body))
	assert.Equal(t, "application/json", sent.Header.Get("Content-Type"))
	assert.Zero(t, f.total(t))
}

func TestNewHandlerValidatesOrigin(t *testing.T) {
	_, err := NewHandler(context.Background(), nil, "v2", nil, nil, nil, nil, nil, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrConfigIsNil)

	_, err = NewHandler(context.Background(), &types.OriginConfig{URL: "http://django:8000", PublicURL: "indicai"}, "v2", nil, nil, nil, nil, nil, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)
}
