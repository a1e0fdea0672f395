package server

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

func serve(t *testing.T, router *Router, path string, method string) *fasthttp.RequestCtx {
	t.Helper()

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)

	router.Handler()(ctx)
	return ctx
}

func TestRouterStaticAndParams(t *testing.T) {
	router := NewRouter()
	router.GET("/version", func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("v2") })
	router.GET("/notifications/{id}/click", func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("clicked " + PathParam(ctx, "id"))
	})
	router.POST("/sync/:tag", func(ctx *fasthttp.RequestCtx) {
		ctx.SetBodyString("sync " + PathParam(ctx, "tag"))
	})

	ctx := serve(t, router, "/version/", fasthttp.MethodGet)
	assert.Equal(t, "v2", string(ctx.Response.Body()))

	ctx = serve(t, router, "/notifications/abc-123/click?action=open", fasthttp.MethodGet)
	assert.Equal(t, "clicked abc-123", string(ctx.Response.Body()))

	ctx = serve(t, router, "/sync/background-sync", fasthttp.MethodPost)
	assert.Equal(t, "sync background-sync", string(ctx.Response.Body()))

	ctx = serve(t, router, "/sync/background-sync", fasthttp.MethodGet)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	ctx = serve(t, router, "/notifications//click", fasthttp.MethodGet)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	assert.Equal(t, []string{
		"GET /notifications/{id}/click",
		"GET /version",
		"POST /sync/:tag",
	}, router.Routes())
}

func TestRouterIgnoresUnknownMethods(t *testing.T) {
	router := NewRouter()
	router.Add("BREW", "/coffee", func(ctx *fasthttp.RequestCtx) {})

	assert.Empty(t, router.Routes())
}

func TestRouterCustomNotFound(t *testing.T) {
	router := NewRouter()
	router.NotFound(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusTeapot) })

	ctx := serve(t, router, "/anything", fasthttp.MethodGet)
	assert.Equal(t, fasthttp.StatusTeapot, ctx.Response.StatusCode())
}

func TestServerLifecycle(t *testing.T) {
	router := NewRouter()
	router.GET("/ping", func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("pong") })

	srv, err := NewHTTPServer(context.Background(), "control",
		&types.HTTPConfig{Host: "127.0.0.1", Port: 0},
		router.Handler(), nil, logger.NewNop(), metrics.NewNop())
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Stop(), types.ErrServerNotRunning)

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.ErrorIs(t, srv.Start(), types.ErrServerAlreadyRunning)

	resp, err := http.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewHTTPServer(context.Background(), "data", nil, func(*fasthttp.RequestCtx) {}, nil, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrConfigIsNil)

	_, err = NewHTTPServer(context.Background(), "data", &types.HTTPConfig{}, nil, nil, logger.NewNop(), metrics.NewNop())
	assert.ErrorIs(t, err, types.ErrHandlerIsNil)
}
