package proxy

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/strategy"
	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

const (
	SourceHeader  = "X-Edge-Source"
	VersionHeader = "X-Edge-Version"
)

// skipped when copying headers in either direction; fasthttp owns them.
var ownedHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Host":              {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

var (
	httpPrefix  = []byte("http://")
	httpsPrefix = []byte("https://")
)

type Classifier interface {
	Classify(req *types.Request) types.Decision
	IsAllowedHost(host string) bool
}

type Executor interface {
	Execute(ctx context.Context, req *types.Request, decision types.Decision) (*strategy.Result, error)
}

type FallbackResolver interface {
	Resolve(ctx context.Context, req *types.Request, decision types.Decision, cause error) (*types.Snapshot, error)
}

type Gate interface {
	Controlling() bool
}

// Handler is the data plane. Each browser request is classified and either
// forwarded untouched or answered through a caching strategy, with the
// fallback resolver standing in when both network and cache fail.
type Handler struct {
	ctx        context.Context
	public     *url.URL
	upstream   *url.URL
	version    string
	classifier Classifier
	executor   Executor
	fallback   FallbackResolver
	fetcher    types.Fetcher
	gate       Gate
	logger     types.Logger
	metrics    types.MetricsManager
}

func NewHandler(
	ctx context.Context,
	origin *types.OriginConfig,
	version string,
	classifier Classifier,
	executor Executor,
	fallback FallbackResolver,
	fetcher types.Fetcher,
	gate Gate,
	logger types.Logger,
	metrics types.MetricsManager) (*Handler, error) {
	if origin == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "origin")
	}

	public, err := url.Parse(origin.PublicURL)
	if err != nil || public.Host == "" {
		return nil, types.Errorf(types.ErrConfigParseFailed, "origin.public_url %q", origin.PublicURL)
	}

	upstream, err := url.Parse(origin.URL)
	if err != nil || upstream.Host == "" {
		return nil, types.Errorf(types.ErrConfigParseFailed, "origin.url %q", origin.URL)
	}

	return &Handler{
		ctx:        ctx,
		public:     public,
		upstream:   upstream,
		version:    version,
		classifier: classifier,
		executor:   executor,
		fallback:   fallback,
		fetcher:    fetcher,
		gate:       gate,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

func (h *Handler) Handle(ctx *fasthttp.RequestCtx) {
	req, err := h.buildRequest(ctx)
	if err != nil {
		h.logger.Warn("Rejected unparseable request",
			zap.ByteString("uri", ctx.Request.RequestURI()),
			zap.Error(err))
		utils.WriteError(ctx, fasthttp.StatusBadRequest, "Bad Request", "Request URL could not be parsed")
		return
	}

	// Only the public origin and configured third parties are reachable,
	// cached or not.
	if !req.SameOrigin && !h.classifier.IsAllowedHost(req.URL.Hostname()) {
		h.logger.Warn("Rejected request for foreign host",
			zap.String("host", req.URL.Host),
			zap.String("remote_addr", ctx.RemoteAddr().String()))
		h.count(types.SourceRejected, "forbidden")
		utils.WriteError(ctx, fasthttp.StatusMisdirectedRequest, "Misdirected Request", "Host is not served by this edge")
		h.stamp(ctx, types.SourceRejected)
		return
	}

	// RequestCtx is recycled once Handle returns, while strategies may keep
	// working on detached goroutines. They get a context of their own.
	reqCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	decision := h.classifier.Classify(req)

	if decision.Bypass || !h.gate.Controlling() {
		h.passThrough(reqCtx, ctx, req)
		return
	}

	result, err := h.executor.Execute(reqCtx, req, decision)
	if err == nil {
		h.write(ctx, result.Snapshot, result.Source)
		return
	}

	snapshot, fallbackErr := h.fallback.Resolve(reqCtx, req, decision, err)
	if fallbackErr != nil || snapshot == nil {
		h.logger.Warn("No response available",
			zap.String("url", req.Key()),
			zap.String("kind", string(decision.Kind)),
			zap.Error(err))
		h.count(types.SourceFallback, "unresolved")
		utils.CreateBadGatewayResponse(ctx)
		h.stamp(ctx, types.SourceFallback)
		return
	}

	h.write(ctx, snapshot, types.SourceFallback)
}

func (h *Handler) passThrough(reqCtx context.Context, ctx *fasthttp.RequestCtx, req *types.Request) {
	snapshot, err := h.fetcher.Fetch(reqCtx, req)
	if err != nil {
		h.logger.Debug("Upstream failed for bypassed request",
			zap.String("method", req.Method),
			zap.String("url", req.Key()),
			zap.Error(err))
		h.count(types.SourceBypass, "error")
		utils.CreateBadGatewayResponse(ctx)
		h.stamp(ctx, types.SourceBypass)
		return
	}

	h.write(ctx, snapshot, types.SourceBypass)
}

func (h *Handler) write(ctx *fasthttp.RequestCtx, snapshot *types.Snapshot, source types.ResponseSource) {
	ctx.Response.Reset()
	ctx.SetStatusCode(snapshot.Status)

	for name, values := range snapshot.Header {
		if _, owned := ownedHeaders[http.CanonicalHeaderKey(name)]; owned {
			continue
		}
		for _, value := range values {
			ctx.Response.Header.Add(name, value)
		}
	}

	if snapshot.Header.Get("Content-Type") == "" {
		ctx.Response.Header.SetNoDefaultContentType(true)
	}

	ctx.SetBody(snapshot.Body)

	h.stamp(ctx, source)
	h.count(source, "ok")
}

func (h *Handler) stamp(ctx *fasthttp.RequestCtx, source types.ResponseSource) {
	ctx.Response.Header.Set(SourceHeader, string(source))
	ctx.Response.Header.Set(VersionHeader, h.version)
}

func (h *Handler) count(source types.ResponseSource, result string) {
	h.metrics.Counter("proxy_responses_total", map[string]string{
		"source": string(source),
		"result": result,
	}).Inc()
}

// buildRequest derives the cache identity: absolute-form URIs are used as
// sent, the public host keeps the public scheme, other hosts follow the
// listener scheme.
func (h *Handler) buildRequest(ctx *fasthttp.RequestCtx) (*types.Request, error) {
	uri := ctx.Request.Header.RequestURI()

	var rawURL string

	switch {
	case bytes.HasPrefix(uri, httpPrefix) || bytes.HasPrefix(uri, httpsPrefix):
		rawURL = string(uri)

	default:
		host := string(ctx.Request.Header.Host())
		scheme := "http"
		if ctx.IsTLS() {
			scheme = "https"
		}

		if host == "" || strings.EqualFold(host, h.public.Host) {
			host = h.public.Host
			scheme = h.public.Scheme
		}

		rawURL = scheme + "://" + host + string(uri)
	}

	req, err := types.NewRequest(string(ctx.Method()), rawURL)
	if err != nil {
		return nil, err
	}

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if _, owned := ownedHeaders[http.CanonicalHeaderKey(name)]; owned {
			return
		}
		req.Header.Add(name, string(value))
	})

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		if body := ctx.PostBody(); len(body) > 0 {
			req.Body = append([]byte(nil), body...)
		}
	}

	req.Rebase(h.public, h.upstream)

	return req, nil
}
