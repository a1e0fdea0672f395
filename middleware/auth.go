package middleware

import (
	"bytes"
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

const TokenHeader = "X-Edge-Token"

var bearerPrefix = []byte("Bearer ")

// AuthMiddleware guards the control plane with a shared token, accepted in
// X-Edge-Token or as an Authorization bearer. An empty token disables it.
type AuthMiddleware struct {
	logger  types.Logger
	metrics types.MetricsManager
	token    []byte
	public   map[string]struct{}
	patterns [][]string
	name     string
	weight  int
}

func NewAuthMiddleware(token string, publicPaths []string, logger types.Logger, metrics types.MetricsManager) *AuthMiddleware {
	public := make(map[string]struct{}, len(publicPaths))
	var patterns [][]string
	for _, path := range publicPaths {
		if strings.Contains(path, "{") {
			patterns = append(patterns, splitPath(path))
			continue
		}
		public[path] = struct{}{}
	}

	return &AuthMiddleware{
		name:     "auth",
		weight:   40,
		logger:   logger,
		metrics:  metrics,
		token:    []byte(token),
		public:   public,
		patterns: patterns,
	}
}

func (a *AuthMiddleware) Name() string { return a.name }
func (a *AuthMiddleware) Weight() int  { return a.weight }

func (a *AuthMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	if len(a.token) == 0 {
		next(ctx)
		return
	}

	if a.isPublic(string(ctx.Path())) {
		next(ctx)
		return
	}

	if subtle.ConstantTimeCompare(presentedToken(ctx), a.token) == 1 {
		next(ctx)
		return
	}

	a.logger.Warn("Authentication failed",
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", getRemoteAddr(ctx)),
		zap.Error(types.ErrAuthTokenInvalid))

	if a.metrics != nil {
		a.metrics.Counter("http_auth_failures_total", nil).Inc()
	}

	utils.CreateUnauthorizedResponse(ctx)
}

// isPublic matches exact paths and patterns whose {name} segments accept
// any single non-empty segment.
func (a *AuthMiddleware) isPublic(path string) bool {
	if _, ok := a.public[path]; ok {
		return true
	}

	segments := splitPath(path)
	for _, pattern := range a.patterns {
		if matchSegments(pattern, segments) {
			return true
		}
	}
	return false
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, p := range pattern {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if p != segments[i] {
			return false
		}
	}
	return true
}

func presentedToken(ctx *fasthttp.RequestCtx) []byte {
	if token := ctx.Request.Header.Peek(TokenHeader); len(token) > 0 {
		return token
	}

	header := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)
	if !bytes.HasPrefix(header, bearerPrefix) {
		return nil
	}

	return bytes.TrimSpace(header[len(bearerPrefix):])
}
