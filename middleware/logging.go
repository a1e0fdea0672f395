package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

var durationBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10}

type LoggingMiddleware struct {
	logger   types.Logger
	metrics  types.MetricsManager
	server   string
	logLevel string
	name     string
	weight   int
}

// NewLoggingMiddleware logs every completed request of the named server.
// Successful requests are logged at logLevel, 4xx at warn and 5xx at error.
func NewLoggingMiddleware(server, logLevel string, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	if logLevel == "" {
		logLevel = "info"
	}

	return &LoggingMiddleware{
		name:     "logging",
		weight:   20,
		logger:   logger,
		metrics:  metrics,
		server:   server,
		logLevel: logLevel,
	}
}

func (l *LoggingMiddleware) Name() string { return l.name }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	start := time.Now()

	next(ctx)

	duration := time.Since(start)
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.String("server", l.server),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", getRemoteAddr(ctx)),
	}

	if requestID := ctx.Request.Header.Peek(RequestIDHeader); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if source := ctx.Response.Header.Peek("X-Edge-Source"); len(source) > 0 {
		fields = append(fields, zap.ByteString("source", source))
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logWithLevel("Request completed", fields...)
	}

	l.observe(ctx, status, duration)
}

func (l *LoggingMiddleware) observe(ctx *fasthttp.RequestCtx, status int, duration time.Duration) {
	if l.metrics == nil {
		return
	}

	l.metrics.Counter("http_requests_total", map[string]string{
		"server": l.server,
		"method": string(ctx.Method()),
		"status": strconv.Itoa(status/100) + "xx",
	}).Inc()

	l.metrics.Histogram("http_request_duration_seconds", durationBuckets, map[string]string{
		"server": l.server,
	}).Observe(duration.Seconds())
}

func (l *LoggingMiddleware) logWithLevel(msg string, fields ...zap.Field) {
	switch l.logLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

func getRemoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return forwarded
	}

	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}

	return ctx.RemoteIP().String()
}
