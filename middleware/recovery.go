package middleware

import (
	"runtime"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type RecoveryMiddleware struct {
	logger     types.Logger
	metrics    types.MetricsManager
	stackTrace bool
	name       string
	weight     int
}

func NewRecoveryMiddleware(stackTrace bool, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		name:       "recovery",
		weight:     10,
		logger:     logger,
		metrics:    metrics,
		stackTrace: stackTrace,
	}
}

func (r *RecoveryMiddleware) Name() string { return r.name }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	defer func() {
		if rec := recover(); rec != nil {
			var stack string
			if r.stackTrace {
				stack = getStackTrace()
			}

			r.logPanic(rec, stack, ctx)

			if r.metrics != nil {
				r.metrics.Counter("http_panics_total", nil).Inc()
			}

			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func (r *RecoveryMiddleware) logPanic(rec interface{}, stack string, ctx *fasthttp.RequestCtx) {
	fields := []zap.Field{
		zap.Any("panic", rec),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.String("remote_addr", ctx.RemoteIP().String()),
	}

	if stack != "" {
		fields = append(fields, zap.String("stack", stack))
	}

	if requestID := ctx.Request.Header.Peek(RequestIDHeader); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	r.logger.Error("Recovered from panic", fields...)
}

func getStackTrace() string {
	buf := make([]byte, 4096)

	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= 65536 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*4)
	}
}
