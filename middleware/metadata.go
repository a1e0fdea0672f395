package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const RequestIDHeader = "X-Request-ID"

// MetadataMiddleware makes sure every request carries an X-Request-ID and
// echoes it on the response.
type MetadataMiddleware struct {
	name   string
	weight int
}

func NewMetadataMiddleware() *MetadataMiddleware {
	return &MetadataMiddleware{
		name:   "metadata",
		weight: 5,
	}
}

func (m *MetadataMiddleware) Name() string { return m.name }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	requestID := ctx.Request.Header.Peek(RequestIDHeader)
	if len(requestID) == 0 {
		ctx.Request.Header.Set(RequestIDHeader, uuid.NewString())
		requestID = ctx.Request.Header.Peek(RequestIDHeader)
	}

	id := string(requestID)
	ctx.SetUserValue("request_id", id)

	next(ctx)

	ctx.Response.Header.Set(RequestIDHeader, id)
}
