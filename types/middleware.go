package types

import "github.com/valyala/fasthttp"

type MiddlewareManager interface {
	Register(middleware Middleware) error
	Wrap(handler fasthttp.RequestHandler) fasthttp.RequestHandler
	Names() []string
}

type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
	Name() string
	Weight() int
}
