package types

import (
	"github.com/valyala/fasthttp"
)

type HTTPServer interface {
	LifecycleManager
	Addr() string
}

type HTTPRouter interface {
	Add(method, path string, handler fasthttp.RequestHandler)
	GET(path string, handler fasthttp.RequestHandler)
	POST(path string, handler fasthttp.RequestHandler)
	Handler() fasthttp.RequestHandler
	Routes() []string
}
