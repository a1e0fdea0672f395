package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-edge/utils"
)

var methodIndex = map[string]uint8{
	"GET":     0,
	"POST":    1,
	"PUT":     2,
	"DELETE":  3,
	"PATCH":   4,
	"HEAD":    5,
	"OPTIONS": 6,
}

type compiledRoute struct {
	methodIdx  uint8
	pattern    string
	handler    fasthttp.RequestHandler
	paramNames []string
	segments   []string
}

// Router dispatches on method and path. Static paths are an exact map lookup;
// patterns with `{name}` or `:name` segments are matched in registration order
// and their values are exposed through ctx.UserValue(name).
type Router struct {
	mu             sync.RWMutex
	staticRoutes   map[string]fasthttp.RequestHandler
	compiledRoutes []*compiledRoute
	notFound       fasthttp.RequestHandler
}

func NewRouter() *Router {
	return &Router{
		staticRoutes: make(map[string]fasthttp.RequestHandler),
		notFound: func(ctx *fasthttp.RequestCtx) {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "Not Found", "No route for "+string(ctx.Method())+" "+string(ctx.Path()))
		},
	}
}

func (r *Router) Add(method, path string, handler fasthttp.RequestHandler) {
	methodIdx, exists := methodIndex[method]
	if !exists || handler == nil {
		return
	}

	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.ContainsAny(path, "{:") {
		r.staticRoutes[method+":"+path] = handler
		return
	}

	r.compiledRoutes = append(r.compiledRoutes, &compiledRoute{
		methodIdx:  methodIdx,
		pattern:    path,
		handler:    handler,
		paramNames: extractParamNames(path),
		segments:   parsePathSegments(path),
	})
}

func (r *Router) GET(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodGet, path, handler)
}

func (r *Router) POST(path string, handler fasthttp.RequestHandler) {
	r.Add(fasthttp.MethodPost, path, handler)
}

func (r *Router) NotFound(handler fasthttp.RequestHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	r.notFound = handler
	r.mu.Unlock()
}

// Routes lists every registered route as "METHOD path", sorted.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]string, 0, len(r.staticRoutes)+len(r.compiledRoutes))
	for key := range r.staticRoutes {
		method, path, _ := strings.Cut(key, ":")
		routes = append(routes, method+" "+path)
	}

	for _, route := range r.compiledRoutes {
		routes = append(routes, methodName(route.methodIdx)+" "+route.pattern)
	}

	sort.Strings(routes)
	return routes
}

func (r *Router) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		path := normalizePath(utils.BytesToString(ctx.Path()))

		if handler := r.findStaticRoute(method, path); handler != nil {
			handler(ctx)
			return
		}

		if handler, params := r.findDynamicRoute(method, path); handler != nil {
			for name, value := range params {
				ctx.SetUserValue(name, value)
			}
			handler(ctx)
			return
		}

		r.mu.RLock()
		notFound := r.notFound
		r.mu.RUnlock()

		notFound(ctx)
	}
}

func (r *Router) findStaticRoute(method, path string) fasthttp.RequestHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.staticRoutes[method+":"+path]
}

func (r *Router) findDynamicRoute(method, path string) (fasthttp.RequestHandler, map[string]string) {
	methodIdx, exists := methodIndex[method]
	if !exists {
		return nil, nil
	}

	pathSegments := parsePathSegments(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.compiledRoutes {
		if route.methodIdx != methodIdx {
			continue
		}
		if params, ok := matchRoute(pathSegments, route); ok {
			return route.handler, params
		}
	}

	return nil, nil
}

func matchRoute(pathSegments []string, route *compiledRoute) (map[string]string, bool) {
	if len(pathSegments) != len(route.segments) {
		return nil, false
	}

	params := make(map[string]string, len(route.paramNames))
	paramIdx := 0

	for i, routeSegment := range route.segments {
		if isParamSegment(routeSegment) {
			if pathSegments[i] == "" {
				return nil, false
			}
			if paramIdx < len(route.paramNames) {
				params[route.paramNames[paramIdx]] = pathSegments[i]
				paramIdx++
			}
		} else if routeSegment != pathSegments[i] {
			return nil, false
		}
	}

	return params, true
}

func isParamSegment(segment string) bool {
	return strings.HasPrefix(segment, "{") || strings.HasPrefix(segment, ":")
}

func parsePathSegments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return []string{}
	}

	return strings.Split(path, "/")
}

func extractParamNames(pattern string) []string {
	var params []string

	for _, seg := range parsePathSegments(pattern) {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			params = append(params, seg[1:len(seg)-1])
		} else if strings.HasPrefix(seg, ":") {
			params = append(params, seg[1:])
		}
	}

	return params
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}

func methodName(idx uint8) string {
	for name, i := range methodIndex {
		if i == idx {
			return name
		}
	}
	return ""
}

// PathParam returns a route parameter captured by the router.
func PathParam(ctx *fasthttp.RequestCtx, name string) string {
	value, _ := ctx.UserValue(name).(string)
	return value
}
