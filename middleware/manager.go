package middleware

import (
	"sort"
	"sync"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

const MaxMiddlewares = 64

// Manager keeps middlewares ordered by weight. The lowest weight is the
// outermost layer of the chain built by Wrap.
type Manager struct {
	logger      types.Logger
	middlewares []types.Middleware
	names       map[string]struct{}
	mu          sync.RWMutex
}

func NewManager(logger types.Logger) *Manager {
	return &Manager{
		logger: logger,
		names:  make(map[string]struct{}),
	}
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.names[middleware.Name()]; exists {
		return types.Errorf(types.ErrMiddlewareExists, "middleware: %s", middleware.Name())
	}

	if len(m.middlewares) >= MaxMiddlewares {
		return types.Errorf(types.ErrMiddlewareLimit, "max %d", MaxMiddlewares)
	}

	m.middlewares = append(m.middlewares, middleware)
	m.names[middleware.Name()] = struct{}{}

	sort.SliceStable(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})

	m.logger.Debug("Middleware registered",
		zap.String("name", middleware.Name()),
		zap.Int("weight", middleware.Weight()))

	return nil
}

// Wrap compiles the current chain around handler. Middlewares registered
// afterwards do not affect handlers that were already wrapped.
func (m *Manager) Wrap(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	m.mu.RLock()
	chain := make([]types.Middleware, len(m.middlewares))
	copy(chain, m.middlewares)
	m.mu.RUnlock()

	wrapped := handler
	for i := len(chain) - 1; i >= 0; i-- {
		middleware := chain[i]
		next := wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			middleware.Handle(ctx, next)
		}
	}

	return wrapped
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.middlewares))
	for _, middleware := range m.middlewares {
		names = append(names, middleware.Name())
	}

	return names
}
