package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-edge/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// FastHTTPServer serves a single handler on one listener. The edge runs two of
// them: the data plane and the control plane.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	name            string
	logger          types.Logger
	metrics         types.MetricsManager
	handler         fasthttp.RequestHandler
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	tlsManager      types.TLSManager
	state           atomic.Value
	shutdownTimeout time.Duration
	mu              sync.RWMutex
	done            chan struct{}
}

func NewHTTPServer(
	ctx context.Context,
	name string,
	httpConfig *types.HTTPConfig,
	handler fasthttp.RequestHandler,
	tlsManager types.TLSManager,
	logger types.Logger,
	metrics types.MetricsManager) (*FastHTTPServer, error) {
	if httpConfig == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "%s server http config", name)
	}

	if handler == nil {
		return nil, types.ErrHandlerIsNil
	}

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := 5 * time.Second
	if httpConfig.ShutdownTimeout > 0 {
		shutdownTimeout = time.Duration(httpConfig.ShutdownTimeout) * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		name:            name,
		logger:          logger,
		metrics:         metrics,
		handler:         handler,
		httpConfig:      httpConfig,
		tlsManager:      tlsManager,
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	handler := h.handler
	if h.tlsManager != nil {
		handler = h.tlsManager.ChallengeHandler(handler)
	}

	server := &fasthttp.Server{
		Name:                         "sai-edge",
		Handler:                      handler,
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		MaxRequestBodySize:           h.httpConfig.MaxBodySize,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	var (
		listener net.Listener
		err      error
	)

	if h.tlsManager != nil {
		listener, err = h.tlsManager.Listen(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}

	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "%s listener on %s: %v", h.name, addr, err)
	}

	done := make(chan struct{})

	h.mu.Lock()
	h.server = server
	h.listener = listener
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)

		if err := server.Serve(listener); err != nil {
			h.logger.Error("HTTP server failed", zap.String("server", h.name), zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)

	h.logger.Info("HTTP server started successfully",
		zap.String("server", h.name),
		zap.String("address", listener.Addr().String()),
		zap.Bool("tls", h.tlsManager != nil))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	h.mu.RLock()
	server, done := h.server, h.done
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if server == nil {
			return nil
		}
		return server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		h.logger.Warn("Server stop timeout, some connections may not have closed gracefully",
			zap.String("server", h.name),
			zap.Error(err))
		return nil
	}

	if done != nil {
		<-done
	}

	h.logger.Info("HTTP server stopped gracefully", zap.String("server", h.name))
	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

// Addr returns the bound address once started, or the configured one.
func (h *FastHTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}
