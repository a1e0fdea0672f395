package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/bgsync"
	"github.com/saiset-co/sai-edge/cache"
	"github.com/saiset-co/sai-edge/classifier"
	"github.com/saiset-co/sai-edge/client"
	"github.com/saiset-co/sai-edge/config"
	"github.com/saiset-co/sai-edge/control"
	"github.com/saiset-co/sai-edge/cron"
	"github.com/saiset-co/sai-edge/fallback"
	"github.com/saiset-co/sai-edge/health"
	"github.com/saiset-co/sai-edge/lifecycle"
	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/middleware"
	"github.com/saiset-co/sai-edge/notify"
	"github.com/saiset-co/sai-edge/proxy"
	"github.com/saiset-co/sai-edge/server"
	"github.com/saiset-co/sai-edge/strategy"
	"github.com/saiset-co/sai-edge/tls"
	"github.com/saiset-co/sai-edge/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	jobBackgroundSync = "background-sync"
	jobHealthProbe    = "health-probe"
)

type component struct {
	name    string
	manager types.LifecycleManager
}

// Service owns every component of the edge. Components are built once in
// dependency order, started in that order and stopped in reverse.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	signals         bool

	config     *config.ConfigurationManager
	logger     *logger.Manager
	metrics    *metrics.Manager
	partitions *cache.Manager
	fetcher    *client.Manager
	notifier   *notify.Center
	queue      *bgsync.MemoryQueue
	controller *lifecycle.Controller
	engine     *strategy.Engine
	tls        *tls.CertManager
	health     *health.Manager
	cron       *cron.Manager
	data       *server.FastHTTPServer
	control    *server.FastHTTPServer

	components []component
	started    []component
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, true)
}

// NewServiceWithConfig builds the service from an in-memory configuration.
// It does not install signal handlers.
func NewServiceWithConfig(ctx context.Context, cfg *types.ServiceConfig) (*Service, error) {
	configManager, err := config.NewStaticManager(ctx, cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return newService(ctx, configManager, false)
}

func newService(ctx context.Context, configManager *config.ConfigurationManager, signals bool) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
		signals:         signals,
		config:          configManager,
	}

	s.state.Store(StateStopped)

	if err := s.build(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return s, nil
}

func (s *Service) build() error {
	cfg := s.config.GetConfig()
	ctx := s.ctx

	public, err := url.Parse(cfg.Origin.PublicURL)
	if err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "origin.public_url: %v", err)
	}

	upstream, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "origin.url: %v", err)
	}

	s.logger, err = logger.NewManager(ctx, s.config)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}

	s.metrics, err = metrics.NewManager(ctx, s.config, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}

	s.partitions, err = cache.NewManager(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register partition manager")
	}

	s.fetcher, err = client.NewManager(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register client manager")
	}

	requestClassifier := classifier.New(cfg.Classifier, cfg.Strategy, cfg.Eviction)
	requestClassifier.AllowManifestHosts(cfg.Lifecycle.InstallManifest...)
	requestClassifier.AllowManifestHosts(cfg.Lifecycle.ExternalManifest...)

	s.notifier, err = notify.NewManager(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register notification center")
	}

	var flusher lifecycle.Flusher
	if cfg.Sync != nil && cfg.Sync.Enabled {
		s.queue = bgsync.NewMemoryQueue(cfg.Sync.QueueSize)
		flusher = bgsync.NewFlusher(s.queue, s.fetcher, public, upstream, s.logger, s.metrics)
	}

	s.controller, err = lifecycle.NewController(s.config, s.partitions, s.fetcher, requestClassifier, s.notifier, flusher, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register lifecycle controller")
	}

	s.engine = strategy.NewEngine(s.fetcher, s.partitions, cfg.Strategy, s.logger, s.metrics)

	resolver, err := fallback.NewResolver(cfg.Fallback, public, s.partitions, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register fallback resolver")
	}

	handler, err := proxy.NewHandler(ctx, cfg.Origin, cfg.Version, requestClassifier, s.engine, resolver, s.fetcher, s.controller, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register proxy handler")
	}

	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		s.tls, err = tls.NewCertManager(ctx, cfg.Server.TLS, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register TLS manager")
		}
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		s.health, err = health.NewManager(ctx, s.config, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}

		s.health.RegisterChecker("store", health.StoreChecker(s.partitions))
		s.health.RegisterChecker("origin", health.OriginChecker(s.fetcher, upstream.String(), s.fetcher))
		s.health.RegisterChecker("lifecycle", health.LifecycleChecker(s.controller))
	}

	s.cron, err = cron.NewManager(ctx, s.config, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register cron manager")
	}

	if err := s.registerJobs(cfg); err != nil {
		return err
	}

	dataChain, err := s.chain("data", "debug", "", nil)
	if err != nil {
		return err
	}

	var tlsManager types.TLSManager
	if s.tls != nil {
		tlsManager = s.tls
	}

	s.data, err = server.NewHTTPServer(ctx, "data", cfg.Server.HTTP, dataChain.Wrap(handler.Handle), tlsManager, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register data plane server")
	}

	if cfg.Control != nil && cfg.Control.Enabled {
		if err := s.buildControl(cfg); err != nil {
			return err
		}
	}

	s.components = []component{
		{"config", s.config},
		{"logger", s.logger},
		{"metrics", s.metrics},
		{"partitions", s.partitions},
		{"client", s.fetcher},
		{"strategy", drain{engine: s.engine}},
		{"notifications", s.notifier},
	}
	if s.tls != nil {
		s.components = append(s.components, component{"tls", s.tls})
	}
	if s.health != nil {
		s.components = append(s.components, component{"health", s.health})
	}
	s.components = append(s.components, component{"data", s.data})
	if s.control != nil {
		s.components = append(s.components, component{"control", s.control})
	}
	s.components = append(s.components, component{"cron", s.cron})

	return nil
}

func (s *Service) buildControl(cfg *types.ServiceConfig) error {
	deps := control.Dependencies{
		Lifecycle:     s.controller,
		Notifications: s.notifier,
		Jobs:          s.cron,
	}
	if s.queue != nil {
		deps.Queue = s.queue
	}
	if s.health != nil {
		deps.Health = s.health
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		deps.Metrics = s.metrics
	}

	handlers, err := control.NewHandlers(s.ctx, deps, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register control handlers")
	}

	router := server.NewRouter()
	handlers.Register(router)

	controlChain, err := s.chain("control", "info", cfg.Control.Token, []string{"/health", "/notifications/{id}/click"})
	if err != nil {
		return err
	}

	s.control, err = server.NewHTTPServer(s.ctx, "control", cfg.Control.HTTP, controlChain.Wrap(router.Handler()), nil, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register control plane server")
	}

	return nil
}

func (s *Service) chain(name, logLevel, token string, publicPaths []string) (*middleware.Manager, error) {
	chain := middleware.NewManager(s.logger)

	middlewares := []types.Middleware{
		middleware.NewMetadataMiddleware(),
		middleware.NewRecoveryMiddleware(true, s.logger, s.metrics),
		middleware.NewLoggingMiddleware(name, logLevel, s.logger, s.metrics),
	}
	if name == "control" {
		middlewares = append(middlewares, middleware.NewAuthMiddleware(token, publicPaths, s.logger, s.metrics))
	}

	for _, mw := range middlewares {
		if err := chain.Register(mw); err != nil {
			return nil, types.WrapError(err, fmt.Sprintf("failed to register %s middleware %s", name, mw.Name()))
		}
	}

	return chain, nil
}

func (s *Service) registerJobs(cfg *types.ServiceConfig) error {
	if cfg.Sync != nil && cfg.Sync.Enabled {
		err := s.cron.Add(jobBackgroundSync, cfg.Sync.Schedule, func(ctx context.Context) error {
			return s.controller.Sync(ctx, types.SyncTagBackground)
		})
		if err != nil {
			return types.WrapError(err, "failed to schedule background sync")
		}
	}

	if s.health != nil {
		err := s.cron.Add(jobHealthProbe, "@every 30s", func(ctx context.Context) error {
			s.health.Check(ctx)
			return nil
		})
		if err != nil {
			return types.WrapError(err, "failed to schedule health probe")
		}
	}

	return nil
}

// Start blocks until the service is stopped or its context ends.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	cfg := s.config.GetConfig()

	s.logger.Info("Starting service",
		zap.String("name", cfg.Name),
		zap.String("version", cfg.Version),
		zap.String("origin", cfg.Origin.URL),
		zap.String("public_url", cfg.Origin.PublicURL))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger.Error("Error while unwinding failed start", zap.Error(stopErr))
		}
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)

	if s.signals {
		s.setupSignalHandling()
	}

	s.wg.Add(2)
	go s.contextMonitor()
	go s.runLifecycle()

	s.logger.Info("Service started successfully")

	<-s.done
	s.wg.Wait()

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.setState(StateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// DataAddr is the data plane listen address, resolved once started.
func (s *Service) DataAddr() string {
	return s.data.Addr()
}

// ControlAddr is empty when the control plane is disabled.
func (s *Service) ControlAddr() string {
	if s.control == nil {
		return ""
	}
	return s.control.Addr()
}

func (s *Service) Controller() *lifecycle.Controller {
	return s.controller
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	for _, c := range s.components {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if err := c.manager.Start(); err != nil {
			return types.WrapError(err, "failed to start "+c.name)
		}

		s.started = append(s.started, c)
		s.logger.Debug("Component started", zap.String("component", c.name))
	}

	s.logger.Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Stopping service components...")

	var errs []error

	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]

		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully",
				zap.String("component", c.name))
			return types.NewErrorf("shutdown timeout at %s", c.name)
		default:
		}

		if err := c.manager.Stop(); err != nil {
			s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, err)
		}
	}

	s.started = nil

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	return nil
}

// runLifecycle installs the configured version once the servers accept
// traffic. Until activation every request is passed through.
func (s *Service) runLifecycle() {
	defer s.wg.Done()

	cfg := s.config.GetConfig()

	ctx, cancel := context.WithTimeout(s.ctx, cfg.Lifecycle.InstallTimeout)
	defer cancel()

	if err := s.controller.Run(ctx); err != nil {
		s.logger.Error("Lifecycle run failed",
			zap.String("version", cfg.Version),
			zap.String("state", string(s.controller.State())),
			zap.Error(err))
	}
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger.Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}

// drain lets background revalidations finish before the store closes.
type drain struct {
	engine *strategy.Engine
}

func (d drain) Start() error    { return nil }
func (d drain) IsRunning() bool { return true }

func (d drain) Stop() error {
	d.engine.Wait()
	return nil
}
