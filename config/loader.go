package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-edge/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(types.ErrConfigNotFound, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(types.ErrConfigParseFailed, err.Error())
	}

	if err := l.Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%s", err.Error())
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-edge",
		Version: "v1.3.6",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "0.0.0.0",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
				MaxBodySize:     10 * 1024 * 1024,
			},
			TLS: &types.TLSConfig{
				Enabled:  false,
				CacheDir: "./certs",
			},
		},
		Control: &types.ControlConfig{
			Enabled: true,
			HTTP: &types.HTTPConfig{
				Host:            "127.0.0.1",
				Port:            8081,
				ReadTimeout:     10,
				WriteTimeout:    10,
				IdleTimeout:     60,
				ShutdownTimeout: 5,
				MaxBodySize:     1024 * 1024,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Origin: &types.OriginConfig{
			URL:       "http://127.0.0.1:8000",
			PublicURL: "http://localhost:8080",
		},
		Client: &types.ClientConfig{
			DefaultTimeout:      15 * time.Second,
			MaxConnsPerHost:     512,
			MaxIdleConnDuration: 90 * time.Second,
			MaxResponseBodySize: 32 * 1024 * 1024,
			UserAgent:           "sai-edge",
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 2,
			},
		},
		Partitions: &types.PartitionsConfig{
			Namespace: "indicai",
			Store: &types.StoreConfig{
				Type: "memory",
			},
		},
		Classifier: &types.ClassifierConfig{
			StaticExtensions:   []string{"css", "js", "woff2", "woff", "ttf", "eot", "otf"},
			ImageExtensions:    []string{"jpg", "jpeg", "png", "gif", "webp", "svg", "ico", "avif"},
			APIPrefixes:        []string{"/api/"},
			AuthenticatedPaths: []string{"/minha-conta/", "/users/", "/admin/", "/accounts/"},
			ExcludedDomains: []string{
				"googletagmanager.com",
				"google-analytics.com",
				"doubleclick.net",
				"googlesyndication.com",
				"fonts.googleapis.com",
				"fonts.gstatic.com",
				"connect.facebook.net",
				"maps.googleapis.com",
				"hotjar.com",
				"mercadopago.com",
			},
			ExternalHosts: []string{"cdn.jsdelivr.net", "cdnjs.cloudflare.com"},
		},
		Strategy: &types.StrategyConfig{
			APITimeout:           5 * time.Second,
			PageTimeout:          8 * time.Second,
			AuthenticatedTimeout: 8 * time.Second,
			ExternalTimeout:      5 * time.Second,
			RefreshTimeout:       30 * time.Second,
		},
		Eviction: &types.EvictionConfig{
			Static:              0,
			DynamicCacheFirst:   100,
			DynamicNetworkFirst: 120,
			API:                 80,
		},
		Fallback: &types.FallbackConfig{
			OfflineDocument: "/offline.html",
			StaticPrefixes:  []string{"/static/", "/media/"},
		},
		Lifecycle: &types.LifecycleConfig{
			InstallManifest: []string{
				"/",
				"/static/css/necessity-cards.css",
				"/static/css/mobile-navigation.css",
				"/static/js/performance-optimizations.js",
				"/static/img/logo.png",
				"/static/img/favicon.ico",
				"/offline.html",
				"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css",
				"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/js/bootstrap.bundle.min.js",
				"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.0.0-beta3/css/all.min.css",
			},
			SkipWaiting:    true,
			InstallTimeout: 60 * time.Second,
			Concurrency:    4,
		},
		Notifications: &types.NotificationsConfig{
			Icon:  "/static/img/logo.png",
			Badge: "/static/img/badge.png",
			Publisher: &types.PublisherConfig{
				Type: "log",
			},
		},
		Sync: &types.SyncConfig{
			Enabled:   true,
			Schedule:  "@every 1m",
			QueueSize: 1000,
		},
		Cron: &types.CronConfig{
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
		},
		Health: &types.HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
	}
}
