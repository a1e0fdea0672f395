package types

import (
	"time"
)

type ConfigManager interface {
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name          string               `yaml:"name" json:"name" validate:"required"`
	Version       string               `yaml:"version" json:"version" validate:"required"`
	Server        *ServerConfig        `yaml:"server" json:"server" validate:"required"`
	Control       *ControlConfig       `yaml:"control" json:"control"`
	Logger        *LoggerConfig        `yaml:"logger" json:"logger" validate:"required"`
	Origin        *OriginConfig        `yaml:"origin" json:"origin" validate:"required"`
	Client        *ClientConfig        `yaml:"client" json:"client"`
	Partitions    *PartitionsConfig    `yaml:"partitions" json:"partitions" validate:"required"`
	Classifier    *ClassifierConfig    `yaml:"classifier" json:"classifier" validate:"required"`
	Strategy      *StrategyConfig      `yaml:"strategy" json:"strategy" validate:"required"`
	Eviction      *EvictionConfig      `yaml:"eviction" json:"eviction" validate:"required"`
	Fallback      *FallbackConfig      `yaml:"fallback" json:"fallback" validate:"required"`
	Lifecycle     *LifecycleConfig     `yaml:"lifecycle" json:"lifecycle" validate:"required"`
	Notifications *NotificationsConfig `yaml:"notifications" json:"notifications"`
	Sync          *SyncConfig          `yaml:"sync" json:"sync"`
	Cron          *CronConfig          `yaml:"cron" json:"cron"`
	Metrics       *MetricsConfig       `yaml:"metrics" json:"metrics"`
	Health        *HealthConfig        `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodySize     int    `yaml:"max_body_size" json:"max_body_size" validate:"min=0"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

// ControlConfig describes the operator listener that carries messages,
// pushes, sync triggers, health and metrics.
type ControlConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	HTTP    *HTTPConfig `yaml:"http" json:"http" validate:"required_if=Enabled true"`
	Token   string      `yaml:"token" json:"token"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// OriginConfig ties the public address browsers use to the upstream that
// actually serves the marketplace.
type OriginConfig struct {
	URL       string `yaml:"url" json:"url" validate:"required,url"`
	PublicURL string `yaml:"public_url" json:"public_url" validate:"required,url"`
}

type ClientConfig struct {
	DefaultTimeout      time.Duration         `yaml:"default_timeout" json:"default_timeout"`
	MaxConnsPerHost     int                   `yaml:"max_conns_per_host" json:"max_conns_per_host" validate:"min=0"`
	MaxIdleConnDuration time.Duration         `yaml:"max_idle_conn_duration" json:"max_idle_conn_duration"`
	MaxResponseBodySize int                   `yaml:"max_response_body_size" json:"max_response_body_size" validate:"min=0"`
	UserAgent           string                `yaml:"user_agent" json:"user_agent"`
	CircuitBreaker      *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"required_if=Enabled true,min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type PartitionsConfig struct {
	Namespace string       `yaml:"namespace" json:"namespace"`
	Store     *StoreConfig `yaml:"store" json:"store" validate:"required"`
}

type StoreConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type ClassifierConfig struct {
	StaticExtensions   []string `yaml:"static_extensions" json:"static_extensions"`
	ImageExtensions    []string `yaml:"image_extensions" json:"image_extensions"`
	APIPrefixes        []string `yaml:"api_prefixes" json:"api_prefixes"`
	AuthenticatedPaths []string `yaml:"authenticated_paths" json:"authenticated_paths"`
	ExcludedDomains    []string `yaml:"excluded_domains" json:"excluded_domains"`
	// ExternalHosts lists the third-party hosts the data plane may fetch.
	// A leading dot also admits subdomains.
	ExternalHosts []string `yaml:"external_hosts" json:"external_hosts"`
}

type StrategyConfig struct {
	APITimeout           time.Duration `yaml:"api_timeout" json:"api_timeout" validate:"gt=0"`
	PageTimeout          time.Duration `yaml:"page_timeout" json:"page_timeout" validate:"gt=0"`
	AuthenticatedTimeout time.Duration `yaml:"authenticated_timeout" json:"authenticated_timeout" validate:"gt=0"`
	ExternalTimeout      time.Duration `yaml:"external_timeout" json:"external_timeout" validate:"gt=0"`
	RefreshTimeout       time.Duration `yaml:"refresh_timeout" json:"refresh_timeout" validate:"gt=0"`
}

// EvictionConfig holds the FIFO ceilings per partition. Zero means uncapped.
type EvictionConfig struct {
	Static              int `yaml:"static" json:"static" validate:"min=0"`
	DynamicCacheFirst   int `yaml:"dynamic_cache_first" json:"dynamic_cache_first" validate:"min=0"`
	DynamicNetworkFirst int `yaml:"dynamic_network_first" json:"dynamic_network_first" validate:"min=0"`
	API                 int `yaml:"api" json:"api" validate:"min=0"`
}

type FallbackConfig struct {
	OfflineDocument string   `yaml:"offline_document" json:"offline_document" validate:"required"`
	StaticPrefixes  []string `yaml:"static_prefixes" json:"static_prefixes"`
}

type LifecycleConfig struct {
	InstallManifest  []string      `yaml:"install_manifest" json:"install_manifest"`
	ExternalManifest []string      `yaml:"external_manifest" json:"external_manifest"`
	SkipWaiting      bool          `yaml:"skip_waiting" json:"skip_waiting"`
	InstallTimeout   time.Duration `yaml:"install_timeout" json:"install_timeout" validate:"gt=0"`
	Concurrency      int           `yaml:"concurrency" json:"concurrency" validate:"min=1"`
}

type NotificationsConfig struct {
	Icon      string           `yaml:"icon" json:"icon"`
	Badge     string           `yaml:"badge" json:"badge"`
	Publisher *PublisherConfig `yaml:"publisher" json:"publisher"`
}

type PublisherConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Config interface{} `yaml:"config" json:"config"`
}

type SyncConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Schedule  string `yaml:"schedule" json:"schedule" validate:"required_if=Enabled true"`
	QueueSize int    `yaml:"queue_size" json:"queue_size" validate:"min=0"`
}

type CronConfig struct {
	Timezone string `yaml:"timezone" json:"timezone"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
