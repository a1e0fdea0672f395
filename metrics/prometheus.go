package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

// helpTexts documents the series the edge emits. Unknown names get a
// generic description built from the name.
var helpTexts = map[string]string{
	"proxy_responses_total":            "Data plane responses by source and result.",
	"strategy_results_total":           "Strategy executions by strategy and outcome.",
	"fallback_responses_total":         "Synthesized fallback responses by kind.",
	"cache_operations_total":           "Partition store operations by partition and result.",
	"cache_operation_duration_seconds": "Partition store operation latency.",
	"cache_evictions_total":            "Entries removed by FIFO pruning.",
	"client_requests_total":            "Upstream fetches by host and result.",
	"client_request_duration_seconds":  "Upstream fetch latency.",
	"lifecycle_installs_total":         "Install runs by result.",
	"lifecycle_activations_total":      "Activation runs by result.",
	"lifecycle_precache_total":         "Precache fetches during install and CACHE_URLS.",
	"lifecycle_messages_total":         "Control messages by type.",
	"lifecycle_syncs_total":            "Sync hook runs by tag and result.",
	"notifications_total":              "Notifications shown and clicked.",
	"notifications_active":             "Notifications currently shown.",
	"sync_queue_length":                "Requests waiting in the offline queue.",
	"sync_replays_total":               "Queued requests replayed by result.",
	"tls_certificate_expiry_days":      "Days until the served certificate expires.",
	"edge_info":                        "Constant 1, labelled with the edge name and version.",
}

// promLogger routes promhttp gather errors into the service logger.
type promLogger struct {
	logger types.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error("Failed to gather metrics", zap.String("error", fmt.Sprint(v...)))
}

func helpFor(kind, name string) string {
	if help, ok := helpTexts[name]; ok {
		return help
	}
	return kind + " " + strings.ReplaceAll(name, "_", " ")
}

type PrometheusMetrics struct {
	logger   types.Logger
	config   *PrometheusConfig
	registry *prometheus.Registry
	vecs     map[string]prometheus.Collector
	handler  fasthttp.RequestHandler
	mu       sync.Mutex
	running  int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	var promConfig = &PrometheusConfig{
		Namespace:       "sai_edge",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config != nil && config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, promConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: promConfig.Namespace}),
		)
	}

	metrics := &PrometheusMetrics{
		logger:   logger,
		config:   promConfig,
		registry: registry,
		vecs:     make(map[string]prometheus.Collector),
		handler: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog:      promLogger{logger},
			ErrorHandling: promhttp.ContinueOnError,
		})),
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Handler() fasthttp.RequestHandler {
	return p.handler
}

// vec returns the collector registered under name, creating it with build
// on first use. Label names are fixed by the first caller; later callers
// must pass the same label set.
func (p *PrometheusMetrics) vec(name string, build func() prometheus.Collector) prometheus.Collector {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.vecs[name]; ok {
		return c
	}

	c := build()
	if err := p.registry.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = already.ExistingCollector
		} else {
			p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
		}
	}

	p.vecs[name] = c
	return c
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	c := p.vec(name, func() prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        helpFor("Counter", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusCounter{logger: p.logger, counter: c.(*prometheus.CounterVec), labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	c := p.vec(name, func() prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        helpFor("Gauge", name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusGauge{logger: p.logger, gauge: c.(*prometheus.GaugeVec), labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	c := p.vec(name, func() prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        helpFor("Histogram", name),
			Buckets:     buckets,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	return &PrometheusHistogram{histogram: c.(*prometheus.HistogramVec), labels: labels}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	logger  types.Logger
	counter *prometheus.CounterVec
	labels  map[string]string
}

func (c *PrometheusCounter) Inc()              { c.counter.With(c.labels).Inc() }
func (c *PrometheusCounter) Add(value float64) { c.counter.With(c.labels).Add(value) }

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.With(c.labels).Write(metric); err != nil {
		c.logger.Error("Failed to read counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  *prometheus.GaugeVec
	labels map[string]string
}

func (g *PrometheusGauge) Set(value float64) { g.gauge.With(g.labels).Set(value) }
func (g *PrometheusGauge) Inc()              { g.gauge.With(g.labels).Inc() }
func (g *PrometheusGauge) Dec()              { g.gauge.With(g.labels).Dec() }
func (g *PrometheusGauge) Add(value float64) { g.gauge.With(g.labels).Add(value) }
func (g *PrometheusGauge) Sub(value float64) { g.gauge.With(g.labels).Sub(value) }

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.With(g.labels).Write(metric); err != nil {
		g.logger.Error("Failed to read gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram *prometheus.HistogramVec
	labels    map[string]string
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.With(h.labels).Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) snapshot() *dto.Histogram {
	metric, ok := h.histogram.With(h.labels).(prometheus.Metric)
	if !ok {
		return nil
	}

	out := &dto.Metric{}
	if err := metric.Write(out); err != nil {
		return nil
	}

	return out.GetHistogram()
}

func (h *PrometheusHistogram) GetCount() uint64 {
	return h.snapshot().GetSampleCount()
}

func (h *PrometheusHistogram) GetSum() float64 {
	return h.snapshot().GetSampleSum()
}
