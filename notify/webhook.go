package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type WebhookConfig struct {
	URLs      []string          `json:"urls"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret"`
	TimeoutMs int               `json:"timeout_ms"`
}

// WebhookPublisher POSTs every event to each configured URL. When a secret
// is set the body is signed with HMAC-SHA256 in X-Signature.
type WebhookPublisher struct {
	logger  types.Logger
	metrics types.MetricsManager
	config  *WebhookConfig
	client  *fasthttp.Client
	timeout time.Duration
	state   atomic.Value
}

func NewWebhookPublisher(_ context.Context, config interface{}, logger types.Logger, metrics types.MetricsManager) (*WebhookPublisher, error) {
	webhookConfig := &WebhookConfig{
		TimeoutMs: 5000,
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, webhookConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal webhook publisher config")
		}
	}

	if len(webhookConfig.URLs) == 0 {
		return nil, types.Errorf(types.ErrConfigIsNil, "webhook publisher requires at least one url")
	}

	publisher := &WebhookPublisher{
		logger:  logger,
		metrics: metrics,
		config:  webhookConfig,
		client: &fasthttp.Client{
			Name:                "sai-edge-webhook",
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 30 * time.Second,
		},
		timeout: time.Duration(webhookConfig.TimeoutMs) * time.Millisecond,
	}

	publisher.state.Store(PublisherStateStopped)

	return publisher, nil
}

func (wp *WebhookPublisher) Start() error {
	if !wp.state.CompareAndSwap(PublisherStateStopped, PublisherStateRunning) {
		return types.ErrServerAlreadyRunning
	}

	wp.logger.Info("Webhook publisher started", zap.Strings("urls", wp.config.URLs))
	return nil
}

func (wp *WebhookPublisher) Stop() error {
	if !wp.state.CompareAndSwap(PublisherStateRunning, PublisherStateStopped) {
		return types.ErrServerNotRunning
	}

	wp.client.CloseIdleConnections()

	wp.logger.Info("Webhook publisher stopped")
	return nil
}

func (wp *WebhookPublisher) IsRunning() bool {
	return wp.state.Load().(PublisherState) == PublisherStateRunning
}

// Publish delivers event to every URL concurrently. It fails only when no
// delivery succeeded.
func (wp *WebhookPublisher) Publish(ctx context.Context, event *types.Event) error {
	if !wp.IsRunning() {
		return types.ErrNotifierNotRunning
	}

	body, err := utils.Marshal(event)
	if err != nil {
		return types.WrapError(err, "failed to marshal event")
	}

	var signature string
	if wp.config.Secret != "" {
		signature = "sha256=" + sign(wp.config.Secret, body)
	}

	g, gCtx := errgroup.WithContext(ctx)

	var delivered int32

	for _, target := range wp.config.URLs {
		target := target
		g.Go(func() error {
			if err := wp.deliver(gCtx, target, body, signature); err != nil {
				wp.logger.Warn("Webhook delivery failed",
					zap.String("url", target),
					zap.String("type", event.Type),
					zap.Error(err))
				wp.recordMetric("error")
				return nil
			}

			atomic.AddInt32(&delivered, 1)
			wp.recordMetric("success")
			return nil
		})
	}

	_ = g.Wait()

	if atomic.LoadInt32(&delivered) == 0 {
		return types.Errorf(types.ErrNotifierPublish, "no webhook accepted event %s", event.Type)
	}

	return nil
}

func (wp *WebhookPublisher) deliver(ctx context.Context, target string, body []byte, signature string) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for key, value := range wp.config.Headers {
		req.Header.Set(key, value)
	}
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	req.SetBody(body)

	deadline := time.Now().Add(wp.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := wp.client.DoDeadline(req, resp, deadline); err != nil {
		return types.WrapError(err, "webhook request failed")
	}

	if resp.StatusCode() >= fasthttp.StatusBadRequest {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode())
	}

	return nil
}

func (wp *WebhookPublisher) recordMetric(result string) {
	if wp.metrics == nil {
		return
	}

	wp.metrics.Counter("notify_webhook_deliveries_total", map[string]string{
		"result": result,
	}).Inc()
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
