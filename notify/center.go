package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

const (
	defaultIcon  = "/static/img/logo.png"
	defaultBadge = "/static/img/badge.png"
)

// Center keeps the notifications currently shown and publishes every
// notification and page event through the configured publisher.
type Center struct {
	config    *types.NotificationsConfig
	version   string
	publisher types.EventPublisher
	logger    types.Logger
	metrics   types.MetricsManager

	mu     sync.RWMutex
	active map[string]*types.Notification
	order  []string
}

func NewCenter(config *types.NotificationsConfig, version string, publisher types.EventPublisher, logger types.Logger, metrics types.MetricsManager) *Center {
	if config == nil {
		config = &types.NotificationsConfig{}
	}

	return &Center{
		config:    config,
		version:   version,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		active:    make(map[string]*types.Notification),
	}
}

// NewManager builds the center together with the publisher named in the
// notifications config.
func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (*Center, error) {
	serviceConfig := config.GetConfig()

	var publisherConfig *types.PublisherConfig
	if serviceConfig.Notifications != nil {
		publisherConfig = serviceConfig.Notifications.Publisher
	}

	publisher, err := NewPublisher(ctx, publisherConfig, logger, metrics)
	if err != nil {
		return nil, types.WrapError(err, "failed to create event publisher")
	}

	return NewCenter(serviceConfig.Notifications, serviceConfig.Version, publisher, logger, metrics), nil
}

func (c *Center) Start() error {
	return c.publisher.Start()
}

func (c *Center) Stop() error {
	return c.publisher.Stop()
}

func (c *Center) IsRunning() bool {
	return c.publisher.IsRunning()
}

// Show records n as active and publishes it. The notification stays active
// even when publishing fails.
func (c *Center) Show(ctx context.Context, n *types.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Icon == "" {
		n.Icon = c.icon()
	}
	if n.Badge == "" {
		n.Badge = c.badge()
	}
	n.ShownAt = time.Now().UTC()

	c.mu.Lock()
	if _, exists := c.active[n.ID]; !exists {
		c.order = append(c.order, n.ID)
	}
	c.active[n.ID] = n
	c.mu.Unlock()

	c.metrics.Counter("notifications_total", map[string]string{"operation": "show"}).Inc()
	c.metrics.Gauge("notifications_active", nil).Set(float64(c.count()))

	c.logger.Debug("Notification shown",
		zap.String("id", n.ID),
		zap.String("title", n.Title))

	return c.Broadcast(ctx, types.EventNotification, n)
}

// Click dismisses the notification and returns it.
func (c *Center) Click(_ context.Context, id, action string) (*types.Notification, error) {
	c.mu.Lock()
	n, exists := c.active[id]
	if exists {
		delete(c.active, id)
		for i, activeID := range c.order {
			if activeID == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	if !exists {
		return nil, types.Errorf(types.ErrNotificationNotFound, "id: %s", id)
	}

	c.metrics.Counter("notifications_total", map[string]string{"operation": "click"}).Inc()
	c.metrics.Gauge("notifications_active", nil).Set(float64(c.count()))

	c.logger.Debug("Notification clicked",
		zap.String("id", id),
		zap.String("action", action))

	return n, nil
}

func (c *Center) Broadcast(ctx context.Context, eventType string, payload interface{}) error {
	event := &types.Event{
		Type:      eventType,
		Payload:   payload,
		Version:   c.version,
		Timestamp: time.Now().UTC(),
	}

	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish event",
			zap.String("type", eventType),
			zap.Error(err))
		return types.WrapError(err, "failed to publish "+eventType)
	}

	return nil
}

// Active returns the shown notifications, oldest first.
func (c *Center) Active() []*types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*types.Notification, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.active[id])
	}
	return result
}

func (c *Center) count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

func (c *Center) icon() string {
	if c.config.Icon != "" {
		return c.config.Icon
	}
	return defaultIcon
}

func (c *Center) badge() string {
	if c.config.Badge != "" {
		return c.config.Badge
	}
	return defaultBadge
}
