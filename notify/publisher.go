package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

type PublisherState int32

const (
	PublisherStateStopped PublisherState = iota
	PublisherStateStarting
	PublisherStateRunning
	PublisherStateStopping
	PublisherStateReconnecting
)

var customPublisherCreators = sync.Map{}

func RegisterPublisher(publisherType string, creator types.EventPublisherCreator) {
	customPublisherCreators.Store(publisherType, creator)
}

// NewPublisher builds the event publisher named by config. A nil config or
// an empty type selects the log publisher.
func NewPublisher(ctx context.Context, config *types.PublisherConfig, logger types.Logger, metrics types.MetricsManager) (types.EventPublisher, error) {
	publisherType := "log"
	var publisherConfig interface{}

	if config != nil {
		if config.Type != "" {
			publisherType = config.Type
		}
		publisherConfig = config.Config
	}

	var publisher types.EventPublisher
	var err error

	switch publisherType {
	case "log":
		publisher = NewLogPublisher(logger)
	case "websocket":
		publisher, err = NewWebSocketPublisher(ctx, publisherConfig, logger, metrics)
	case "webhook":
		publisher, err = NewWebhookPublisher(ctx, publisherConfig, logger, metrics)
	default:
		creator, exists := customPublisherCreators.Load(publisherType)
		if !exists {
			return nil, types.Errorf(types.ErrNotifierTypeUnknown, "type: %s", publisherType)
		}
		publisher, err = creator.(types.EventPublisherCreator)(ctx, publisherConfig, logger)
	}

	if err != nil {
		return nil, err
	}

	logger.Info("Event publisher initialized", zap.String("type", publisherType))
	return publisher, nil
}

// LogPublisher writes every event to the log. It is the default when no
// relay is configured.
type LogPublisher struct {
	logger  types.Logger
	running atomic.Bool
}

func NewLogPublisher(logger types.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *LogPublisher) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *LogPublisher) IsRunning() bool {
	return p.running.Load()
}

func (p *LogPublisher) Publish(_ context.Context, event *types.Event) error {
	if !p.IsRunning() {
		return types.ErrNotifierNotRunning
	}

	p.logger.Info("Event published",
		zap.String("type", event.Type),
		zap.String("version", event.Version),
		zap.Any("payload", event.Payload))
	return nil
}
