package notify

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type WebSocketConfig struct {
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers"`
	ReconnectDelayMs int               `json:"reconnect_delay_ms"`
	MaxRetries       int               `json:"max_retries"`
	PingIntervalMs   int               `json:"ping_interval_ms"`
	PongWaitMs       int               `json:"pong_wait_ms"`
	WriteWaitMs      int               `json:"write_wait_ms"`
	DialTimeoutMs    int               `json:"dial_timeout_ms"`
	QueueSize        int               `json:"queue_size"`
}

// WebSocketPublisher streams events to a relay that fans them out to open
// pages. Events are queued and written by a single writer; when the queue is
// full the event is dropped. A lost connection is redialed with a fixed delay
// until MaxRetries consecutive attempts fail.
type WebSocketPublisher struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	header            http.Header
	session           *wsSession
	sessionMu         sync.Mutex
	send              chan []byte
	reconnectCh       chan struct{}
	state             atomic.Value
	reconnectAttempts int32
	wg                sync.WaitGroup
}

// wsSession is one dialed connection and the pumps serving it.
type wsSession struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func NewWebSocketPublisher(ctx context.Context, config interface{}, logger types.Logger, metrics types.MetricsManager) (*WebSocketPublisher, error) {
	wsConfig := &WebSocketConfig{
		URL:              "ws://localhost:8091/events",
		ReconnectDelayMs: 5000,
		MaxRetries:       10,
		PingIntervalMs:   54000,
		PongWaitMs:       60000,
		WriteWaitMs:      10000,
		DialTimeoutMs:    10000,
		QueueSize:        256,
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, wsConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket publisher config")
		}
	}

	if wsConfig.QueueSize <= 0 {
		wsConfig.QueueSize = 256
	}

	header := make(http.Header)
	for key, value := range wsConfig.Headers {
		header.Set(key, value)
	}

	publisherCtx, cancel := context.WithCancel(ctx)

	publisher := &WebSocketPublisher{
		ctx:         publisherCtx,
		cancel:      cancel,
		logger:      logger,
		metrics:     metrics,
		config:      wsConfig,
		header:      header,
		send:        make(chan []byte, wsConfig.QueueSize),
		reconnectCh: make(chan struct{}, 1),
	}

	publisher.state.Store(PublisherStateStopped)

	logger.Info("WebSocket publisher initialized",
		zap.String("url", wsConfig.URL),
		zap.Int("reconnect_delay_ms", wsConfig.ReconnectDelayMs),
		zap.Int("max_retries", wsConfig.MaxRetries))

	return publisher, nil
}

func (w *WebSocketPublisher) Start() error {
	if !w.transitionState(PublisherStateStopped, PublisherStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	session, err := w.connect()
	if err != nil {
		w.setState(PublisherStateStopped)
		w.logger.Error("Failed to establish initial connection", zap.Error(err))
		return types.WrapError(err, "failed to establish initial connection")
	}

	w.setState(PublisherStateRunning)
	w.serve(session)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reconnectLoop()
	}()

	w.logger.Info("WebSocket publisher started")
	return nil
}

func (w *WebSocketPublisher) Stop() error {
	if !w.transitionState(PublisherStateRunning, PublisherStateStopping) &&
		!w.transitionState(PublisherStateReconnecting, PublisherStateStopping) {
		return types.ErrServerNotRunning
	}

	w.cancel()

	w.sessionMu.Lock()
	if w.session != nil {
		w.session.close()
	}
	w.sessionMu.Unlock()

	w.wg.Wait()
	w.setState(PublisherStateStopped)

	w.logger.Info("WebSocket publisher stopped")
	return nil
}

func (w *WebSocketPublisher) IsRunning() bool {
	state := w.getState()
	return state == PublisherStateRunning || state == PublisherStateReconnecting
}

// Publish queues event for the writer. It never blocks.
func (w *WebSocketPublisher) Publish(_ context.Context, event *types.Event) error {
	if !w.IsRunning() {
		return types.ErrNotifierNotRunning
	}

	data, err := utils.Marshal(event)
	if err != nil {
		return types.WrapError(err, "failed to marshal event")
	}

	select {
	case w.send <- data:
		w.recordMetric("publish", "queued")
		return nil
	default:
		w.logger.Warn("Send queue is full, dropping event",
			zap.String("type", event.Type))
		w.recordMetric("publish", "dropped")
		return types.Errorf(types.ErrNotifierPublish, "send queue full, event %s dropped", event.Type)
	}
}

func (w *WebSocketPublisher) getState() PublisherState {
	return w.state.Load().(PublisherState)
}

func (w *WebSocketPublisher) setState(newState PublisherState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *WebSocketPublisher) transitionState(from, to PublisherState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketPublisher) connect() (*wsSession, error) {
	w.logger.Debug("Dialing websocket relay", zap.String("url", w.config.URL))

	dialCtx, cancel := context.WithTimeout(w.ctx, time.Duration(w.config.DialTimeoutMs)*time.Millisecond)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, w.header)
	if err != nil {
		return nil, types.WrapError(err, "failed to dial websocket relay")
	}

	pongWait := time.Duration(w.config.PongWaitMs) * time.Millisecond
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	session := &wsSession{conn: conn, done: make(chan struct{})}

	w.sessionMu.Lock()
	w.session = session
	w.sessionMu.Unlock()

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to websocket relay", zap.String("url", w.config.URL))
	return session, nil
}

func (w *WebSocketPublisher) serve(session *wsSession) {
	session.wg.Add(2)
	w.wg.Add(2)

	go func() {
		defer w.wg.Done()
		defer session.wg.Done()
		w.readPump(session)
	}()

	go func() {
		defer w.wg.Done()
		defer session.wg.Done()
		w.writePump(session)
	}()
}

// lost tears the session down and asks for a reconnect unless the
// publisher is shutting down.
func (w *WebSocketPublisher) lost(session *wsSession, err error) {
	session.close()

	if w.ctx.Err() != nil {
		return
	}

	w.logger.Warn("Websocket relay connection lost", zap.Error(err))

	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

func (w *WebSocketPublisher) reconnectLoop() {
	defer w.logger.Debug("Reconnect loop stopped")

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
		}

		w.sessionMu.Lock()
		previous := w.session
		w.sessionMu.Unlock()

		if previous != nil {
			previous.wg.Wait()
		}

		w.transitionState(PublisherStateRunning, PublisherStateReconnecting)

		for {
			attempts := atomic.LoadInt32(&w.reconnectAttempts)
			if int(attempts) >= w.config.MaxRetries {
				w.logger.Error("Max reconnection attempts reached, giving up",
					zap.Int("max_retries", w.config.MaxRetries))
				if w.transitionState(PublisherStateReconnecting, PublisherStateStopping) {
					w.cancel()
					w.setState(PublisherStateStopped)
				}
				return
			}

			select {
			case <-time.After(time.Duration(w.config.ReconnectDelayMs) * time.Millisecond):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			session, err := w.connect()
			if err != nil {
				w.logger.Warn("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))
				w.recordMetric("reconnect", "error")
				continue
			}

			if !w.transitionState(PublisherStateReconnecting, PublisherStateRunning) {
				session.close()
				return
			}

			w.recordMetric("reconnect", "success")
			w.serve(session)
			break
		}
	}
}

// readPump consumes relay frames so pongs and close frames are processed.
func (w *WebSocketPublisher) readPump(session *wsSession) {
	for {
		if _, _, err := session.conn.ReadMessage(); err != nil {
			select {
			case <-session.done:
			default:
				w.lost(session, err)
			}
			return
		}
	}
}

func (w *WebSocketPublisher) writePump(session *wsSession) {
	ticker := time.NewTicker(time.Duration(w.config.PingIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	writeWait := time.Duration(w.config.WriteWaitMs) * time.Millisecond

	for {
		select {
		case <-session.done:
			return

		case data := <-w.send:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.recordMetric("write", "error")
				w.lost(session, err)
				return
			}
			w.recordMetric("write", "success")

		case <-ticker.C:
			_ = session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.lost(session, err)
				return
			}
		}
	}
}

func (w *WebSocketPublisher) recordMetric(operation, result string) {
	if w.metrics == nil {
		return
	}

	w.metrics.Counter("notify_websocket_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
}
