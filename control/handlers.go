package control

import (
	"context"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/server"
	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type Lifecycle interface {
	HandleMessage(ctx context.Context, raw []byte) error
	Push(ctx context.Context, payload *types.PushPayload) (*types.Notification, error)
	NotificationClick(ctx context.Context, id, action string) (string, error)
	Sync(ctx context.Context, tag string) error
	VersionInfo(ctx context.Context) *types.VersionInfo
}

type ActiveNotifications interface {
	Active() []*types.Notification
}

type HealthChecker interface {
	Check(ctx context.Context) types.HealthReport
}

type JobLister interface {
	Jobs() []types.JobEntry
}

type MetricsHandler interface {
	Handler() fasthttp.RequestHandler
}

// Handlers exposes the lifecycle controller and its collaborators to
// operators and to the origin's push backend.
type Handlers struct {
	ctx            context.Context
	lifecycle      Lifecycle
	notifications  ActiveNotifications
	queue          types.SyncQueue
	health         HealthChecker
	jobs           JobLister
	metrics        MetricsHandler
	logger         types.Logger
	requestTimeout time.Duration
}

type Dependencies struct {
	Lifecycle     Lifecycle
	Notifications ActiveNotifications
	Queue         types.SyncQueue
	Health        HealthChecker
	Jobs          JobLister
	Metrics       MetricsHandler
}

func NewHandlers(ctx context.Context, deps Dependencies, logger types.Logger) (*Handlers, error) {
	if deps.Lifecycle == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "control plane needs a lifecycle controller")
	}

	return &Handlers{
		ctx:            ctx,
		lifecycle:      deps.Lifecycle,
		notifications:  deps.Notifications,
		queue:          deps.Queue,
		health:         deps.Health,
		jobs:           deps.Jobs,
		metrics:        deps.Metrics,
		logger:         logger,
		requestTimeout: 60 * time.Second,
	}, nil
}

// Register mounts every route whose collaborator is present.
func (h *Handlers) Register(router types.HTTPRouter) {
	router.POST("/message", h.Message)
	router.POST("/push", h.Push)
	router.GET("/notifications/{id}/click", h.NotificationClick)
	router.POST("/sync/{tag}", h.Sync)
	router.GET("/version", h.Version)

	if h.notifications != nil {
		router.GET("/notifications", h.Notifications)
	}
	if h.queue != nil {
		router.POST("/queue", h.Enqueue)
	}
	if h.health != nil {
		router.GET("/health", h.Health)
	}
	if h.jobs != nil {
		router.GET("/jobs", h.Jobs)
	}
	if h.metrics != nil {
		router.GET("/metrics", h.metrics.Handler())
	}
}

func (h *Handlers) Message(ctx *fasthttp.RequestCtx) {
	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	if err := h.lifecycle.HandleMessage(reqCtx, ctx.PostBody()); err != nil {
		h.fail(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Push(ctx *fasthttp.RequestCtx) {
	var payload types.PushPayload
	if err := utils.Unmarshal(ctx.PostBody(), &payload); err != nil {
		h.fail(ctx, types.Errorf(types.ErrPushPayloadInvalid, "%v", err))
		return
	}

	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	notification, err := h.lifecycle.Push(reqCtx, &payload)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusCreated, notification)
}

// NotificationClick answers with a redirect to the page the notification
// opens. Actions that open nothing get 204.
func (h *Handlers) NotificationClick(ctx *fasthttp.RequestCtx) {
	id := server.PathParam(ctx, "id")
	action := string(ctx.QueryArgs().Peek("action"))

	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	target, err := h.lifecycle.NotificationClick(reqCtx, id, action)
	if err != nil {
		h.fail(ctx, err)
		return
	}

	if target == "" {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}

	ctx.Response.Header.Set(fasthttp.HeaderLocation, target)
	ctx.SetStatusCode(fasthttp.StatusSeeOther)
}

func (h *Handlers) Sync(ctx *fasthttp.RequestCtx) {
	tag := server.PathParam(ctx, "tag")

	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	if err := h.lifecycle.Sync(reqCtx, tag); err != nil {
		h.fail(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok", "tag": tag})
}

func (h *Handlers) Enqueue(ctx *fasthttp.RequestCtx) {
	var item types.QueuedRequest
	if err := utils.Unmarshal(ctx.PostBody(), &item); err != nil {
		h.fail(ctx, types.Errorf(types.ErrInvalidParameter, "%v", err))
		return
	}

	if err := h.queue.Enqueue(h.ctx, &item); err != nil {
		h.fail(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusAccepted, map[string]interface{}{
		"id":     item.ID,
		"queued": h.queue.Len(),
	})
}

func (h *Handlers) Version(ctx *fasthttp.RequestCtx) {
	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	utils.WriteJSON(ctx, fasthttp.StatusOK, h.lifecycle.VersionInfo(reqCtx))
}

func (h *Handlers) Health(ctx *fasthttp.RequestCtx) {
	reqCtx, cancel := context.WithTimeout(h.ctx, h.requestTimeout)
	defer cancel()

	report := h.health.Check(reqCtx)

	status := fasthttp.StatusOK
	if report.Status != types.StatusHealthy {
		status = fasthttp.StatusServiceUnavailable
	}

	utils.WriteJSON(ctx, status, report)
}

func (h *Handlers) Notifications(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, h.notifications.Active())
}

func (h *Handlers) Jobs(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, h.jobs.Jobs())
}

func (h *Handlers) fail(ctx *fasthttp.RequestCtx, err error) {
	status, title := statusOf(err)

	if status >= fasthttp.StatusInternalServerError {
		h.logger.Error("Control request failed",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
	} else {
		h.logger.Debug("Control request rejected",
			zap.ByteString("path", ctx.Path()),
			zap.Error(err))
	}

	utils.WriteError(ctx, status, title, err.Error())
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrMessageInvalid),
		errors.Is(err, types.ErrUnknownMessage),
		errors.Is(err, types.ErrPushPayloadInvalid),
		errors.Is(err, types.ErrInvalidParameter):
		return fasthttp.StatusBadRequest, "Bad Request"
	case errors.Is(err, types.ErrNotificationNotFound),
		errors.Is(err, types.ErrUnknownSyncTag):
		return fasthttp.StatusNotFound, "Not Found"
	case errors.Is(err, types.ErrLifecycleInvalidState):
		return fasthttp.StatusConflict, "Conflict"
	case errors.Is(err, types.ErrSyncQueueFull):
		return fasthttp.StatusServiceUnavailable, "Service Unavailable"
	case errors.Is(err, types.ErrCacheURLsFailed),
		errors.Is(err, types.ErrSyncReplayFailed),
		errors.Is(err, types.ErrNetworkFailure):
		return fasthttp.StatusBadGateway, "Bad Gateway"
	default:
		return fasthttp.StatusInternalServerError, "Internal Server Error"
	}
}
