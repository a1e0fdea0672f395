package types

import (
	"context"
	"time"
)

type WorkerState string

const (
	WorkerParsed     WorkerState = "parsed"
	WorkerInstalling WorkerState = "installing"
	WorkerWaiting    WorkerState = "waiting"
	WorkerActivating WorkerState = "activating"
	WorkerActivated  WorkerState = "activated"
	WorkerRedundant  WorkerState = "redundant"
)

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"
)

const SyncTagBackground = "background-sync"

type Message struct {
	Type string   `json:"type"`
	URLs []string `json:"urls,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type PushPayload struct {
	Title              string                 `json:"title"`
	Body               string                 `json:"body"`
	Icon               string                 `json:"icon,omitempty"`
	Data               map[string]interface{} `json:"data,omitempty"`
	Actions            []NotificationAction   `json:"actions,omitempty"`
	RequireInteraction bool                   `json:"requireInteraction,omitempty"`
}

type Notification struct {
	ID                 string                 `json:"id"`
	Title              string                 `json:"title"`
	Body               string                 `json:"body"`
	Icon               string                 `json:"icon"`
	Badge              string                 `json:"badge"`
	Data               map[string]interface{} `json:"data,omitempty"`
	Actions            []NotificationAction   `json:"actions,omitempty"`
	RequireInteraction bool                   `json:"requireInteraction"`
	ShownAt            time.Time              `json:"shown_at"`
}

// URL is the page the notification opens, "/" when the payload carries none.
func (n *Notification) URL() string {
	if n.Data != nil {
		if u, ok := n.Data["url"].(string); ok && u != "" {
			return u
		}
	}
	return "/"
}

// Event is broadcast to connected pages.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	EventNotification      = "notification"
	EventNotificationClick = "notificationclick"
	EventControllerChange  = "controllerchange"
)

type EventPublisher interface {
	LifecycleManager
	Publish(ctx context.Context, event *Event) error
}

type EventPublisherCreator func(ctx context.Context, config interface{}, logger Logger) (EventPublisher, error)

type Notifier interface {
	Show(ctx context.Context, n *Notification) error
	Click(ctx context.Context, id, action string) (*Notification, error)
	Broadcast(ctx context.Context, eventType string, payload interface{}) error
	Active() []*Notification
}

type SyncHook func(ctx context.Context) error

type QueuedRequest struct {
	ID         string              `json:"id"`
	Method     string              `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	URL        string              `json:"url" validate:"required,url"`
	Header     map[string][]string `json:"header,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	Attempts   int                 `json:"attempts"`
}

type SyncQueue interface {
	Enqueue(ctx context.Context, item *QueuedRequest) error
	Drain(ctx context.Context) ([]*QueuedRequest, error)
	Len() int
}

type VersionInfo struct {
	Version     string            `json:"version"`
	State       WorkerState       `json:"state"`
	Controlling bool              `json:"controlling"`
	Partitions  map[string]string `json:"partitions"`
	Existing    []string          `json:"existing,omitempty"`
}
