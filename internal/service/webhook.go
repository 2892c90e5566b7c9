package service

import (
	"context"
	"time"
)

// Event is one of the webhook-subscriber event-catalog entries.
type Event string

const (
	EventMessageReceived Event = "message.received"
	EventMessageSent     Event = "message.sent"
	EventMessageFailed   Event = "message.failed"
	EventButtonClicked   Event = "button.clicked"
	EventReactionAdded   Event = "reaction.added"
	EventReactionRemoved Event = "reaction.removed"
)

// ValidEvents is the closed catalog a Webhook's Events set is validated
// against at registration time.
var ValidEvents = map[Event]bool{
	EventMessageReceived: true,
	EventMessageSent:     true,
	EventMessageFailed:   true,
	EventButtonClicked:   true,
	EventReactionAdded:   true,
	EventReactionRemoved: true,
}

// Webhook is a registered outbound subscriber endpoint.
type Webhook struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []Event   `json:"events"`
	Secret    string    `json:"-"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeliveryStatus is the terminal-or-pending state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// WebhookDelivery records one attempted (or retried) delivery of an event
// to a Webhook subscriber.
type WebhookDelivery struct {
	ID            string         `json:"id"`
	WebhookID     string         `json:"webhookId"`
	Event         Event          `json:"event"`
	Payload       []byte         `json:"-"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attemptCount"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	ResponseCode  int            `json:"responseCode,omitempty"`
	ResponseBody  string         `json:"responseBody,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// WebhookStorer persists Webhook and WebhookDelivery rows.
type WebhookStorer interface {
	ListWebhooks(ctx context.Context, projectID string) ([]Webhook, error)
	// ListActiveWebhooksForEvent returns active webhooks in projectID whose
	// Events set includes evt, for delivery fan-out.
	ListActiveWebhooksForEvent(ctx context.Context, projectID string, evt Event) ([]Webhook, error)
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	CreateWebhook(ctx context.Context, w Webhook) (*Webhook, error)
	UpdateWebhook(ctx context.Context, id string, w Webhook) (*Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	CreateDelivery(ctx context.Context, d WebhookDelivery) (*WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, id string, status DeliveryStatus, attemptCount int, responseCode int, responseBody string, at time.Time) error
	ListDeliveries(ctx context.Context, webhookID string, filter DeliveryFilter) ([]WebhookDelivery, error)
	// DeliveryStats returns delivery counts grouped by status for one
	// webhook.
	DeliveryStats(ctx context.Context, webhookID string) (map[DeliveryStatus]int64, error)
}

// DeliveryFilter filters a ListDeliveries query.
type DeliveryFilter struct {
	Event  Event
	Status DeliveryStatus
	Limit  int
	Offset int
}

// EventEmitter fans a lifecycle event out to every active Webhook
// subscriber for a project. Implemented by internal/webhooks.Service;
// depended on by internal/outbound and internal/inbound so neither needs
// to import the delivery engine directly.
type EventEmitter interface {
	Emit(ctx context.Context, projectID string, evt Event, data any)
}
