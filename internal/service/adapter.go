package service

import (
	"context"
	"net/http"

	"github.com/rakunlabs/gatekit/internal/envelope"
)

// ConnectionType is how an adapter receives inbound traffic.
type ConnectionType string

const (
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionWebhook   ConnectionType = "webhook"
	ConnectionPolling   ConnectionType = "polling"
)

// Capability is a declared adapter feature; the registry and handlers may
// use this to reject unsupported requests early.
type Capability string

const (
	CapSendMessage    Capability = "send-message"
	CapReceiveMessage Capability = "receive-message"
	CapEditMessage    Capability = "edit-message"
	CapDeleteMessage  Capability = "delete-message"
	CapAttachments    Capability = "attachments"
	CapEmbeds         Capability = "embeds"
	CapButtons        Capability = "buttons"
	CapReactions      Capability = "reactions"
	CapThreads        Capability = "threads"
)

// LifecycleEventType is one of the PlatformConfig transitions the
// Registry propagates to an adapter's OnPlatformEvent hook.
type LifecycleEventType string

const (
	LifecycleCreated     LifecycleEventType = "created"
	LifecycleActivated   LifecycleEventType = "activated"
	LifecycleUpdated     LifecycleEventType = "updated"
	LifecycleDeactivated LifecycleEventType = "deactivated"
	LifecycleDeleted     LifecycleEventType = "deleted"
)

// LifecycleEvent carries a PlatformConfig transition to an adapter.
type LifecycleEvent struct {
	Type             LifecycleEventType
	ConnectionKey    string
	PlatformConfigID string
	Credentials      map[string]any // decrypted
}

// Attachment is a media item attached to an outbound reply. Exactly one
// of URL or Data should be set.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Button is a single interactive button in an outbound reply.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Embed is a rich card attached to an outbound reply; its fields are
// intentionally loose since each platform renders embeds differently.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Reply is the outbound content an adapter renders for sendMessage.
type Reply struct {
	Text        string         `json:"text,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Buttons     []Button       `json:"buttons,omitempty"`
	Embeds      []Embed        `json:"embeds,omitempty"`
	ThreadID    string         `json:"threadId,omitempty"`
	ReplyTo     string         `json:"replyTo,omitempty"`
	Silent      bool           `json:"silent,omitempty"`
	Platform    map[string]any `json:"platformOptions,omitempty"`
}

// SendResult is returned by a successful sendMessage call.
type SendResult struct {
	ProviderMessageID string
}

// WebhookConfig is what a webhook-class adapter exposes for mounting at
// /api/v1/webhooks/{platform}/:webhookToken. Path MUST contain a
// :webhookToken segment.
type WebhookConfig struct {
	Path    string
	Handler func(w http.ResponseWriter, r *http.Request, params map[string]string)
}

// Adapter is the full platform SPI: Identity, Lifecycle, and I/O in one
// interface, satisfied by internal/adapters/{telegram,discord,whatsappevo}.
type Adapter interface {
	// Identity
	Name() string
	DisplayName() string
	ConnectionType() ConnectionType
	Capabilities() []Capability

	// Lifecycle
	Initialize(ctx context.Context) error
	CreateAdapter(ctx context.Context, connectionKey string, credentials map[string]any) error
	GetAdapter(connectionKey string) bool
	RemoveAdapter(ctx context.Context, connectionKey string) error
	OnPlatformEvent(ctx context.Context, event LifecycleEvent) error
	Shutdown(ctx context.Context) error
	IsHealthy(connectionKey string) bool

	// I/O
	ToEnvelope(providerPayload []byte, projectID string) (*envelope.Envelope, error)
	SendMessage(ctx context.Context, connectionKey string, env *envelope.Envelope, reply Reply) (*SendResult, error)

	// GetWebhookConfig returns nil for non-webhook-class adapters
	// (ConnectionType() != ConnectionWebhook).
	GetWebhookConfig() *WebhookConfig
}
