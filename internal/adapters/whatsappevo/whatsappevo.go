// Package whatsappevo implements the WhatsApp platform adapter: a
// webhook-class adapter fronting a self-hosted Evolution API instance.
// Every configured PlatformConfig shares one Evolution instance name,
// "gatekit"; instance management is manual on the Evolution side.
package whatsappevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/gatekit/internal/adapters/connset"
	"github.com/rakunlabs/gatekit/internal/adapters/webhookctx"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// SharedInstance is the single Evolution API instance name every
// configured connection reuses.
const SharedInstance = "gatekit"

// connState is the three-state connection FSM driven by CONNECTION_UPDATE
// events.
type connState string

const (
	stateClose      connState = "close"
	stateConnecting connState = "connecting"
	stateOpen       connState = "open"
)

type conn struct {
	apiURL       string
	apiKey       string
	webhookToken string
	client       *klient.Client

	mu    sync.Mutex
	state connState
	qr    string // cached QR code payload, if any
}

type Adapter struct {
	baseURL string // public GateKit base URL Evolution calls back on
	publish func(*envelope.Envelope)
	conns   *connset.Set[*conn]
}

func New(baseURL string, publish func(*envelope.Envelope)) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		publish: publish,
		conns:   connset.New[*conn](),
	}
}

func (a *Adapter) Name() string        { return "whatsapp-evo" }
func (a *Adapter) DisplayName() string { return "WhatsApp (Evolution API)" }
func (a *Adapter) ConnectionType() service.ConnectionType {
	return service.ConnectionWebhook
}

func (a *Adapter) Capabilities() []service.Capability {
	return []service.Capability{
		service.CapSendMessage,
		service.CapReceiveMessage,
		service.CapAttachments,
	}
}

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

// CreateAdapter configures Evolution's webhook for the shared instance to
// point back at GateKit's generic dispatcher, subscribing to
// {QRCODE_UPDATED, CONNECTION_UPDATE, MESSAGES_UPSERT, SEND_MESSAGE}.
func (a *Adapter) CreateAdapter(ctx context.Context, connectionKey string, credentials map[string]any) error {
	apiURL, _ := credentials["evolutionApiUrl"].(string)
	apiKey, _ := credentials["evolutionApiKey"].(string)
	webhookToken, _ := credentials["webhookToken"].(string)
	if apiURL == "" || apiKey == "" {
		return fmt.Errorf("whatsapp-evo: credentials missing evolutionApiUrl/evolutionApiKey")
	}

	client, err := klient.New(klient.WithDisableBaseURLCheck(true))
	if err != nil {
		return fmt.Errorf("whatsapp-evo: build http client: %w", err)
	}

	c := &conn{
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		apiKey:       apiKey,
		webhookToken: webhookToken,
		client:       client,
		state:        stateClose,
	}

	body := map[string]any{
		"webhook": map[string]any{
			"enabled": true,
			"url":     a.baseURL + "/api/v1/webhooks/whatsapp-evo/" + webhookToken,
			"events": []string{
				"QRCODE_UPDATED",
				"CONNECTION_UPDATE",
				"MESSAGES_UPSERT",
				"SEND_MESSAGE",
			},
		},
	}
	if err := c.post(ctx, "/webhook/set/"+SharedInstance, body, nil); err != nil {
		return fmt.Errorf("whatsapp-evo: configure webhook: %w", err)
	}

	c.mu.Lock()
	c.state = stateConnecting
	c.mu.Unlock()

	a.conns.Put(connectionKey, webhookToken, c)
	return nil
}

func (a *Adapter) GetAdapter(connectionKey string) bool {
	return a.conns.Has(connectionKey)
}

func (a *Adapter) RemoveAdapter(ctx context.Context, connectionKey string) error {
	a.conns.Remove(connectionKey)
	return nil
}

func (a *Adapter) OnPlatformEvent(ctx context.Context, event service.LifecycleEvent) error {
	switch event.Type {
	case service.LifecycleDeactivated, service.LifecycleDeleted:
		return a.RemoveAdapter(ctx, event.ConnectionKey)
	case service.LifecycleCreated, service.LifecycleActivated, service.LifecycleUpdated:
		if a.GetAdapter(event.ConnectionKey) {
			_ = a.RemoveAdapter(ctx, event.ConnectionKey)
		}
		return a.CreateAdapter(ctx, event.ConnectionKey, event.Credentials)
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	for _, key := range a.conns.Keys() {
		a.conns.Remove(key)
	}
	return nil
}

func (a *Adapter) IsHealthy(connectionKey string) bool {
	if connectionKey == "" {
		return true
	}
	c, ok := a.conns.Get(connectionKey)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// evoEvent is the subset of an Evolution API webhook body GateKit reads.
type evoEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type evoConnectionUpdate struct {
	State string `json:"state"`
	QRCode struct {
		Code string `json:"code"`
	} `json:"qrcode"`
}

type evoMessageUpsert struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		ID        string `json:"id"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation string `json:"conversation"`
	} `json:"message"`
}

// ToEnvelope parses a MESSAGES_UPSERT event into a canonical Envelope.
// Other event kinds (QRCODE_UPDATED, CONNECTION_UPDATE, SEND_MESSAGE)
// drive connection state only and return no Envelope.
func (a *Adapter) ToEnvelope(providerPayload []byte, projectID string) (*envelope.Envelope, error) {
	var evt evoEvent
	if err := json.Unmarshal(providerPayload, &evt); err != nil {
		return nil, fmt.Errorf("whatsapp-evo: decode event: %w", err)
	}

	if evt.Event != "MESSAGES_UPSERT" && evt.Event != "messages.upsert" {
		return nil, fmt.Errorf("whatsapp-evo: %q carries no envelope", evt.Event)
	}

	var m evoMessageUpsert
	if err := json.Unmarshal(evt.Data, &m); err != nil {
		return nil, fmt.Errorf("whatsapp-evo: decode message: %w", err)
	}
	if m.Key.FromMe {
		return nil, fmt.Errorf("whatsapp-evo: skip own outbound echo")
	}

	env := envelope.New("whatsapp-evo", projectID, "")
	env.Provider.EventID = m.Key.ID
	env.Provider.Raw = providerPayload
	env.ThreadID = m.Key.RemoteJid
	env.User = envelope.User{ProviderUserID: m.Key.RemoteJid, Display: m.PushName}
	env.Message = &envelope.Message{Text: m.Message.Conversation}

	return env, nil
}

// SendMessage sends text via /message/sendText/{instance}, or media via
// /message/sendMedia/{instance} for the first attachment, with
// mediatype derived from its MIME type.
func (a *Adapter) SendMessage(ctx context.Context, connectionKey string, env *envelope.Envelope, reply service.Reply) (*service.SendResult, error) {
	c, ok := a.conns.Get(connectionKey)
	if !ok {
		return nil, fmt.Errorf("whatsapp-evo: not found: no connection for %q", connectionKey)
	}

	number := env.ThreadID
	if number == "" {
		return nil, fmt.Errorf("whatsapp-evo: invalid: envelope missing threadId")
	}

	if len(reply.Attachments) > 0 {
		att := reply.Attachments[0]
		mediatype := mediaTypeFromMIME(att.MimeType)

		body := map[string]any{
			"number":    number,
			"mediatype": mediatype,
			"caption":   att.Caption,
			"media":     att.URL,
		}
		if att.URL == "" && att.Data != "" {
			body["media"] = att.Data
		}
		if att.Filename != "" {
			body["fileName"] = att.Filename
		}

		var result struct {
			Key struct {
				ID string `json:"id"`
			} `json:"key"`
		}
		if err := c.post(ctx, "/message/sendMedia/"+SharedInstance, body, &result); err != nil {
			return nil, fmt.Errorf("whatsapp-evo: send media: %w", err)
		}
		return &service.SendResult{ProviderMessageID: result.Key.ID}, nil
	}

	body := map[string]any{
		"number": number,
		"text":   reply.Text,
		"delay":  0,
	}

	var result struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := c.post(ctx, "/message/sendText/"+SharedInstance, body, &result); err != nil {
		return nil, fmt.Errorf("whatsapp-evo: send text: %w", err)
	}
	return &service.SendResult{ProviderMessageID: result.Key.ID}, nil
}

func mediaTypeFromMIME(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// GetWebhookConfig mounts the generic dispatch path. CONNECTION_UPDATE
// events drive the FSM and cache any QR code; MESSAGES_UPSERT events are
// turned into an Envelope and published.
func (a *Adapter) GetWebhookConfig() *service.WebhookConfig {
	return &service.WebhookConfig{
		Path: "/whatsapp-evo/{webhookToken}",
		Handler: func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}

			var evt evoEvent
			if err := json.Unmarshal(body, &evt); err != nil {
				http.Error(w, "decode event", http.StatusBadRequest)
				return
			}

			if connKey, ok := a.conns.KeyForToken(params["webhookToken"]); ok {
				if c, ok := a.conns.Get(connKey); ok {
					a.applyConnectionState(c, evt)
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))

			cfg, ok := webhookctx.From(r.Context())
			if !ok || a.publish == nil {
				return
			}
			env, err := a.ToEnvelope(body, cfg.ProjectID)
			if err != nil {
				return
			}
			env.PlatformConfigID = cfg.PlatformConfigID
			a.publish(env)
		},
	}
}

func (a *Adapter) applyConnectionState(c *conn, evt evoEvent) {
	switch evt.Event {
	case "CONNECTION_UPDATE", "connection.update":
		var u evoConnectionUpdate
		if err := json.Unmarshal(evt.Data, &u); err != nil {
			return
		}
		c.mu.Lock()
		switch u.State {
		case "open":
			c.state = stateOpen
		case "connecting":
			c.state = stateConnecting
		case "close":
			c.state = stateClose
		}
		c.mu.Unlock()

	case "QRCODE_UPDATED", "qrcode.updated":
		var u evoConnectionUpdate
		if err := json.Unmarshal(evt.Data, &u); err != nil {
			return
		}
		c.mu.Lock()
		c.qr = u.QRCode.Code
		c.mu.Unlock()
	}
}

func (c *conn) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("evolution api returned %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
