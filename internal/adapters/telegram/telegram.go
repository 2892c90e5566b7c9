// Package telegram implements the Telegram platform adapter: a
// webhook-class adapter backed by github.com/go-telegram-bot-api/telegram-bot-api/v5.
// Connection storage uses the shared internal/adapters/connset helper
// keyed by connectionKey, with a webhookToken side index since the
// dispatcher only carries the token.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rakunlabs/gatekit/internal/adapters/connset"
	"github.com/rakunlabs/gatekit/internal/adapters/webhookctx"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// conn is one live Telegram bot connection.
type conn struct {
	bot          *tgbotapi.BotAPI
	webhookToken string
}

type Adapter struct {
	baseURL string // used to build the setWebHook callback URL
	publish func(*envelope.Envelope)

	conns *connset.Set[*conn]
}

// New returns an unregistered Telegram adapter. baseURL is the public
// GateKit base URL (Config.Server.BaseURL) used to build each bot's
// setWebHook callback; publish hands a parsed inbound Envelope to the
// event bus.
func New(baseURL string, publish func(*envelope.Envelope)) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		publish: publish,
		conns:   connset.New[*conn](),
	}
}

func (a *Adapter) Name() string        { return "telegram" }
func (a *Adapter) DisplayName() string { return "Telegram" }
func (a *Adapter) ConnectionType() service.ConnectionType {
	return service.ConnectionWebhook
}

func (a *Adapter) Capabilities() []service.Capability {
	return []service.Capability{
		service.CapSendMessage,
		service.CapReceiveMessage,
		service.CapButtons,
		service.CapAttachments,
	}
}

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

// CreateAdapter builds a bot client from {token, botUsername?, webhookToken?}
// and registers the Telegram webhook to point back at GateKit's generic
// dispatcher.
func (a *Adapter) CreateAdapter(ctx context.Context, connectionKey string, credentials map[string]any) error {
	token, _ := credentials["token"].(string)
	if token == "" {
		return fmt.Errorf("telegram: credentials missing token")
	}
	webhookToken, _ := credentials["webhookToken"].(string)

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("telegram: new bot: %w", err)
	}

	if webhookToken != "" && a.baseURL != "" {
		hookURL := a.baseURL + "/api/v1/webhooks/telegram/" + webhookToken
		wh, err := tgbotapi.NewWebhook(hookURL)
		if err != nil {
			return fmt.Errorf("telegram: build webhook: %w", err)
		}
		wh.AllowedUpdates = []string{"message", "callback_query", "inline_query"}
		if _, err := bot.Request(wh); err != nil {
			return fmt.Errorf("telegram: set webhook: %w", err)
		}
	}

	a.conns.Put(connectionKey, webhookToken, &conn{bot: bot, webhookToken: webhookToken})
	return nil
}

func (a *Adapter) GetAdapter(connectionKey string) bool {
	return a.conns.Has(connectionKey)
}

func (a *Adapter) RemoveAdapter(ctx context.Context, connectionKey string) error {
	c, ok := a.conns.Remove(connectionKey)
	if !ok {
		return nil
	}
	if c.webhookToken != "" {
		if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			return fmt.Errorf("telegram: delete webhook: %w", err)
		}
	}
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
		if err := a.RemoveAdapter(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) IsHealthy(connectionKey string) bool {
	if connectionKey == "" {
		return true
	}
	return a.conns.Has(connectionKey)
}

// ToEnvelope parses a Telegram update body into a canonical Envelope.
// update.message becomes a text message; update.callback_query becomes a
// button Action, auto-acknowledged by the caller (see Handler below).
func (a *Adapter) ToEnvelope(providerPayload []byte, projectID string) (*envelope.Envelope, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(providerPayload, &update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}

	env := envelope.New("telegram", projectID, "")
	env.Provider.Raw = json.RawMessage(providerPayload)

	switch {
	case update.Message != nil:
		m := update.Message
		// The message id is the stable per-chat identifier Telegram
		// retries webhooks with, so it is the dedup key, not update_id.
		env.Provider.EventID = strconv.Itoa(m.MessageID)
		env.ThreadID = strconv.FormatInt(m.Chat.ID, 10)
		if m.From != nil {
			env.User = envelope.User{
				ProviderUserID: strconv.FormatInt(m.From.ID, 10),
				Display:        m.From.UserName,
			}
		}
		env.Message = &envelope.Message{Text: m.Text}

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		env.Provider.EventID = cb.ID
		if cb.Message != nil {
			env.ThreadID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		}
		env.User = envelope.User{
			ProviderUserID: strconv.FormatInt(cb.From.ID, 10),
			Display:        cb.From.UserName,
		}
		env.Action = &envelope.Action{Type: "button", Value: cb.Data}

	default:
		return nil, fmt.Errorf("telegram: unsupported update kind")
	}

	return env, nil
}

// SendMessage renders reply as an HTML-parse-mode sendMessage call to
// env.ThreadID (the chat id).
func (a *Adapter) SendMessage(ctx context.Context, connectionKey string, env *envelope.Envelope, reply service.Reply) (*service.SendResult, error) {
	c, ok := a.conns.Get(connectionKey)
	if !ok {
		return nil, fmt.Errorf("telegram: not found: no connection for %q", connectionKey)
	}

	chatID, err := strconv.ParseInt(env.ThreadID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", env.ThreadID, err)
	}

	msg := tgbotapi.NewMessage(chatID, reply.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	if reply.ReplyTo != "" {
		if id, err := strconv.Atoi(reply.ReplyTo); err == nil {
			msg.ReplyToMessageID = id
		}
	}
	if len(reply.Buttons) > 0 {
		msg.ReplyMarkup = inlineKeyboard(reply.Buttons)
	}

	sent, err := c.bot.Send(msg)
	if err != nil {
		return nil, fmt.Errorf("telegram: send message: %w", err)
	}

	return &service.SendResult{ProviderMessageID: strconv.Itoa(sent.MessageID)}, nil
}

func inlineKeyboard(buttons []service.Button) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Value))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// GetWebhookConfig mounts the generic dispatch path. The handler decodes
// the update, auto-ACKs callback queries, builds an Envelope, and
// publishes it; the PlatformConfig identity is read from the request
// context, attached by the server's generic dispatcher after resolving
// the webhookToken (registry.DispatchByToken).
func (a *Adapter) GetWebhookConfig() *service.WebhookConfig {
	return &service.WebhookConfig{
		Path: "/telegram/{webhookToken}",
		Handler: func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read body", http.StatusBadRequest)
				return
			}

			var update tgbotapi.Update
			if err := json.Unmarshal(body, &update); err != nil {
				http.Error(w, "decode update", http.StatusBadRequest)
				return
			}

			connKey, haveConn := a.conns.KeyForToken(params["webhookToken"])

			if update.CallbackQuery != nil && haveConn {
				if c, ok := a.conns.Get(connKey); ok {
					_, _ = c.bot.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, ""))
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
