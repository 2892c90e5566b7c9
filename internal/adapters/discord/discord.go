// Package discord implements the Discord platform adapter: a
// websocket-class adapter backed by github.com/bwmarrin/discordgo.
// Connections share internal/adapters/connset and are capped at
// MaxConnections per process.
package discord

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/rakunlabs/gatekit/internal/adapters/connset"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// MaxConnections is the hard cap on live Discord gateway sessions per
// process; excess CreateAdapter calls are rejected.
const MaxConnections = 100

type conn struct {
	session *discordgo.Session

	// removeHandlers detaches every registered listener on teardown so a
	// removed connection leaves no dangling callback.
	removeHandlers []func()
}

type Adapter struct {
	publish func(*envelope.Envelope)

	conns *connset.Set[*conn]
}

func New(publish func(*envelope.Envelope)) *Adapter {
	return &Adapter{
		publish: publish,
		conns:   connset.New[*conn](),
	}
}

func (a *Adapter) Name() string        { return "discord" }
func (a *Adapter) DisplayName() string { return "Discord" }
func (a *Adapter) ConnectionType() service.ConnectionType {
	return service.ConnectionWebSocket
}

func (a *Adapter) Capabilities() []service.Capability {
	return []service.Capability{
		service.CapSendMessage,
		service.CapReceiveMessage,
		service.CapEmbeds,
		service.CapButtons,
	}
}

func (a *Adapter) Initialize(ctx context.Context) error { return nil }

// CreateAdapter opens a gateway session for {token} with intents {Guilds,
// GuildMessages, MessageContent, DirectMessages}, rejecting once
// MaxConnections live sessions already exist.
func (a *Adapter) CreateAdapter(ctx context.Context, connectionKey string, credentials map[string]any) error {
	if a.conns.Len() >= MaxConnections {
		return fmt.Errorf("discord: MAX_CONNECTIONS (%d) reached, rejecting new connection", MaxConnections)
	}

	token, _ := credentials["token"].(string)
	if token == "" {
		return fmt.Errorf("discord: credentials missing token")
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsDirectMessages

	c := &conn{session: session}

	removeMsg := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author != nil && m.Author.Bot {
			return
		}
		a.handleEvent(connectionKey, "messageCreate", m)
	})
	removeInt := session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		a.handleEvent(connectionKey, "interactionCreate", i)
	})
	c.removeHandlers = []func(){removeMsg, removeInt}

	if err := session.Open(); err != nil {
		removeMsg()
		removeInt()
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.conns.Put(connectionKey, "", c)
	return nil
}

func (a *Adapter) GetAdapter(connectionKey string) bool {
	return a.conns.Has(connectionKey)
}

// RemoveAdapter detaches every registered listener before closing the
// session, so a removed connection leaves no dangling callback.
func (a *Adapter) RemoveAdapter(ctx context.Context, connectionKey string) error {
	c, ok := a.conns.Remove(connectionKey)
	if !ok {
		return nil
	}
	for _, remove := range c.removeHandlers {
		remove()
	}
	return c.session.Close()
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
	c, ok := a.conns.Get(connectionKey)
	if !ok {
		return false
	}
	return c.session.DataReady
}

// rawEvent is the ToEnvelope-facing shape published internally; discordgo
// events aren't trivially re-marshaled, so handleEvent builds the
// Envelope directly off the live gateway object and skips ToEnvelope for
// its own inbound path. ToEnvelope still exists to satisfy the SPI for
// callers that only hold a raw JSON payload (e.g. replay/testing).
type rawEvent struct {
	Kind      string          `json:"kind"`
	ChannelID string          `json:"channelId"`
	AuthorID  string          `json:"authorId"`
	Author    string          `json:"author"`
	Content   string          `json:"content"`
	MessageID string          `json:"messageId"`
	Value     string          `json:"value,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

func (a *Adapter) handleEvent(connectionKey, kind string, evt any) {
	if a.publish == nil {
		return
	}

	re := rawEvent{Kind: kind}
	switch v := evt.(type) {
	case *discordgo.MessageCreate:
		re.ChannelID = v.ChannelID
		re.MessageID = v.ID
		re.Content = v.Content
		if v.Author != nil {
			re.AuthorID = v.Author.ID
			re.Author = v.Author.Username
		}
	case *discordgo.InteractionCreate:
		if v.Member != nil && v.Member.User != nil {
			re.AuthorID = v.Member.User.ID
			re.Author = v.Member.User.Username
		} else if v.User != nil {
			re.AuthorID = v.User.ID
			re.Author = v.User.Username
		}
		re.ChannelID = v.ChannelID
		re.MessageID = v.ID
		if v.Type == discordgo.InteractionMessageComponent {
			re.Value = v.MessageComponentData().CustomID
		}
	default:
		return
	}

	raw, err := json.Marshal(re)
	if err != nil {
		return
	}

	env, err := a.toEnvelopeFromRaw(re, raw)
	if err != nil {
		return
	}
	if projectID, platformConfigID, ok := envelope.SplitConnectionKey(connectionKey); ok {
		env.ProjectID = projectID
		env.PlatformConfigID = platformConfigID
	}
	a.publish(env)
}

func (a *Adapter) toEnvelopeFromRaw(re rawEvent, raw json.RawMessage) (*envelope.Envelope, error) {
	env := envelope.New("discord", "", "")
	env.Provider.Raw = raw
	env.ThreadID = re.ChannelID
	env.User = envelope.User{ProviderUserID: re.AuthorID, Display: re.Author}

	switch re.Kind {
	case "messageCreate":
		env.Provider.EventID = re.MessageID
		env.Message = &envelope.Message{Text: re.Content}
	case "interactionCreate":
		env.Provider.EventID = re.MessageID
		env.Action = &envelope.Action{Type: "button", Value: re.Value}
	default:
		return nil, fmt.Errorf("discord: unsupported event kind %q", re.Kind)
	}

	return env, nil
}

// ToEnvelope parses a previously-marshaled rawEvent payload (see
// handleEvent) into a canonical Envelope, with projectID filled in by the
// caller since the live gateway path has no HTTP request to resolve it
// from.
func (a *Adapter) ToEnvelope(providerPayload []byte, projectID string) (*envelope.Envelope, error) {
	var re rawEvent
	if err := json.Unmarshal(providerPayload, &re); err != nil {
		return nil, fmt.Errorf("discord: decode event: %w", err)
	}
	env, err := a.toEnvelopeFromRaw(re, providerPayload)
	if err != nil {
		return nil, err
	}
	env.ProjectID = projectID
	return env, nil
}

// SendMessage fetches the channel by env.ThreadID and sends text, or an
// embed when reply.Embeds is non-empty.
func (a *Adapter) SendMessage(ctx context.Context, connectionKey string, env *envelope.Envelope, reply service.Reply) (*service.SendResult, error) {
	c, ok := a.conns.Get(connectionKey)
	if !ok {
		return nil, fmt.Errorf("discord: not found: no connection for %q", connectionKey)
	}

	channelID := env.ThreadID
	if channelID == "" {
		return nil, fmt.Errorf("discord: invalid: envelope missing threadId")
	}

	if len(reply.Embeds) == 0 {
		msg, err := c.session.ChannelMessageSend(channelID, reply.Text)
		if err != nil {
			return nil, fmt.Errorf("discord: send message: %w", err)
		}
		return &service.SendResult{ProviderMessageID: msg.ID}, nil
	}

	e := reply.Embeds[0]
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
	}
	msg, err := c.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		return nil, fmt.Errorf("discord: send embed: %w", err)
	}
	return &service.SendResult{ProviderMessageID: msg.ID}, nil
}

// GetWebhookConfig returns nil: Discord is websocket-class.
func (a *Adapter) GetWebhookConfig() *service.WebhookConfig { return nil }
