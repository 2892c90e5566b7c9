// Package inbound is the inbound event pipeline: it subscribes to the
// event bus and, for each published Envelope, persists a ReceivedMessage
// or ReceivedReaction row, resolves Identity best-effort, and emits a
// lifecycle event to the webhook subscriber pipeline. Envelopes are
// hashed by (platformConfigId, providerChatId) onto a fixed worker pool
// so a single thread's messages process in arrival order while different
// threads run concurrently.
package inbound

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"

	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/eventbus"
	"github.com/rakunlabs/gatekit/internal/identity"
	"github.com/rakunlabs/gatekit/internal/platformlogs"
	"github.com/rakunlabs/gatekit/internal/service"
)

// Workers is the fixed-size pool envelopes are pinned to by thread hash.
const Workers = 8

type Processor struct {
	bus      *eventbus.Bus
	messages service.MessageStorer
	identity *identity.Resolver
	events   service.EventEmitter
	logs     *platformlogs.Logger

	lanes []chan *envelope.Envelope
	stop  chan struct{}
}

func New(bus *eventbus.Bus, messages service.MessageStorer, resolver *identity.Resolver, events service.EventEmitter, logs *platformlogs.Logger) *Processor {
	p := &Processor{
		bus:      bus,
		messages: messages,
		identity: resolver,
		events:   events,
		logs:     logs,
		lanes:    make([]chan *envelope.Envelope, Workers),
		stop:     make(chan struct{}),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan *envelope.Envelope, 256)
	}
	return p
}

// Start subscribes to the bus and launches the fixed worker pool plus the
// dispatch goroutine that hashes incoming envelopes onto a lane.
func (p *Processor) Start() {
	ch, unsubscribe := p.bus.Subscribe()

	for i := range p.lanes {
		go p.runLane(p.lanes[i])
	}

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-p.stop:
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				p.dispatch(env)
			}
		}
	}()
}

func (p *Processor) Stop() {
	close(p.stop)
}

func (p *Processor) dispatch(env *envelope.Envelope) {
	lane := p.lanes[threadHash(env.PlatformConfigID, env.ThreadID)%uint32(len(p.lanes))]
	select {
	case lane <- env:
	case <-p.stop:
	}
}

func threadHash(platformConfigID, threadID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(platformConfigID))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(threadID))
	return h.Sum32()
}

func (p *Processor) runLane(lane chan *envelope.Envelope) {
	ctx := context.Background()
	for {
		select {
		case <-p.stop:
			return
		case env, ok := <-lane:
			if !ok {
				return
			}
			p.process(ctx, env)
		}
	}
}

func (p *Processor) process(ctx context.Context, env *envelope.Envelope) {
	switch {
	case env.IsReaction():
		p.processReaction(ctx, env)
	case env.Message != nil || env.Action != nil:
		p.processMessage(ctx, env)
	default:
		return
	}

	p.resolveIdentity(ctx, env)
}

func (p *Processor) processMessage(ctx context.Context, env *envelope.Envelope) {
	msgType := service.MessageOther
	text := ""
	switch {
	case env.Message != nil:
		msgType = service.MessageText
		text = env.Message.Text
	case env.Action != nil:
		msgType = service.MessageCallback
	}

	row := service.ReceivedMessage{
		ProjectID:         env.ProjectID,
		PlatformConfigID:  env.PlatformConfigID,
		Platform:          env.Channel,
		ProviderMessageID: env.Provider.EventID,
		ProviderChatID:    env.ThreadID,
		ProviderUserID:    env.User.ProviderUserID,
		UserDisplay:       env.User.Display,
		MessageText:       text,
		MessageType:       msgType,
		RawData:           env.Provider.Raw,
		ReceivedAt:        env.Ts,
	}

	_, err := p.messages.CreateReceivedMessage(ctx, row)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateKey) {
			slog.Debug("received message duplicate, swallowed", "platform", env.Channel, "providerMessageId", env.Provider.EventID)
			return
		}
		slog.Error("persist received message failed", "platform", env.Channel, "error", err)
		if p.logs != nil {
			p.logs.ErrorMessage(ctx, env.ProjectID, env.PlatformConfigID, env.Channel, "persist received message failed", err, nil)
		}
		return
	}

	evt := service.EventMessageReceived
	if env.Action != nil {
		evt = service.EventButtonClicked
	}
	if p.events != nil {
		p.events.Emit(ctx, env.ProjectID, evt, row)
	}
}

func (p *Processor) processReaction(ctx context.Context, env *envelope.Envelope) {
	row := service.ReceivedReaction{
		ProjectID:         env.ProjectID,
		PlatformConfigID:  env.PlatformConfigID,
		ProviderMessageID: env.Reaction.ProviderMessageID,
		ProviderUserID:    env.User.ProviderUserID,
		UserDisplay:       env.User.Display,
		Emoji:             env.Reaction.Emoji,
		ReactionType:      service.ReactionType(env.Reaction.Type),
		ReceivedAt:        env.Ts,
	}

	if _, err := p.messages.CreateReceivedReaction(ctx, row); err != nil {
		slog.Error("persist received reaction failed", "platform", env.Channel, "error", err)
		if p.logs != nil {
			p.logs.ErrorMessage(ctx, env.ProjectID, env.PlatformConfigID, env.Channel, "persist received reaction failed", err, nil)
		}
		return
	}

	evt := service.EventReactionAdded
	if env.Reaction.Type == envelope.ReactionRemoved {
		evt = service.EventReactionRemoved
	}
	if p.events != nil {
		p.events.Emit(ctx, env.ProjectID, evt, row)
	}
}

// resolveIdentity is best-effort: failure logs but never fails ingest.
func (p *Processor) resolveIdentity(ctx context.Context, env *envelope.Envelope) {
	if p.identity == nil || env.User.ProviderUserID == "" {
		return
	}
	if _, err := p.identity.Resolve(ctx, env.ProjectID, env.PlatformConfigID, env.Channel, env.User.ProviderUserID, env.User.Display); err != nil {
		slog.Warn("identity resolution failed", "platform", env.Channel, "providerUserId", env.User.ProviderUserID, "error", err)
	}
}
