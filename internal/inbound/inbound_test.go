package inbound

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/eventbus"
	"github.com/rakunlabs/gatekit/internal/identity"
	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeMessages enforces the (platformConfigId, providerMessageId)
// uniqueness constraint like the real backends.
type fakeMessages struct {
	mu        sync.Mutex
	received  []service.ReceivedMessage
	reactions []service.ReceivedReaction
	seen      map[string]bool
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{seen: make(map[string]bool)}
}

func (f *fakeMessages) CreateReceivedMessage(_ context.Context, m service.ReceivedMessage) (*service.ReceivedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := m.PlatformConfigID + ":" + m.ProviderMessageID
	if f.seen[key] {
		return nil, fmt.Errorf("insert received message: %w", service.ErrDuplicateKey)
	}
	f.seen[key] = true
	m.ID = ulid.Make().String()
	f.received = append(f.received, m)
	cp := m
	return &cp, nil
}

func (f *fakeMessages) CreateReceivedReaction(_ context.Context, r service.ReceivedReaction) (*service.ReceivedReaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = ulid.Make().String()
	f.reactions = append(f.reactions, r)
	cp := r
	return &cp, nil
}

func (f *fakeMessages) ListReceivedMessages(context.Context, string, service.MessageFilter) ([]service.ReceivedMessage, error) {
	return nil, nil
}
func (f *fakeMessages) CurrentReactions(context.Context, string, string) ([]service.ReceivedReaction, error) {
	return nil, nil
}
func (f *fakeMessages) CreateSentMessage(context.Context, service.SentMessage) (*service.SentMessage, error) {
	return nil, nil
}
func (f *fakeMessages) UpdateSentMessageStatus(context.Context, string, service.SentStatus, string, string, *time.Time) error {
	return nil
}
func (f *fakeMessages) ListSentMessagesByJob(context.Context, string) ([]service.SentMessage, error) {
	return nil, nil
}
func (f *fakeMessages) ListSentMessages(context.Context, string, service.MessageFilter) ([]service.SentMessage, error) {
	return nil, nil
}
func (f *fakeMessages) MessageStats(context.Context, string) (*service.MessageStats, error) {
	return &service.MessageStats{}, nil
}

// fakeIdentities is the minimal IdentityStorer the resolver needs.
type fakeIdentities struct {
	mu         sync.Mutex
	identities int
	aliases    map[string]string // tuple -> identityId
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{aliases: make(map[string]string)}
}

func (f *fakeIdentities) ListIdentities(context.Context, string, int, int) ([]service.Identity, error) {
	return nil, nil
}
func (f *fakeIdentities) GetIdentity(context.Context, string) (*service.Identity, error) {
	return nil, nil
}
func (f *fakeIdentities) CreateIdentity(_ context.Context, i service.Identity) (*service.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities++
	i.ID = ulid.Make().String()
	return &i, nil
}
func (f *fakeIdentities) UpdateIdentity(_ context.Context, id string, i service.Identity) (*service.Identity, error) {
	i.ID = id
	return &i, nil
}
func (f *fakeIdentities) DeleteIdentity(context.Context, string) error { return nil }
func (f *fakeIdentities) GetAliasByTuple(_ context.Context, platformConfigID, providerUserID string) (*service.IdentityAlias, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.aliases[platformConfigID+":"+providerUserID]
	if !ok {
		return nil, nil
	}
	return &service.IdentityAlias{IdentityID: id, PlatformConfigID: platformConfigID, ProviderUserID: providerUserID}, nil
}
func (f *fakeIdentities) ListAliases(context.Context, string) ([]service.IdentityAlias, error) {
	return nil, nil
}
func (f *fakeIdentities) CreateAlias(_ context.Context, a service.IdentityAlias) (*service.IdentityAlias, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[a.PlatformConfigID+":"+a.ProviderUserID] = a.IdentityID
	a.ID = ulid.Make().String()
	return &a, nil
}
func (f *fakeIdentities) RemoveAlias(context.Context, string) error { return nil }

type emitRecorder struct {
	mu     sync.Mutex
	events []service.Event
}

func (e *emitRecorder) Emit(_ context.Context, _ string, evt service.Event, _ any) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *emitRecorder) all() []service.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]service.Event(nil), e.events...)
}

func newTestProcessor(messages *fakeMessages, identities *fakeIdentities, events *emitRecorder) *Processor {
	return New(eventbus.New(), messages, identity.New(identities), events, nil)
}

func textEnvelope(providerMessageID, text string) *envelope.Envelope {
	env := envelope.New("telegram", "proj-1", "cfg-1")
	env.ThreadID = "100"
	env.User = envelope.User{ProviderUserID: "7", Display: "alice"}
	env.Message = &envelope.Message{Text: text}
	env.Provider.EventID = providerMessageID
	return env
}

func TestProcessPersistsTextMessage(t *testing.T) {
	messages := newFakeMessages()
	identities := newFakeIdentities()
	events := &emitRecorder{}
	p := newTestProcessor(messages, identities, events)

	p.process(context.Background(), textEnvelope("42", "hi"))

	if len(messages.received) != 1 {
		t.Fatalf("%d rows persisted, want 1", len(messages.received))
	}
	row := messages.received[0]
	if row.ProviderMessageID != "42" || row.ProviderChatID != "100" || row.ProviderUserID != "7" {
		t.Fatalf("row = %+v", row)
	}
	if row.UserDisplay != "alice" || row.MessageText != "hi" {
		t.Fatalf("row = %+v", row)
	}
	if row.MessageType != service.MessageText {
		t.Fatalf("MessageType = %q, want text", row.MessageType)
	}

	got := events.all()
	if len(got) != 1 || got[0] != service.EventMessageReceived {
		t.Fatalf("events = %v, want [message.received]", got)
	}
}

func TestProcessSwallowsDuplicates(t *testing.T) {
	messages := newFakeMessages()
	events := &emitRecorder{}
	p := newTestProcessor(messages, newFakeIdentities(), events)

	p.process(context.Background(), textEnvelope("42", "hi"))
	p.process(context.Background(), textEnvelope("42", "hi"))

	if len(messages.received) != 1 {
		t.Fatalf("%d rows after duplicate ingest, want exactly 1", len(messages.received))
	}
	if got := events.all(); len(got) != 1 {
		t.Fatalf("duplicate must not re-emit: events = %v", got)
	}
}

func TestProcessButtonClick(t *testing.T) {
	messages := newFakeMessages()
	events := &emitRecorder{}
	p := newTestProcessor(messages, newFakeIdentities(), events)

	env := envelope.New("telegram", "proj-1", "cfg-1")
	env.ThreadID = "100"
	env.User = envelope.User{ProviderUserID: "7", Display: "alice"}
	env.Action = &envelope.Action{Type: "button", Value: "confirm"}
	env.Provider.EventID = "cb-1"

	p.process(context.Background(), env)

	if len(messages.received) != 1 {
		t.Fatalf("%d rows, want 1", len(messages.received))
	}
	if messages.received[0].MessageType != service.MessageCallback {
		t.Fatalf("MessageType = %q, want callback", messages.received[0].MessageType)
	}
	if got := events.all(); len(got) != 1 || got[0] != service.EventButtonClicked {
		t.Fatalf("events = %v, want [button.clicked]", got)
	}
}

func TestProcessReactionAddedAndRemoved(t *testing.T) {
	messages := newFakeMessages()
	events := &emitRecorder{}
	p := newTestProcessor(messages, newFakeIdentities(), events)

	for _, typ := range []envelope.ReactionType{envelope.ReactionAdded, envelope.ReactionRemoved} {
		env := envelope.New("discord", "proj-1", "cfg-1")
		env.User = envelope.User{ProviderUserID: "7"}
		env.Reaction = &envelope.Reaction{ProviderMessageID: "42", Emoji: "👍", Type: typ}
		p.process(context.Background(), env)
	}

	if len(messages.reactions) != 2 {
		t.Fatalf("%d reaction rows, want 2 (every event is recorded)", len(messages.reactions))
	}

	got := events.all()
	want := []service.Event{service.EventReactionAdded, service.EventReactionRemoved}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestProcessResolvesIdentity(t *testing.T) {
	identities := newFakeIdentities()
	p := newTestProcessor(newFakeMessages(), identities, &emitRecorder{})

	p.process(context.Background(), textEnvelope("42", "hi"))
	p.process(context.Background(), textEnvelope("43", "again"))

	identities.mu.Lock()
	defer identities.mu.Unlock()
	if identities.identities != 1 {
		t.Fatalf("%d identities created for the same user tuple, want 1", identities.identities)
	}
}

func TestProcessIgnoresEmptyEnvelope(t *testing.T) {
	messages := newFakeMessages()
	p := newTestProcessor(messages, newFakeIdentities(), &emitRecorder{})

	env := envelope.New("telegram", "proj-1", "cfg-1")
	env.User = envelope.User{ProviderUserID: "7"}
	p.process(context.Background(), env)

	if len(messages.received) != 0 || len(messages.reactions) != 0 {
		t.Fatal("an envelope with no message, action, or reaction must be dropped")
	}
}

func TestStartConsumesFromBus(t *testing.T) {
	bus := eventbus.New()
	messages := newFakeMessages()
	p := New(bus, messages, identity.New(newFakeIdentities()), &emitRecorder{}, nil)

	p.Start()
	defer p.Stop()

	bus.Publish(textEnvelope("42", "hi"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		messages.mu.Lock()
		n := len(messages.received)
		messages.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("published envelope never reached the store")
}

func TestThreadHashIsStable(t *testing.T) {
	a := threadHash("cfg-1", "100")
	b := threadHash("cfg-1", "100")
	if a != b {
		t.Fatal("threadHash must be deterministic for lane pinning")
	}
	if threadHash("cfg-1", "100") == threadHash("cfg-1", "101") && threadHash("cfg-1", "100") == threadHash("cfg-2", "100") {
		t.Fatal("distinct threads should not all collide")
	}
}
