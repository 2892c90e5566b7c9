package outbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeMessages is an in-memory MessageStorer covering the SentMessage
// paths the pipeline touches.
type fakeMessages struct {
	mu   sync.Mutex
	sent map[string]*service.SentMessage
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{sent: make(map[string]*service.SentMessage)}
}

func (f *fakeMessages) CreateReceivedMessage(context.Context, service.ReceivedMessage) (*service.ReceivedMessage, error) {
	return nil, nil
}
func (f *fakeMessages) ListReceivedMessages(context.Context, string, service.MessageFilter) ([]service.ReceivedMessage, error) {
	return nil, nil
}
func (f *fakeMessages) CreateReceivedReaction(context.Context, service.ReceivedReaction) (*service.ReceivedReaction, error) {
	return nil, nil
}
func (f *fakeMessages) CurrentReactions(context.Context, string, string) ([]service.ReceivedReaction, error) {
	return nil, nil
}
func (f *fakeMessages) ListSentMessages(context.Context, string, service.MessageFilter) ([]service.SentMessage, error) {
	return nil, nil
}
func (f *fakeMessages) MessageStats(context.Context, string) (*service.MessageStats, error) {
	return &service.MessageStats{}, nil
}

func (f *fakeMessages) CreateSentMessage(_ context.Context, m service.SentMessage) (*service.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = ulid.Make().String()
	m.CreatedAt = time.Now().UTC()
	f.sent[m.ID] = &m
	cp := m
	return &cp, nil
}

func (f *fakeMessages) UpdateSentMessageStatus(_ context.Context, id string, status service.SentStatus, providerMessageID, errorMessage string, sentAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.sent[id]
	if !ok {
		return service.ErrNotFound
	}
	if m.Status != service.SentPending {
		return errors.New("sent message already in a terminal state")
	}
	m.Status = status
	m.ProviderMessageID = providerMessageID
	m.ErrorMessage = errorMessage
	m.SentAt = sentAt
	return nil
}

func (f *fakeMessages) ListSentMessagesByJob(_ context.Context, jobID string) ([]service.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []service.SentMessage
	for _, m := range f.sent {
		if m.JobID == jobID {
			out = append(out, *m)
		}
	}
	return out, nil
}

// fakePlatforms serves PlatformConfig lookups from a fixed map.
type fakePlatforms struct {
	configs map[string]*service.PlatformConfig
}

func (f *fakePlatforms) ListPlatformConfigs(context.Context, string) ([]service.PlatformConfig, error) {
	return nil, nil
}
func (f *fakePlatforms) GetPlatformConfig(_ context.Context, id string) (*service.PlatformConfig, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}
func (f *fakePlatforms) GetPlatformConfigByWebhookToken(context.Context, string) (*service.PlatformConfig, error) {
	return nil, nil
}
func (f *fakePlatforms) CreatePlatformConfig(context.Context, service.PlatformConfig, map[string]any) (*service.PlatformConfig, error) {
	return nil, nil
}
func (f *fakePlatforms) UpdatePlatformConfig(context.Context, string, service.PlatformConfig, map[string]any) (*service.PlatformConfig, error) {
	return nil, nil
}
func (f *fakePlatforms) DeletePlatformConfig(context.Context, string) error { return nil }
func (f *fakePlatforms) DecryptCredentials(context.Context, service.PlatformConfig) (map[string]any, error) {
	return map[string]any{"token": "t"}, nil
}
func (f *fakePlatforms) RotateEncryptionKey(context.Context, []byte) error { return nil }
func (f *fakePlatforms) SetEncryptionKey([]byte)                           {}

// fakeAdapter satisfies service.Adapter; sendErr configures SendMessage's
// outcome per thread id.
type fakeAdapter struct {
	name    string
	sendErr map[string]error // threadId -> error (nil entry = success)

	mu    sync.Mutex
	sends []string
}

func (a *fakeAdapter) Name() string                           { return a.name }
func (a *fakeAdapter) DisplayName() string                    { return a.name }
func (a *fakeAdapter) ConnectionType() service.ConnectionType { return service.ConnectionWebhook }
func (a *fakeAdapter) Capabilities() []service.Capability {
	return []service.Capability{service.CapSendMessage}
}
func (a *fakeAdapter) Initialize(context.Context) error { return nil }
func (a *fakeAdapter) CreateAdapter(context.Context, string, map[string]any) error {
	return nil
}
func (a *fakeAdapter) GetAdapter(string) bool                   { return true }
func (a *fakeAdapter) RemoveAdapter(context.Context, string) error { return nil }
func (a *fakeAdapter) OnPlatformEvent(context.Context, service.LifecycleEvent) error {
	return nil
}
func (a *fakeAdapter) Shutdown(context.Context) error { return nil }
func (a *fakeAdapter) IsHealthy(string) bool          { return true }
func (a *fakeAdapter) ToEnvelope([]byte, string) (*envelope.Envelope, error) {
	return nil, nil
}
func (a *fakeAdapter) GetWebhookConfig() *service.WebhookConfig { return nil }

func (a *fakeAdapter) SendMessage(_ context.Context, _ string, env *envelope.Envelope, _ service.Reply) (*service.SendResult, error) {
	a.mu.Lock()
	a.sends = append(a.sends, env.ThreadID)
	a.mu.Unlock()

	if err, ok := a.sendErr[env.ThreadID]; ok && err != nil {
		return nil, err
	}
	return &service.SendResult{ProviderMessageID: "prov-" + env.ThreadID}, nil
}

// fakeRegistry routes every platform name to one adapter.
type fakeRegistry struct {
	adapter *fakeAdapter
}

func (r *fakeRegistry) Get(platform string) (service.Adapter, bool) {
	if platform != r.adapter.name {
		return nil, false
	}
	return r.adapter, true
}

func (r *fakeRegistry) EnsureConnected(_ context.Context, platform, _ string, _ map[string]any) (service.Adapter, error) {
	a, ok := r.Get(platform)
	if !ok {
		return nil, errors.New("platform not registered")
	}
	return a, nil
}

// emitRecorder captures emitted lifecycle events.
type emitRecorder struct {
	mu     sync.Mutex
	events []service.Event
}

func (e *emitRecorder) Emit(_ context.Context, _ string, evt service.Event, _ any) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *emitRecorder) has(evt service.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, got := range e.events {
		if got == evt {
			return true
		}
	}
	return false
}

func newTestPipeline(t *testing.T, messages *fakeMessages, platforms *fakePlatforms, adapter *fakeAdapter, events *emitRecorder) *Pipeline {
	t.Helper()
	p := New(messages, platforms, &fakeRegistry{adapter: adapter}, events, nil, 2)
	p.backoffBase = time.Millisecond
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func waitForTerminal(t *testing.T, p *Pipeline, jobID string) *Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.GetStatus(jobID); s != nil && (s.State == StateComplete || s.State == StateFailed) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func activeConfig(id string) *service.PlatformConfig {
	return &service.PlatformConfig{
		ID:        id,
		ProjectID: "proj-1",
		Platform:  "telegram",
		IsActive:  true,
	}
}

func TestAcceptValidation(t *testing.T) {
	p := newTestPipeline(t, newFakeMessages(), &fakePlatforms{}, &fakeAdapter{name: "telegram"}, &emitRecorder{})

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"no targets", SendRequest{Content: Content{Text: "hi"}}},
		{"no content", SendRequest{Targets: []envelope.Target{{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"}}}},
	}

	for _, tt := range tests {
		_, err := p.Accept(context.Background(), "demo", "proj-1", tt.req)
		if err == nil {
			t.Errorf("%s: expected validation error", tt.name)
			continue
		}
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("%s: KindOf = %q, want validation", tt.name, apperr.KindOf(err))
		}
	}
}

func TestAcceptWritesOnePendingRowPerTarget(t *testing.T) {
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{}}
	adapter := &fakeAdapter{name: "telegram"}
	p := New(messages, platforms, &fakeRegistry{adapter: adapter}, nil, nil, 1)
	// Not started: rows must exist as pending before any worker runs.

	jobID, err := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{
			{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"},
			{PlatformConfigID: "P2", Type: envelope.TargetChannel, ID: "B"},
		},
		Content: Content{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	rows, _ := messages.ListSentMessagesByJob(context.Background(), jobID)
	if len(rows) != 2 {
		t.Fatalf("%d SentMessage rows, want one per target", len(rows))
	}
	for _, row := range rows {
		if row.Status != service.SentPending {
			t.Fatalf("row %s status = %q, want pending", row.ID, row.Status)
		}
	}

	if s := p.GetStatus(jobID); s == nil || s.State != StateQueued {
		t.Fatalf("job status = %+v, want queued", s)
	}
}

func TestFanOutAllTargetsSucceed(t *testing.T) {
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{
		"P1": activeConfig("P1"),
		"P2": activeConfig("P2"),
	}}
	adapter := &fakeAdapter{name: "telegram"}
	events := &emitRecorder{}
	p := newTestPipeline(t, messages, platforms, adapter, events)

	jobID, err := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{
			{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"},
			{PlatformConfigID: "P2", Type: envelope.TargetUser, ID: "B"},
		},
		Content: Content{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	s := waitForTerminal(t, p, jobID)
	if s.State != StateComplete {
		t.Fatalf("job state = %q, want completed", s.State)
	}

	rows, _ := messages.ListSentMessagesByJob(context.Background(), jobID)
	for _, row := range rows {
		if row.Status != service.SentSent {
			t.Fatalf("row for %s status = %q, want sent", row.TargetChatID, row.Status)
		}
		if row.ProviderMessageID == "" || row.SentAt == nil {
			t.Fatalf("row for %s missing providerMessageId/sentAt", row.TargetChatID)
		}
	}

	if !events.has(service.EventMessageSent) {
		t.Fatal("expected message.sent event")
	}
}

func TestFanOutMissingConfigIsPermanent(t *testing.T) {
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{
		"P1": activeConfig("P1"),
		// PDELETED intentionally absent.
	}}
	adapter := &fakeAdapter{name: "telegram"}
	events := &emitRecorder{}
	p := newTestPipeline(t, messages, platforms, adapter, events)

	jobID, err := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{
			{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"},
			{PlatformConfigID: "PDELETED", Type: envelope.TargetUser, ID: "B"},
		},
		Content: Content{Text: "hello"},
	})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	s := waitForTerminal(t, p, jobID)
	if s.State != StateFailed {
		t.Fatalf("job state = %q, want failed (permanent failure aborts the job)", s.State)
	}
	if s.Data.Error == "" {
		t.Fatal("failed job must carry the error in its status data")
	}

	rows, _ := messages.ListSentMessagesByJob(context.Background(), jobID)
	byTarget := make(map[string]service.SentMessage, len(rows))
	for _, row := range rows {
		byTarget[row.TargetChatID] = row
	}

	if got := byTarget["A"].Status; got != service.SentSent {
		t.Fatalf("target A status = %q, want sent", got)
	}
	if got := byTarget["B"].Status; got != service.SentFailed {
		t.Fatalf("target B status = %q, want failed", got)
	}
	if msg := byTarget["B"].ErrorMessage; !strings.Contains(msg, "not found") {
		t.Fatalf("target B error = %q, want mention of \"not found\"", msg)
	}

	if !events.has(service.EventMessageSent) {
		t.Fatal("expected message.sent event for target A")
	}
	if !events.has(service.EventMessageFailed) {
		t.Fatal("expected message.failed event for target B")
	}
}

func TestInactiveConfigIsPermanent(t *testing.T) {
	inactive := activeConfig("P1")
	inactive.IsActive = false
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{"P1": inactive}}
	p := newTestPipeline(t, messages, platforms, &fakeAdapter{name: "telegram"}, &emitRecorder{})

	jobID, _ := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"}},
		Content: Content{Text: "hello"},
	})

	s := waitForTerminal(t, p, jobID)
	if s.State != StateFailed {
		t.Fatalf("job state = %q, want failed", s.State)
	}
	if s.AttemptsMade != 1 {
		t.Fatalf("AttemptsMade = %d, want 1 (permanent failures never retry)", s.AttemptsMade)
	}
}

func TestTransientFailureRetriesUpToMaxAttempts(t *testing.T) {
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{"P1": activeConfig("P1")}}
	adapter := &fakeAdapter{
		name:    "telegram",
		sendErr: map[string]error{"A": errors.New("connection reset by peer")},
	}
	p := newTestPipeline(t, messages, platforms, adapter, &emitRecorder{})

	jobID, _ := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"}},
		Content: Content{Text: "hello"},
	})

	s := waitForTerminal(t, p, jobID)
	if s.State != StateFailed {
		t.Fatalf("job state = %q, want failed after retries exhaust", s.State)
	}
	if s.AttemptsMade != MaxAttempts {
		t.Fatalf("AttemptsMade = %d, want %d", s.AttemptsMade, MaxAttempts)
	}

	adapter.mu.Lock()
	sends := len(adapter.sends)
	adapter.mu.Unlock()
	if sends != MaxAttempts {
		t.Fatalf("adapter saw %d sends, want %d", sends, MaxAttempts)
	}
}

func TestRetryCreatesNewJobWithoutMutatingOriginalRows(t *testing.T) {
	messages := newFakeMessages()
	platforms := &fakePlatforms{configs: map[string]*service.PlatformConfig{"P1": activeConfig("P1")}}
	adapter := &fakeAdapter{name: "telegram"}
	p := newTestPipeline(t, messages, platforms, adapter, &emitRecorder{})

	jobID, _ := p.Accept(context.Background(), "demo", "proj-1", SendRequest{
		Targets: []envelope.Target{{PlatformConfigID: "P1", Type: envelope.TargetUser, ID: "A"}},
		Content: Content{Text: "hello"},
	})
	waitForTerminal(t, p, jobID)

	originalRows, _ := messages.ListSentMessagesByJob(context.Background(), jobID)

	newJobID, err := p.Retry(context.Background(), "demo", "proj-1", jobID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if newJobID == jobID {
		t.Fatal("retry must mint a fresh jobId")
	}
	waitForTerminal(t, p, newJobID)

	afterRows, _ := messages.ListSentMessagesByJob(context.Background(), jobID)
	if len(afterRows) != len(originalRows) {
		t.Fatal("retry must not add rows under the original jobId")
	}

	newRows, _ := messages.ListSentMessagesByJob(context.Background(), newJobID)
	if len(newRows) != 1 {
		t.Fatalf("%d rows under the new jobId, want 1", len(newRows))
	}
}

func TestRetryUnknownJob(t *testing.T) {
	p := newTestPipeline(t, newFakeMessages(), &fakePlatforms{}, &fakeAdapter{name: "telegram"}, &emitRecorder{})

	_, err := p.Retry(context.Background(), "demo", "proj-1", "no-such-job")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("KindOf = %q, want not_found", apperr.KindOf(err))
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	p := New(newFakeMessages(), &fakePlatforms{}, &fakeRegistry{adapter: &fakeAdapter{name: "telegram"}}, nil, nil, 1)
	if s := p.GetStatus("missing"); s != nil {
		t.Fatalf("GetStatus(missing) = %+v, want nil", s)
	}
}
