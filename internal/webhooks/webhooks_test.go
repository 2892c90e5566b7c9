package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeStore is an in-memory WebhookStorer.
type fakeStore struct {
	mu         sync.Mutex
	webhooks   map[string]*service.Webhook
	deliveries map[string]*service.WebhookDelivery
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		webhooks:   make(map[string]*service.Webhook),
		deliveries: make(map[string]*service.WebhookDelivery),
	}
}

func (f *fakeStore) ListWebhooks(context.Context, string) ([]service.Webhook, error) {
	return nil, nil
}

func (f *fakeStore) ListActiveWebhooksForEvent(_ context.Context, projectID string, evt service.Event) ([]service.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []service.Webhook
	for _, w := range f.webhooks {
		if w.ProjectID != projectID || !w.IsActive {
			continue
		}
		for _, e := range w.Events {
			if e == evt {
				out = append(out, *w)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) GetWebhook(_ context.Context, id string) (*service.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.webhooks[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (f *fakeStore) CreateWebhook(_ context.Context, w service.Webhook) (*service.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.ID = ulid.Make().String()
	w.CreatedAt = time.Now().UTC()
	f.webhooks[w.ID] = &w
	cp := w
	return &cp, nil
}

func (f *fakeStore) UpdateWebhook(_ context.Context, id string, w service.Webhook) (*service.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.ID = id
	f.webhooks[id] = &w
	cp := w
	return &cp, nil
}

func (f *fakeStore) DeleteWebhook(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhooks, id)
	return nil
}

func (f *fakeStore) CreateDelivery(_ context.Context, d service.WebhookDelivery) (*service.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d.ID = ulid.Make().String()
	d.CreatedAt = time.Now().UTC()
	f.deliveries[d.ID] = &d
	cp := d
	return &cp, nil
}

func (f *fakeStore) UpdateDelivery(_ context.Context, id string, status service.DeliveryStatus, attemptCount, responseCode int, responseBody string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[id]
	if !ok {
		return service.ErrNotFound
	}
	d.Status = status
	d.AttemptCount = attemptCount
	d.ResponseCode = responseCode
	d.ResponseBody = responseBody
	d.LastAttemptAt = &at
	return nil
}

func (f *fakeStore) DeliveryStats(_ context.Context, webhookID string) (map[service.DeliveryStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[service.DeliveryStatus]int64)
	for _, d := range f.deliveries {
		if d.WebhookID == webhookID {
			stats[d.Status]++
		}
	}
	return stats, nil
}

func (f *fakeStore) ListDeliveries(_ context.Context, webhookID string, _ service.DeliveryFilter) ([]service.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []service.WebhookDelivery
	for _, d := range f.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func newTestService(t *testing.T, store *fakeStore) *Service {
	t.Helper()
	s, err := New(store, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.backoffBase = time.Millisecond
	t.Cleanup(s.Shutdown)
	return s
}

func register(t *testing.T, s *Service, url, secret string, events ...service.Event) *service.Webhook {
	t.Helper()
	w, err := s.Register(context.Background(), service.Webhook{
		ProjectID: "proj-1",
		Name:      "subscriber",
		URL:       url,
		Events:    events,
		Secret:    secret,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return w
}

func waitForDelivery(t *testing.T, store *fakeStore, webhookID string, status service.DeliveryStatus) service.WebhookDelivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, _ := store.ListDeliveries(context.Background(), webhookID, service.DeliveryFilter{})
		for _, d := range rows {
			if d.Status == status {
				return d
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no delivery with status %q for webhook %s", status, webhookID)
	return service.WebhookDelivery{}
}

func TestRegisterAutoGeneratesSecret(t *testing.T) {
	s := newTestService(t, newFakeStore())

	w := register(t, s, "https://example.com/hook", "", service.EventMessageReceived)
	if w.Secret == "" {
		t.Fatal("secret must be auto-generated when omitted")
	}
	if !w.IsActive {
		t.Fatal("a freshly registered webhook is active")
	}
}

func TestRegisterKeepsProvidedSecret(t *testing.T) {
	s := newTestService(t, newFakeStore())

	w := register(t, s, "https://example.com/hook", "my-secret", service.EventMessageSent)
	if w.Secret != "my-secret" {
		t.Fatalf("Secret = %q, want the caller's", w.Secret)
	}
}

func TestRegisterRejectsUnknownEvent(t *testing.T) {
	s := newTestService(t, newFakeStore())

	_, err := s.Register(context.Background(), service.Webhook{
		ProjectID: "proj-1",
		URL:       "https://example.com/hook",
		Events:    []service.Event{"message.exploded"},
	})
	if err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestEmitDeliversSignedPayload(t *testing.T) {
	type seen struct {
		body []byte
		sig  string
	}
	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{body: body, sig: r.Header.Get("X-GateKit-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := newTestService(t, store)
	hook := register(t, s, srv.URL, "S", service.EventMessageReceived)

	s.Emit(context.Background(), "proj-1", service.EventMessageReceived, map[string]any{"messageText": "hi"})

	var delivered seen
	select {
	case delivered = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never received the POST")
	}

	// The signature verifies over the exact raw body bytes.
	if !gkcrypto.VerifyWebhookSignature("S", delivered.body, delivered.sig) {
		t.Fatalf("signature %q does not verify over the raw body", delivered.sig)
	}

	var payload struct {
		Event     string          `json:"event"`
		ProjectID string          `json:"project_id"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(delivered.body, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload.Event != "message.received" || payload.ProjectID != "proj-1" {
		t.Fatalf("payload = %+v", payload)
	}

	d := waitForDelivery(t, store, hook.ID, service.DeliverySuccess)
	if d.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", d.AttemptCount)
	}
}

func TestEmitRetriesUntilSuccess(t *testing.T) {
	// Fails twice, then succeeds: one delivery row ending success with
	// attemptCount=3.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := newTestService(t, store)
	hook := register(t, s, srv.URL, "S", service.EventMessageReceived)

	s.Emit(context.Background(), "proj-1", service.EventMessageReceived, map[string]any{"messageText": "hi"})

	d := waitForDelivery(t, store, hook.ID, service.DeliverySuccess)
	if d.AttemptCount != 3 {
		t.Fatalf("AttemptCount = %d, want 3", d.AttemptCount)
	}
	if d.ResponseCode != http.StatusOK {
		t.Fatalf("ResponseCode = %d, want 200", d.ResponseCode)
	}

	rows, _ := store.ListDeliveries(context.Background(), hook.ID, service.DeliveryFilter{})
	if len(rows) != 1 {
		t.Fatalf("%d delivery rows, want exactly 1 updated across attempts", len(rows))
	}
}

func TestEmitExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := newTestService(t, store)
	hook := register(t, s, srv.URL, "S", service.EventMessageFailed)

	s.Emit(context.Background(), "proj-1", service.EventMessageFailed, map[string]any{"error": "boom"})

	d := waitForDelivery(t, store, hook.ID, service.DeliveryFailed)
	if d.AttemptCount != MaxAttempts {
		t.Fatalf("AttemptCount = %d, want %d", d.AttemptCount, MaxAttempts)
	}
}

func TestEmitSkipsUnsubscribedEvents(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := newTestService(t, store)
	register(t, s, srv.URL, "S", service.EventMessageReceived)

	s.Emit(context.Background(), "proj-1", service.EventReactionAdded, nil)

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("subscriber got %d calls for an event it never subscribed to", n)
	}
}

func TestEmitSkipsOtherProjects(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	s := newTestService(t, store)
	register(t, s, srv.URL, "S", service.EventMessageReceived)

	s.Emit(context.Background(), "proj-2", service.EventMessageReceived, nil)

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("subscriber got %d calls for another project's event", n)
	}
}
