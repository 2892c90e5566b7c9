package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rakunlabs/gatekit/internal/envelope"
	"github.com/rakunlabs/gatekit/internal/service"
)

// stubAdapter tracks lifecycle calls; GetAdapter reflects CreateAdapter
// state so EnsureConnected's auto-connect path can be observed.
type stubAdapter struct {
	name string

	mu          sync.Mutex
	connections map[string]bool
	creates     int32
	initialized bool
	events      []service.LifecycleEvent
	shutdowns   int
}

func newStubAdapter(name string) *stubAdapter {
	return &stubAdapter{name: name, connections: make(map[string]bool)}
}

func (a *stubAdapter) Name() string                           { return a.name }
func (a *stubAdapter) DisplayName() string                    { return a.name }
func (a *stubAdapter) ConnectionType() service.ConnectionType { return service.ConnectionWebhook }
func (a *stubAdapter) Capabilities() []service.Capability     { return nil }

func (a *stubAdapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialized = true
	return nil
}

func (a *stubAdapter) CreateAdapter(_ context.Context, connectionKey string, _ map[string]any) error {
	atomic.AddInt32(&a.creates, 1)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections[connectionKey] = true
	return nil
}

func (a *stubAdapter) GetAdapter(connectionKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connections[connectionKey]
}

func (a *stubAdapter) RemoveAdapter(_ context.Context, connectionKey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connections, connectionKey)
	return nil
}

func (a *stubAdapter) OnPlatformEvent(_ context.Context, evt service.LifecycleEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

func (a *stubAdapter) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdowns++
	return nil
}

func (a *stubAdapter) IsHealthy(string) bool { return true }
func (a *stubAdapter) ToEnvelope([]byte, string) (*envelope.Envelope, error) {
	return nil, nil
}
func (a *stubAdapter) SendMessage(context.Context, string, *envelope.Envelope, service.Reply) (*service.SendResult, error) {
	return &service.SendResult{}, nil
}
func (a *stubAdapter) GetWebhookConfig() *service.WebhookConfig { return nil }

// stubPlatforms counts lookups so DispatchByToken's "404 without DB
// lookup" behavior can be asserted.
type stubPlatforms struct {
	byToken map[string]*service.PlatformConfig
	lookups int32
}

func (s *stubPlatforms) ListPlatformConfigs(context.Context, string) ([]service.PlatformConfig, error) {
	return nil, nil
}
func (s *stubPlatforms) GetPlatformConfig(context.Context, string) (*service.PlatformConfig, error) {
	return nil, nil
}
func (s *stubPlatforms) GetPlatformConfigByWebhookToken(_ context.Context, token string) (*service.PlatformConfig, error) {
	atomic.AddInt32(&s.lookups, 1)
	cfg, ok := s.byToken[token]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}
func (s *stubPlatforms) CreatePlatformConfig(context.Context, service.PlatformConfig, map[string]any) (*service.PlatformConfig, error) {
	return nil, nil
}
func (s *stubPlatforms) UpdatePlatformConfig(context.Context, string, service.PlatformConfig, map[string]any) (*service.PlatformConfig, error) {
	return nil, nil
}
func (s *stubPlatforms) DeletePlatformConfig(context.Context, string) error { return nil }
func (s *stubPlatforms) DecryptCredentials(context.Context, service.PlatformConfig) (map[string]any, error) {
	return map[string]any{"token": "t"}, nil
}
func (s *stubPlatforms) RotateEncryptionKey(context.Context, []byte) error { return nil }
func (s *stubPlatforms) SetEncryptionKey([]byte)                           {}

const testToken = "2f1aeb53-9f62-4c11-8d3f-57d1a9b0c7aa"

func TestRegisterInitializesAdapter(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")

	if err := r.Register(context.Background(), a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !a.initialized {
		t.Fatal("Register must call Initialize")
	}

	got, ok := r.Get("telegram")
	if !ok || got != service.Adapter(a) {
		t.Fatal("Get must return the registered adapter")
	}
	if _, ok := r.Get("discord"); ok {
		t.Fatal("Get must miss on unregistered platforms")
	}
}

func TestRegisterDuplicateOverwrites(t *testing.T) {
	r := New(&stubPlatforms{})
	first := newStubAdapter("telegram")
	second := newStubAdapter("telegram")

	_ = r.Register(context.Background(), first)
	_ = r.Register(context.Background(), second)

	got, _ := r.Get("telegram")
	if got != service.Adapter(second) {
		t.Fatal("duplicate registration must overwrite the previous adapter")
	}
	if len(r.Names()) != 1 {
		t.Fatalf("Names = %v, want one entry", r.Names())
	}
}

func TestEnsureConnectedCreatesOnceAndReuses(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")
	_ = r.Register(context.Background(), a)

	creds := map[string]any{"token": "t"}

	if _, err := r.EnsureConnected(context.Background(), "telegram", "proj:cfg", creds); err != nil {
		t.Fatalf("first EnsureConnected: %v", err)
	}
	if _, err := r.EnsureConnected(context.Background(), "telegram", "proj:cfg", creds); err != nil {
		t.Fatalf("second EnsureConnected: %v", err)
	}

	if n := atomic.LoadInt32(&a.creates); n != 1 {
		t.Fatalf("CreateAdapter called %d times, want 1 (live connection reused)", n)
	}
}

func TestEnsureConnectedUnknownPlatform(t *testing.T) {
	r := New(&stubPlatforms{})
	if _, err := r.EnsureConnected(context.Background(), "matrix", "k", nil); err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestEnsureConnectedConcurrentSingleFlight(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")
	_ = r.Register(context.Background(), a)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.EnsureConnected(context.Background(), "telegram", "proj:cfg", map[string]any{"token": "t"})
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&a.creates); n != 1 {
		t.Fatalf("CreateAdapter called %d times under concurrency, want 1", n)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")
	_ = r.Register(context.Background(), a)

	_, _ = r.EnsureConnected(context.Background(), "telegram", "proj:cfg", map[string]any{"token": "t"})
	if err := r.Disconnect(context.Background(), "telegram", "proj:cfg"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if a.GetAdapter("proj:cfg") {
		t.Fatal("connection must be gone after Disconnect")
	}

	// Disconnect on an unregistered platform is a no-op.
	if err := r.Disconnect(context.Background(), "matrix", "k"); err != nil {
		t.Fatalf("Disconnect unknown platform: %v", err)
	}
}

func TestPropagateReachesAdapter(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")
	_ = r.Register(context.Background(), a)

	evt := service.LifecycleEvent{
		Type:             service.LifecycleActivated,
		ConnectionKey:    "proj:cfg",
		PlatformConfigID: "cfg",
		Credentials:      map[string]any{"token": "t"},
	}
	if err := r.Propagate(context.Background(), "telegram", evt); err != nil {
		t.Fatalf("Propagate: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) != 1 || a.events[0].Type != service.LifecycleActivated {
		t.Fatalf("adapter events = %+v", a.events)
	}
}

func TestHealthIdleAdapterIsHealthy(t *testing.T) {
	r := New(&stubPlatforms{})
	_ = r.Register(context.Background(), newStubAdapter("telegram"))

	health := r.Health()
	if !health["telegram"] {
		t.Fatal("an adapter with zero connections is still healthy (idle)")
	}
}

func TestShutdownReachesEveryAdapter(t *testing.T) {
	r := New(&stubPlatforms{})
	a := newStubAdapter("telegram")
	b := newStubAdapter("discord")
	_ = r.Register(context.Background(), a)
	_ = r.Register(context.Background(), b)

	r.Shutdown(context.Background())

	for _, ad := range []*stubAdapter{a, b} {
		ad.mu.Lock()
		n := ad.shutdowns
		ad.mu.Unlock()
		if n != 1 {
			t.Fatalf("adapter %s shut down %d times, want 1", ad.name, n)
		}
	}
}

func TestDispatchByTokenRejectsNonUUIDWithoutLookup(t *testing.T) {
	platforms := &stubPlatforms{}
	r := New(platforms)
	_ = r.Register(context.Background(), newStubAdapter("telegram"))

	_, _, status, err := r.DispatchByToken(context.Background(), "telegram", "not-a-uuid")
	if err != nil {
		t.Fatalf("DispatchByToken: %v", err)
	}
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
	if n := atomic.LoadInt32(&platforms.lookups); n != 0 {
		t.Fatalf("store was queried %d times for a malformed token, want 0", n)
	}
}

func TestDispatchByTokenUnknownToken(t *testing.T) {
	platforms := &stubPlatforms{byToken: map[string]*service.PlatformConfig{}}
	r := New(platforms)
	_ = r.Register(context.Background(), newStubAdapter("telegram"))

	_, _, status, _ := r.DispatchByToken(context.Background(), "telegram", testToken)
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestDispatchByTokenPlatformMismatch(t *testing.T) {
	platforms := &stubPlatforms{byToken: map[string]*service.PlatformConfig{
		testToken: {ID: "cfg", ProjectID: "proj", Platform: "discord", WebhookToken: testToken, IsActive: true},
	}}
	r := New(platforms)
	_ = r.Register(context.Background(), newStubAdapter("telegram"))

	_, _, status, _ := r.DispatchByToken(context.Background(), "telegram", testToken)
	if status != 404 {
		t.Fatalf("status = %d, want 404 on platform mismatch", status)
	}
}

func TestDispatchByTokenInactiveConfig(t *testing.T) {
	platforms := &stubPlatforms{byToken: map[string]*service.PlatformConfig{
		testToken: {ID: "cfg", ProjectID: "proj", Platform: "telegram", WebhookToken: testToken, IsActive: false},
	}}
	r := New(platforms)
	_ = r.Register(context.Background(), newStubAdapter("telegram"))

	_, _, status, _ := r.DispatchByToken(context.Background(), "telegram", testToken)
	if status != 404 {
		t.Fatalf("status = %d, want 404 on inactive config", status)
	}
}

func TestDispatchByTokenAutoConnects(t *testing.T) {
	platforms := &stubPlatforms{byToken: map[string]*service.PlatformConfig{
		testToken: {ID: "cfg", ProjectID: "proj", Platform: "telegram", WebhookToken: testToken, IsActive: true},
	}}
	r := New(platforms)
	a := newStubAdapter("telegram")
	_ = r.Register(context.Background(), a)

	adapter, cfg, status, err := r.DispatchByToken(context.Background(), "telegram", testToken)
	if err != nil {
		t.Fatalf("DispatchByToken: %v", err)
	}
	if status != 200 || adapter == nil || cfg == nil {
		t.Fatalf("status = %d, adapter = %v, cfg = %v", status, adapter, cfg)
	}

	// A cold connection is created on demand from decrypted credentials.
	if !a.GetAdapter(envelope.ConnectionKey("proj", "cfg")) {
		t.Fatal("dispatch must auto-connect the adapter")
	}
}
