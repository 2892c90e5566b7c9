package apikeys

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatekit/internal/apperr"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeStore is an in-memory ApiKeyStorer for exercising the service layer
// without a database.
type fakeStore struct {
	keys map[string]*service.ApiKey
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]*service.ApiKey)}
}

func (f *fakeStore) ListApiKeys(_ context.Context, projectID string) ([]service.ApiKey, error) {
	var out []service.ApiKey
	for _, k := range f.keys {
		if k.ProjectID == projectID && !k.RevokedAt.Valid {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (f *fakeStore) GetApiKey(_ context.Context, id string) (*service.ApiKey, error) {
	k, ok := f.keys[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetApiKeyByHash(_ context.Context, keyHash string) (*service.ApiKey, error) {
	for _, k := range f.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateApiKey(_ context.Context, k service.ApiKey) (*service.ApiKey, error) {
	k.ID = ulid.Make().String()
	k.CreatedAt = time.Now().UTC()
	f.keys[k.ID] = &k
	cp := k
	return &cp, nil
}

func (f *fakeStore) RevokeApiKey(_ context.Context, id string) error {
	k, ok := f.keys[id]
	if !ok {
		return service.ErrNotFound
	}
	if k.RevokedAt.Valid {
		return nil
	}
	k.RevokedAt = types.NewTimeNull(time.Now().UTC())
	return nil
}

func (f *fakeStore) UpdateLastUsed(_ context.Context, id string, at time.Time) error {
	if k, ok := f.keys[id]; ok {
		k.LastUsedAt = types.NewTimeNull(at)
	}
	return nil
}

func (f *fakeStore) RollApiKey(_ context.Context, oldID string, newKey service.ApiKey, dualLiveUntil time.Time) (*service.ApiKey, error) {
	old, ok := f.keys[oldID]
	if !ok {
		return nil, service.ErrNotFound
	}
	old.RevokedAt = types.NewTimeNull(dualLiveUntil)

	newKey.ID = ulid.Make().String()
	newKey.CreatedAt = time.Now().UTC()
	newKey.RolledFromID = oldID
	f.keys[newKey.ID] = &newKey
	cp := newKey
	return &cp, nil
}

func TestCreateReturnsPlaintextOnce(t *testing.T) {
	store := newFakeStore()
	svc := New(store)

	created, err := svc.Create(context.Background(), "proj-1", "development", "bot",
		[]service.Scope{service.ScopeMessagesSend, service.ScopeMessagesRead}, 0, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(created.Plain, "gk_dev_") {
		t.Fatalf("plaintext = %q, want gk_dev_ prefix", created.Plain)
	}
	if len(created.Key.KeyPrefix) != 8 {
		t.Fatalf("KeyPrefix length = %d, want 8", len(created.Key.KeyPrefix))
	}
	if len(created.Key.KeySuffix) != 4 {
		t.Fatalf("KeySuffix length = %d, want 4", len(created.Key.KeySuffix))
	}
	if created.Key.KeyHash != gkcrypto.HashAPIKey(created.Plain) {
		t.Fatal("stored hash does not match HashAPIKey(plaintext)")
	}

	// The stored record never carries the plaintext.
	stored, _ := store.GetApiKey(context.Background(), created.Key.ID)
	if stored.KeyHash == created.Plain || strings.Contains(stored.KeyHash, created.Plain) {
		t.Fatal("store must only hold the irreversible hash")
	}
}

func TestCreateRejectsUnknownScope(t *testing.T) {
	svc := New(newFakeStore())

	_, err := svc.Create(context.Background(), "proj-1", "development", "bot",
		[]service.Scope{"messages:admin"}, 0, "")
	if err == nil {
		t.Fatal("expected validation error for unknown scope")
	}
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("KindOf = %q, want validation", apperr.KindOf(err))
	}
}

func TestCreateRejectsUnknownEnvironment(t *testing.T) {
	svc := New(newFakeStore())

	_, err := svc.Create(context.Background(), "proj-1", "qa", "bot",
		[]service.Scope{service.ScopeMessagesRead}, 0, "")
	if err == nil {
		t.Fatal("expected validation error for unknown project environment")
	}
}

func TestCreateWithExpiry(t *testing.T) {
	svc := New(newFakeStore())

	created, err := svc.Create(context.Background(), "proj-1", "production", "ci",
		[]service.Scope{service.ScopeMessagesRead}, 30, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !strings.HasPrefix(created.Plain, "gk_live_") {
		t.Fatalf("plaintext = %q, want gk_live_ prefix for production", created.Plain)
	}
	if !created.Key.ExpiresAt.Valid {
		t.Fatal("expected ExpiresAt to be set")
	}
	want := time.Now().UTC().Add(30 * 24 * time.Hour)
	got := created.Key.ExpiresAt.V.Time
	if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want about %v", got, want)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := New(store)

	created, err := svc.Create(context.Background(), "proj-1", "development", "bot",
		[]service.Scope{service.ScopeMessagesRead}, 0, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Revoke(context.Background(), created.Key.ID); err != nil {
		t.Fatalf("first Revoke: %v", err)
	}
	first, _ := store.GetApiKey(context.Background(), created.Key.ID)

	if err := svc.Revoke(context.Background(), created.Key.ID); err != nil {
		t.Fatalf("second Revoke must be idempotent, got: %v", err)
	}
	second, _ := store.GetApiKey(context.Background(), created.Key.ID)

	if !first.RevokedAt.V.Time.Equal(second.RevokedAt.V.Time) {
		t.Fatal("second revoke must not change RevokedAt")
	}
}

func TestListOmitsRevoked(t *testing.T) {
	store := newFakeStore()
	svc := New(store)

	a, _ := svc.Create(context.Background(), "proj-1", "development", "a", []service.Scope{service.ScopeMessagesRead}, 0, "")
	_, _ = svc.Create(context.Background(), "proj-1", "development", "b", []service.Scope{service.ScopeMessagesRead}, 0, "")

	if err := svc.Revoke(context.Background(), a.Key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	keys, err := svc.List(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("List returned %d keys, want 1", len(keys))
	}
	if keys[0].Name != "b" {
		t.Fatalf("List returned %q, want the non-revoked key", keys[0].Name)
	}
}

func TestRollDualLiveWindow(t *testing.T) {
	store := newFakeStore()
	svc := New(store)

	created, err := svc.Create(context.Background(), "proj-1", "staging", "bot",
		[]service.Scope{service.ScopeMessagesSend, service.ScopeMessagesRead}, 0, "ops")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rolled, err := svc.Roll(context.Background(), created.Key.ID, "staging")
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}

	if rolled.Plain == created.Plain {
		t.Fatal("rolled key must carry a fresh plaintext")
	}
	if !strings.HasPrefix(rolled.Plain, "gk_stg_") {
		t.Fatalf("rolled plaintext = %q, want gk_stg_ prefix", rolled.Plain)
	}
	if rolled.Key.Name != created.Key.Name {
		t.Fatalf("rolled name = %q, want %q", rolled.Key.Name, created.Key.Name)
	}
	if len(rolled.Key.Scopes) != len(created.Key.Scopes) {
		t.Fatalf("rolled scopes = %v, want %v", rolled.Key.Scopes, created.Key.Scopes)
	}

	old, _ := store.GetApiKey(context.Background(), created.Key.ID)
	if !old.RevokedAt.Valid {
		t.Fatal("roll must set the old key's RevokedAt")
	}

	now := time.Now().UTC()
	if !old.ValidAt(now) {
		t.Fatal("old key must still validate inside the dual-live window")
	}
	if old.ValidAt(now.Add(DualLiveWindow + time.Minute)) {
		t.Fatal("old key must stop validating after the dual-live window")
	}

	newStored, _ := store.GetApiKey(context.Background(), rolled.Key.ID)
	if !newStored.ValidAt(now) {
		t.Fatal("new key must validate immediately")
	}
}

func TestRollUnknownKey(t *testing.T) {
	svc := New(newFakeStore())

	_, err := svc.Roll(context.Background(), "missing", "development")
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("KindOf = %q, want not_found", apperr.KindOf(err))
	}
}
