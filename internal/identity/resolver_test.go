package identity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeStore is an in-memory IdentityStorer that enforces the
// (platformConfigId, providerUserId) uniqueness constraint the way the
// real backends do: a second insert surfaces ErrDuplicateKey.
type fakeStore struct {
	identities map[string]*service.Identity
	aliases    map[string]*service.IdentityAlias // keyed by tuple

	// raceOnCreateAlias, when set, simulates a concurrent resolver winning
	// the insert between this resolver's lookup and its CreateAlias call.
	raceOnCreateAlias func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]*service.Identity),
		aliases:    make(map[string]*service.IdentityAlias),
	}
}

func tupleKey(platformConfigID, providerUserID string) string {
	return platformConfigID + ":" + providerUserID
}

func (f *fakeStore) ListIdentities(context.Context, string, int, int) ([]service.Identity, error) {
	return nil, nil
}

func (f *fakeStore) GetIdentity(_ context.Context, id string) (*service.Identity, error) {
	i, ok := f.identities[id]
	if !ok {
		return nil, nil
	}
	cp := *i
	return &cp, nil
}

func (f *fakeStore) CreateIdentity(_ context.Context, i service.Identity) (*service.Identity, error) {
	i.ID = ulid.Make().String()
	i.CreatedAt = time.Now().UTC()
	f.identities[i.ID] = &i
	cp := i
	return &cp, nil
}

func (f *fakeStore) UpdateIdentity(_ context.Context, id string, i service.Identity) (*service.Identity, error) {
	i.ID = id
	f.identities[id] = &i
	cp := i
	return &cp, nil
}

func (f *fakeStore) DeleteIdentity(_ context.Context, id string) error {
	delete(f.identities, id)
	for k, a := range f.aliases {
		if a.IdentityID == id {
			delete(f.aliases, k)
		}
	}
	return nil
}

func (f *fakeStore) GetAliasByTuple(_ context.Context, platformConfigID, providerUserID string) (*service.IdentityAlias, error) {
	a, ok := f.aliases[tupleKey(platformConfigID, providerUserID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeStore) ListAliases(_ context.Context, identityID string) ([]service.IdentityAlias, error) {
	var out []service.IdentityAlias
	for _, a := range f.aliases {
		if a.IdentityID == identityID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAlias(_ context.Context, a service.IdentityAlias) (*service.IdentityAlias, error) {
	if f.raceOnCreateAlias != nil {
		f.raceOnCreateAlias()
		f.raceOnCreateAlias = nil
	}

	key := tupleKey(a.PlatformConfigID, a.ProviderUserID)
	if _, exists := f.aliases[key]; exists {
		return nil, fmt.Errorf("insert alias: %w", service.ErrDuplicateKey)
	}

	a.ID = ulid.Make().String()
	a.LinkedAt = time.Now().UTC()
	f.aliases[key] = &a
	cp := a
	return &cp, nil
}

func (f *fakeStore) RemoveAlias(_ context.Context, id string) error {
	for k, a := range f.aliases {
		if a.ID == id {
			delete(f.aliases, k)
			return nil
		}
	}
	return service.ErrNotFound
}

func TestResolveCreatesIdentityOnFirstSight(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	id, err := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id == "" {
		t.Fatal("expected a new identity id")
	}

	ident, _ := store.GetIdentity(context.Background(), id)
	if ident == nil {
		t.Fatal("identity row must exist")
	}
	if ident.DisplayName != "alice" {
		t.Fatalf("DisplayName = %q, want alice", ident.DisplayName)
	}

	alias, _ := store.GetAliasByTuple(context.Background(), "cfg-1", "7")
	if alias == nil {
		t.Fatal("alias row must exist")
	}
	if alias.LinkMethod != service.LinkAutomatic {
		t.Fatalf("LinkMethod = %q, want automatic", alias.LinkMethod)
	}
}

func TestResolveReturnsExistingIdentity(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	first, err := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice-renamed")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if first != second {
		t.Fatalf("same tuple resolved to two identities: %q vs %q", first, second)
	}
	if len(store.identities) != 1 {
		t.Fatalf("%d identities created, want 1", len(store.identities))
	}
}

func TestResolveDistinctTuplesGetDistinctIdentities(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	a, _ := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	b, _ := r.Resolve(context.Background(), "proj-1", "cfg-2", "discord", "7", "alice")

	if a == b {
		t.Fatal("the same provider user id on different configs must not collapse automatically")
	}
}

func TestResolveConvergesOnDuplicateKeyRace(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	// A concurrent resolver inserts the winning alias between this
	// resolver's lookup miss and its CreateAlias call.
	var winnerID string
	store.raceOnCreateAlias = func() {
		ident, _ := store.CreateIdentity(context.Background(), service.Identity{ProjectID: "proj-1", DisplayName: "bob"})
		winnerID = ident.ID
		key := tupleKey("cfg-1", "7")
		store.aliases[key] = &service.IdentityAlias{
			ID:             ulid.Make().String(),
			IdentityID:     ident.ID,
			PlatformConfigID: "cfg-1",
			ProviderUserID: "7",
			LinkMethod:     service.LinkAutomatic,
		}
	}

	got, err := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != winnerID {
		t.Fatalf("loser must converge on the winner's identity: got %q, want %q", got, winnerID)
	}
}

func TestDeleteCascadesAliases(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	id, _ := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	if _, err := r.AddAlias(context.Background(), id, "cfg-2", "discord", "99", "alice#1"); err != nil {
		t.Fatalf("AddAlias: %v", err)
	}

	if err := r.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(store.aliases) != 0 {
		t.Fatalf("%d aliases survived the cascade, want 0", len(store.aliases))
	}
}

func TestRemoveLastAliasLeavesIdentityIntact(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	id, _ := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	alias, _ := store.GetAliasByTuple(context.Background(), "cfg-1", "7")

	if err := r.RemoveAlias(context.Background(), alias.ID); err != nil {
		t.Fatalf("RemoveAlias: %v", err)
	}

	ident, _ := store.GetIdentity(context.Background(), id)
	if ident == nil {
		t.Fatal("identity must survive removal of its last alias (orphaned, not deleted)")
	}
}

func TestAddAliasUsesManualLinkMethod(t *testing.T) {
	store := newFakeStore()
	r := New(store)

	id, _ := r.Resolve(context.Background(), "proj-1", "cfg-1", "telegram", "7", "alice")
	alias, err := r.AddAlias(context.Background(), id, "cfg-2", "discord", "42", "alice#1")
	if err != nil {
		t.Fatalf("AddAlias: %v", err)
	}
	if alias.LinkMethod != service.LinkManual {
		t.Fatalf("LinkMethod = %q, want manual", alias.LinkMethod)
	}
}
