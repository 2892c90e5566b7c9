package service

import (
	"context"
	"time"

	"github.com/worldline-go/types"
)

// Scope is a single authorization token from the fixed vocabulary.
// Any other scope string in a required-scope list is a programming error.
type Scope string

const (
	ScopeIdentitiesRead  Scope = "identities:read"
	ScopeIdentitiesWrite Scope = "identities:write"
	ScopeProjectsRead    Scope = "projects:read"
	ScopeProjectsWrite   Scope = "projects:write"
	ScopePlatformsRead   Scope = "platforms:read"
	ScopePlatformsWrite  Scope = "platforms:write"
	ScopeMessagesRead    Scope = "messages:read"
	ScopeMessagesWrite   Scope = "messages:write"
	ScopeMessagesSend    Scope = "messages:send"
	ScopeWebhooksRead    Scope = "webhooks:read"
	ScopeWebhooksWrite   Scope = "webhooks:write"
	ScopeKeysRead        Scope = "keys:read"
	ScopeKeysManage      Scope = "keys:manage"
	ScopeMembersRead     Scope = "members:read"
	ScopeMembersWrite    Scope = "members:write"
)

// ValidScopes is the closed scope vocabulary; any scope string outside
// this set is rejected at key-creation time. messages:send does not imply
// messages:write; every scope is an independent token.
var ValidScopes = map[Scope]bool{
	ScopeIdentitiesRead:  true,
	ScopeIdentitiesWrite: true,
	ScopeProjectsRead:    true,
	ScopeProjectsWrite:   true,
	ScopePlatformsRead:   true,
	ScopePlatformsWrite:  true,
	ScopeMessagesRead:    true,
	ScopeMessagesWrite:   true,
	ScopeMessagesSend:    true,
	ScopeWebhooksRead:    true,
	ScopeWebhooksWrite:   true,
	ScopeKeysRead:        true,
	ScopeKeysManage:      true,
	ScopeMembersRead:     true,
	ScopeMembersWrite:    true,
}

// ScopesSubset reports whether required is a subset of granted, the sole
// authorization rule: principal authorized iff required_scopes ⊆
// principal.scopes.
func ScopesSubset(required, granted []Scope) bool {
	grantedSet := make(map[Scope]bool, len(granted))
	for _, s := range granted {
		grantedSet[s] = true
	}
	for _, r := range required {
		if !grantedSet[r] {
			return false
		}
	}
	return true
}

// ApiKey is a credential scoped to a project. The plaintext key is
// returned only at creation or roll time; thereafter only KeyPrefix and
// KeySuffix are observable (rendered "prefix…suffix").
type ApiKey struct {
	ID         string                 `json:"id"`
	ProjectID  string                 `json:"projectId"`
	KeyHash    string                 `json:"-"`
	KeyPrefix  string                 `json:"keyPrefix"`
	KeySuffix  string                 `json:"keySuffix"`
	Name       string                 `json:"name"`
	Scopes     []Scope                `json:"scopes"`
	CreatedAt  time.Time              `json:"createdAt"`
	ExpiresAt  types.Null[types.Time] `json:"expiresAt,omitempty"`
	RevokedAt  types.Null[types.Time] `json:"revokedAt,omitempty"`
	LastUsedAt types.Null[types.Time] `json:"lastUsedAt,omitempty"`
	CreatedBy  string                 `json:"createdBy,omitempty"`

	// RolledFromID links a rolled key to its predecessor, so the dual-live
	// window can be evaluated without a separate table.
	RolledFromID string `json:"-"`
}

// MaskedKey renders the "prefix…suffix" display form.
func (k ApiKey) MaskedKey() string {
	return k.KeyPrefix + "…" + k.KeySuffix
}

// ValidAt reports whether the key authenticates at instant now: not
// expired and not revoked. A roll sets revokedAt 24h in the future,
// so revokedAt > now is still valid; this is the dual-live window.
func (k ApiKey) ValidAt(now time.Time) bool {
	if k.ExpiresAt.Valid && !k.ExpiresAt.V.Time.After(now) {
		return false
	}
	if k.RevokedAt.Valid && !k.RevokedAt.V.Time.After(now) {
		return false
	}
	return true
}

// ApiKeyStorer persists ApiKey rows, keyed by their irreversible hash.
type ApiKeyStorer interface {
	ListApiKeys(ctx context.Context, projectID string) ([]ApiKey, error)
	GetApiKey(ctx context.Context, id string) (*ApiKey, error)
	GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error)
	CreateApiKey(ctx context.Context, k ApiKey) (*ApiKey, error)
	RevokeApiKey(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error

	// RollApiKey atomically revokes `oldID` no sooner than dualLiveUntil and
	// inserts newKey linked to it, within a single transaction, using a
	// BeginTx/Commit pattern.
	RollApiKey(ctx context.Context, oldID string, newKey ApiKey, dualLiveUntil time.Time) (*ApiKey, error)
}
