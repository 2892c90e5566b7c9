package service

import (
	"context"
	"time"
)

// LinkMethod records how an IdentityAlias came to exist.
type LinkMethod string

const (
	LinkManual    LinkMethod = "manual"
	LinkAutomatic LinkMethod = "automatic"
)

// Identity is a cross-platform unified user, owning one or more aliases.
type Identity struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	DisplayName string         `json:"displayName,omitempty"`
	Email       string         `json:"email,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// IdentityAlias binds one (platformConfigId, providerUserId) tuple to an
// Identity. (platformConfigId, providerUserId) maps to at most one alias.
type IdentityAlias struct {
	ID                  string     `json:"id"`
	IdentityID          string     `json:"identityId"`
	PlatformConfigID    string     `json:"platformConfigId"`
	Platform            string     `json:"platform"`
	ProviderUserID      string     `json:"providerUserId"`
	ProviderUserDisplay string     `json:"providerUserDisplay,omitempty"`
	LinkMethod          LinkMethod `json:"linkMethod"`
	LinkedAt            time.Time  `json:"linkedAt"`
}

// IdentityStorer persists Identity and IdentityAlias rows.
type IdentityStorer interface {
	ListIdentities(ctx context.Context, projectID string, limit, offset int) ([]Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	CreateIdentity(ctx context.Context, i Identity) (*Identity, error)
	UpdateIdentity(ctx context.Context, id string, i Identity) (*Identity, error)
	// DeleteIdentity removes the identity and cascades its aliases.
	DeleteIdentity(ctx context.Context, id string) error

	GetAliasByTuple(ctx context.Context, platformConfigID, providerUserID string) (*IdentityAlias, error)
	ListAliases(ctx context.Context, identityID string) ([]IdentityAlias, error)
	// CreateAlias inserts an alias. Implementations must surface a
	// DuplicateKey error (see ErrDuplicateKey) if the (platformConfigId,
	// providerUserId) tuple already has an alias, so the resolver can
	// retry by re-reading the winning row instead of double-inserting.
	CreateAlias(ctx context.Context, a IdentityAlias) (*IdentityAlias, error)
	RemoveAlias(ctx context.Context, id string) error
}
