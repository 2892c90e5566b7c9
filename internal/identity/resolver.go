// Package identity maps a (platformConfigId, providerUserId) tuple to a
// unified Identity, creating one on first sight. The resolve-or-create
// path relies on the store layer's CreateAlias contract (see
// internal/store/postgres/identities.go), which surfaces a duplicate-key
// error instead of double-inserting so concurrent resolvers for the same
// tuple converge on one winner.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/gatekit/internal/service"
)

// Resolver resolves platform user tuples to unified identities.
type Resolver struct {
	store service.IdentityStorer
}

func New(store service.IdentityStorer) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up the alias for (platformConfigId, providerUserId); if
// none exists it creates a new Identity and links it with
// linkMethod=automatic. Concurrent callers racing to create the same alias
// converge on one identity: the loser's CreateAlias fails with
// ErrDuplicateKey and it re-reads the winner's alias instead of creating a
// second identity.
func (r *Resolver) Resolve(ctx context.Context, projectID, platformConfigID, platform, providerUserID, display string) (string, error) {
	alias, err := r.store.GetAliasByTuple(ctx, platformConfigID, providerUserID)
	if err != nil {
		return "", fmt.Errorf("resolve identity: lookup alias: %w", err)
	}
	if alias != nil {
		return alias.IdentityID, nil
	}

	ident, err := r.store.CreateIdentity(ctx, service.Identity{
		ProjectID:   projectID,
		DisplayName: display,
	})
	if err != nil {
		return "", fmt.Errorf("resolve identity: create identity: %w", err)
	}

	_, err = r.store.CreateAlias(ctx, service.IdentityAlias{
		IdentityID:          ident.ID,
		PlatformConfigID:    platformConfigID,
		Platform:            platform,
		ProviderUserID:      providerUserID,
		ProviderUserDisplay: display,
		LinkMethod:          service.LinkAutomatic,
	})
	if err == nil {
		return ident.ID, nil
	}

	if !errors.Is(err, service.ErrDuplicateKey) {
		return "", fmt.Errorf("resolve identity: create alias: %w", err)
	}

	// Lost the race: another resolver won the insert. The identity we just
	// created is orphaned (no aliases) and left in place rather than
	// deleted; an identity with no aliases is harmless, and deleting it
	// here would race the winner's own reads of it.
	slog.Debug("identity alias race lost, re-reading winner", "platform_config_id", platformConfigID, "provider_user_id", providerUserID)

	winner, err := r.store.GetAliasByTuple(ctx, platformConfigID, providerUserID)
	if err != nil {
		return "", fmt.Errorf("resolve identity: re-read alias after race: %w", err)
	}
	if winner == nil {
		return "", fmt.Errorf("resolve identity: alias vanished after duplicate-key race")
	}
	return winner.IdentityID, nil
}

// AddAlias manually links an existing identity to a platform user tuple.
func (r *Resolver) AddAlias(ctx context.Context, identityID, platformConfigID, platform, providerUserID, display string) (*service.IdentityAlias, error) {
	return r.store.CreateAlias(ctx, service.IdentityAlias{
		IdentityID:          identityID,
		PlatformConfigID:    platformConfigID,
		Platform:            platform,
		ProviderUserID:      providerUserID,
		ProviderUserDisplay: display,
		LinkMethod:          service.LinkManual,
	})
}

// RemoveAlias unlinks an alias. The identity itself is left intact even if
// this was its last alias.
func (r *Resolver) RemoveAlias(ctx context.Context, aliasID string) error {
	return r.store.RemoveAlias(ctx, aliasID)
}

// Delete removes an identity and cascades its aliases.
func (r *Resolver) Delete(ctx context.Context, identityID string) error {
	return r.store.DeleteIdentity(ctx, identityID)
}
