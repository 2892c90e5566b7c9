// Package apikeys implements API key create / list / revoke / roll on
// top of the ApiKeyStorer persistence contract.
package apikeys

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/gatekit/internal/apperr"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
	"github.com/worldline-go/types"
)

// DualLiveWindow is the grace period during which both the old and
// the newly-rolled key validate.
const DualLiveWindow = 24 * time.Hour

type Service struct {
	store service.ApiKeyStorer
}

func New(store service.ApiKeyStorer) *Service {
	return &Service{store: store}
}

// Created carries the one-time plaintext alongside the stored record.
type Created struct {
	Key   service.ApiKey
	Plain string
}

// Create generates a new key for the given environment, validates its
// scopes against the closed vocabulary, and stores it. The plaintext is
// returned exactly once.
func (s *Service) Create(ctx context.Context, projectID, projectEnvironment, name string, scopes []service.Scope, expiresInDays int, createdBy string) (*Created, error) {
	for _, sc := range scopes {
		if !service.ValidScopes[sc] {
			return nil, apperr.Validation("scopes", "unknown scope %q", sc)
		}
	}

	env, err := gkcrypto.EnvFromProjectEnvironment(projectEnvironment)
	if err != nil {
		return nil, apperr.Validation("projectId", "%v", err)
	}

	plain, err := gkcrypto.GenerateAPIKey(env)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	k := service.ApiKey{
		ProjectID: projectID,
		KeyHash:   gkcrypto.HashAPIKey(plain),
		KeyPrefix: gkcrypto.KeyPrefix(plain),
		KeySuffix: gkcrypto.KeySuffix(plain),
		Name:      name,
		Scopes:    scopes,
		CreatedBy: createdBy,
	}
	if expiresInDays > 0 {
		k.ExpiresAt = types.NewTimeNull(time.Now().UTC().Add(time.Duration(expiresInDays) * 24 * time.Hour))
	}

	stored, err := s.store.CreateApiKey(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}

	return &Created{Key: *stored, Plain: plain}, nil
}

// List returns active (non-revoked) keys for a project, masked.
func (s *Service) List(ctx context.Context, projectID string) ([]service.ApiKey, error) {
	keys, err := s.store.ListApiKeys(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// Revoke is idempotent: revoking an already-revoked key succeeds without
// changing its revokedAt.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.RevokeApiKey(ctx, id); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

// Roll atomically revokes the old key (effective DualLiveWindow from now)
// and creates a new key with the same name and scopes, returning the new
// key's plaintext. projectEnvironment is the owning project's environment
// field, the source of truth for the rolled key's env segment.
func (s *Service) Roll(ctx context.Context, oldID, projectEnvironment string) (*Created, error) {
	old, err := s.store.GetApiKey(ctx, oldID)
	if err != nil {
		return nil, fmt.Errorf("roll api key: load old key: %w", err)
	}
	if old == nil {
		return nil, apperr.NotFound("api key not found")
	}

	env, err := gkcrypto.EnvFromProjectEnvironment(projectEnvironment)
	if err != nil {
		return nil, apperr.Validation("projectId", "%v", err)
	}

	plain, err := gkcrypto.GenerateAPIKey(env)
	if err != nil {
		return nil, fmt.Errorf("generate rolled api key: %w", err)
	}

	newKey := service.ApiKey{
		ProjectID: old.ProjectID,
		KeyHash:   gkcrypto.HashAPIKey(plain),
		KeyPrefix: gkcrypto.KeyPrefix(plain),
		KeySuffix: gkcrypto.KeySuffix(plain),
		Name:      old.Name,
		Scopes:    old.Scopes,
		CreatedBy: old.CreatedBy,
	}

	dualLiveUntil := time.Now().UTC().Add(DualLiveWindow)
	rolled, err := s.store.RollApiKey(ctx, oldID, newKey, dualLiveUntil)
	if err != nil {
		return nil, fmt.Errorf("roll api key: %w", err)
	}

	return &Created{Key: *rolled, Plain: plain}, nil
}
