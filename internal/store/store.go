// Package store wires the configured persistence backend (Postgres or
// SQLite) behind a single aggregate interface combining every *Storer
// contract declared in internal/service.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rakunlabs/gatekit/internal/config"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
	"github.com/rakunlabs/gatekit/internal/store/postgres"
	"github.com/rakunlabs/gatekit/internal/store/sqlite3"
)

// StorerClose combines every persistence interface GateKit's service layer
// depends on, plus lifecycle and key-rotation hooks shared by both backends.
type StorerClose interface {
	service.ProjectStorer
	service.ApiKeyStorer
	service.PlatformConfigStorer
	service.IdentityStorer
	service.MessageStorer
	service.WebhookStorer
	service.PlatformLogStorer

	RotateEncryptionKey(ctx context.Context, newKey []byte) error
	SetEncryptionKey(newKey []byte)

	Close()
}

// New creates a StorerClose based on the given store configuration. Exactly
// one of cfg.Postgres / cfg.SQLite must be set.
func New(ctx context.Context, cfg config.Store) (StorerClose, error) {
	var encKey []byte
	if cfg.EncryptionKey != "" {
		key, err := gkcrypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive store encryption key: %w", err)
		}
		encKey = key
	}

	var store StorerClose
	var err error

	switch {
	case cfg.Postgres != nil:
		store, err = postgres.New(ctx, cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		store, err = sqlite3.New(ctx, cfg.SQLite, encKey)
	default:
		return nil, errors.New("no store configured")
	}
	if err != nil {
		return nil, err
	}

	return store, nil
}
