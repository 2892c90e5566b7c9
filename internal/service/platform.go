package service

import (
	"context"
	"time"
)

// PlatformConfig is one configured instance of a provider inside a
// project (a.k.a. ProjectPlatform). A project may have multiple configs
// for the same provider (e.g. two Telegram bots).
type PlatformConfig struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Platform  string `json:"platform"`

	// CredentialsEncrypted is opaque ciphertext of a provider-specific
	// credentials object (see internal/crypto). Never serialized to API
	// responses.
	CredentialsEncrypted string `json:"-"`

	// WebhookToken is a random UUID v4, unique, used as the inbound URL
	// secret segment. Present for webhook-class adapters.
	WebhookToken string `json:"webhookToken,omitempty"`

	IsActive  bool      `json:"isActive"`
	TestMode  bool      `json:"testMode"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlatformConfigStorer persists PlatformConfig rows. Credentials are
// encrypted/decrypted by the store implementation around the CRUD calls,
// following an encrypt-around-CRUD pattern; callers always see
// decrypted credentials as a map.
type PlatformConfigStorer interface {
	ListPlatformConfigs(ctx context.Context, projectID string) ([]PlatformConfig, error)
	GetPlatformConfig(ctx context.Context, id string) (*PlatformConfig, error)
	GetPlatformConfigByWebhookToken(ctx context.Context, token string) (*PlatformConfig, error)

	// CreatePlatformConfig/UpdatePlatformConfig take decrypted credentials
	// and return the stored record with CredentialsEncrypted populated.
	CreatePlatformConfig(ctx context.Context, cfg PlatformConfig, credentials map[string]any) (*PlatformConfig, error)
	UpdatePlatformConfig(ctx context.Context, id string, cfg PlatformConfig, credentials map[string]any) (*PlatformConfig, error)
	DeletePlatformConfig(ctx context.Context, id string) error

	// DecryptCredentials returns the decrypted credentials object for a
	// stored PlatformConfig.
	DecryptCredentials(ctx context.Context, cfg PlatformConfig) (map[string]any, error)

	// RotateEncryptionKey re-encrypts every PlatformConfig.CredentialsEncrypted
	// row under newKey, atomically, using a RotateEncryptionKey
	// BeginTx/Commit pattern.
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
	SetEncryptionKey(newKey []byte)
}
