package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"
	gkcrypto "github.com/rakunlabs/gatekit/internal/crypto"
	"github.com/rakunlabs/gatekit/internal/service"
)

type platformConfigRow struct {
	ID                    string `db:"id"`
	ProjectID             string `db:"project_id"`
	Platform              string `db:"platform"`
	CredentialsEncrypted  string `db:"credentials_encrypted"`
	WebhookToken          string `db:"webhook_token"`
	IsActive              bool   `db:"is_active"`
	TestMode              bool   `db:"test_mode"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

func (r platformConfigRow) toService() service.PlatformConfig {
	return service.PlatformConfig{
		ID:                   r.ID,
		ProjectID:            r.ProjectID,
		Platform:             r.Platform,
		CredentialsEncrypted: r.CredentialsEncrypted,
		WebhookToken:         r.WebhookToken,
		IsActive:             r.IsActive,
		TestMode:             r.TestMode,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

var platformConfigCols = []any{
	"id", "project_id", "platform", "credentials_encrypted", "webhook_token",
	"is_active", "test_mode", "created_at", "updated_at",
}

func scanPlatformConfigRow(scan func(dest ...any) error) (*platformConfigRow, error) {
	var r platformConfigRow
	err := scan(&r.ID, &r.ProjectID, &r.Platform, &r.CredentialsEncrypted, &r.WebhookToken,
		&r.IsActive, &r.TestMode, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) ListPlatformConfigs(ctx context.Context, projectID string) ([]service.PlatformConfig, error) {
	query, _, err := p.goqu.From(p.tablePlatformConfigs).
		Select(platformConfigCols...).
		Where(goqu.I("project_id").Eq(projectID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list platform configs query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list platform configs: %w", err)
	}
	defer rows.Close()

	var result []service.PlatformConfig
	for rows.Next() {
		r, err := scanPlatformConfigRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan platform config row: %w", err)
		}
		result = append(result, r.toService())
	}
	return result, rows.Err()
}

func (p *Postgres) GetPlatformConfig(ctx context.Context, id string) (*service.PlatformConfig, error) {
	query, _, err := p.goqu.From(p.tablePlatformConfigs).Select(platformConfigCols...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get platform config query: %w", err)
	}
	r, err := scanPlatformConfigRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil || r == nil {
		return nil, err
	}
	c := r.toService()
	return &c, nil
}

func (p *Postgres) GetPlatformConfigByWebhookToken(ctx context.Context, token string) (*service.PlatformConfig, error) {
	query, _, err := p.goqu.From(p.tablePlatformConfigs).Select(platformConfigCols...).Where(goqu.I("webhook_token").Eq(token)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get platform config by webhook token query: %w", err)
	}
	r, err := scanPlatformConfigRow(p.db.QueryRowContext(ctx, query).Scan)
	if err != nil || r == nil {
		return nil, err
	}
	c := r.toService()
	return &c, nil
}

func (p *Postgres) CreatePlatformConfig(ctx context.Context, cfg service.PlatformConfig, credentials map[string]any) (*service.PlatformConfig, error) {
	encrypted, err := p.encryptCredentials(credentials)
	if err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tablePlatformConfigs).Rows(goqu.Record{
		"id":                    id,
		"project_id":            cfg.ProjectID,
		"platform":              cfg.Platform,
		"credentials_encrypted": encrypted,
		"webhook_token":         cfg.WebhookToken,
		"is_active":             cfg.IsActive,
		"test_mode":             cfg.TestMode,
		"created_at":            now,
		"updated_at":            now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create platform config query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("platform config webhook token collision: %w", service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create platform config: %w", err)
	}

	cfg.ID, cfg.CredentialsEncrypted, cfg.CreatedAt, cfg.UpdatedAt = id, encrypted, now, now
	return &cfg, nil
}

func (p *Postgres) UpdatePlatformConfig(ctx context.Context, id string, cfg service.PlatformConfig, credentials map[string]any) (*service.PlatformConfig, error) {
	now := time.Now().UTC()

	set := goqu.Record{
		"is_active":  cfg.IsActive,
		"test_mode":  cfg.TestMode,
		"updated_at": now,
	}

	if credentials != nil {
		encrypted, err := p.encryptCredentials(credentials)
		if err != nil {
			return nil, err
		}
		set["credentials_encrypted"] = encrypted
	}

	query, _, err := p.goqu.Update(p.tablePlatformConfigs).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update platform config query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update platform config %q: %w", id, err)
	}

	return p.GetPlatformConfig(ctx, id)
}

func (p *Postgres) DeletePlatformConfig(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tablePlatformConfigs).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete platform config query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete platform config %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) DecryptCredentials(ctx context.Context, cfg service.PlatformConfig) (map[string]any, error) {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	if cfg.CredentialsEncrypted == "" {
		creds := map[string]any{}
		if cfg.WebhookToken != "" {
			creds["webhookToken"] = cfg.WebhookToken
		}
		return creds, nil
	}

	raw := cfg.CredentialsEncrypted
	if encKey != nil && gkcrypto.IsEncrypted(raw) {
		decrypted, err := gkcrypto.Decrypt(raw, encKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials for platform config %q: %w", cfg.ID, err)
		}
		raw = decrypted
	}

	var creds map[string]any
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials for platform config %q: %w", cfg.ID, err)
	}

	// Webhook-class adapters need the inbound URL secret alongside the
	// provider credentials; it lives on the config row, not in the blob.
	if cfg.WebhookToken != "" {
		creds["webhookToken"] = cfg.WebhookToken
	}
	return creds, nil
}

func (p *Postgres) encryptCredentials(credentials map[string]any) (string, error) {
	raw, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}

	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	if encKey == nil {
		return string(raw), nil
	}

	encrypted, err := gkcrypto.Encrypt(string(raw), encKey)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return encrypted, nil
}

// RotateEncryptionKey decrypts every platform config's credentials with the
// current key, re-encrypts them with newKey, and commits atomically;
// using a BeginTx/ForUpdate pattern.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tablePlatformConfigs).
		Select("id", "credentials_encrypted").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list platform configs for rotation: %w", err)
	}

	type rowData struct {
		id    string
		creds string
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.creds); err != nil {
			rows.Close()
			return fmt.Errorf("scan platform config row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate platform config rows: %w", err)
	}

	for _, r := range allRows {
		plaintext := r.creds
		if p.encKey != nil && gkcrypto.IsEncrypted(plaintext) {
			decrypted, err := gkcrypto.Decrypt(plaintext, p.encKey)
			if err != nil {
				return fmt.Errorf("decrypt credentials for %q: %w", r.id, err)
			}
			plaintext = decrypted
		}

		reencrypted := plaintext
		if newKey != nil {
			reencrypted, err = gkcrypto.Encrypt(plaintext, newKey)
			if err != nil {
				return fmt.Errorf("re-encrypt credentials for %q: %w", r.id, err)
			}
		}

		updateQuery, _, err := p.goqu.Update(p.tablePlatformConfigs).Set(
			goqu.Record{"credentials_encrypted": reencrypted},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.id, err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update platform config %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.encKey = newKey
	slog.Info("encryption key rotated", "platform_configs_updated", len(allRows))
	return nil
}

func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}
