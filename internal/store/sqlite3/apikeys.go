package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"
	"github.com/worldline-go/types"
)

var apiKeyCols = []any{
	"id", "project_id", "key_hash", "key_prefix", "key_suffix", "name", "scopes",
	"created_at", "expires_at", "revoked_at", "last_used_at", "created_by", "rolled_from_id",
}

func scanAPIKey(scan func(dest ...any) error) (*service.ApiKey, error) {
	var (
		k          service.ApiKey
		scopesCSV  string
		createdAt  string
		createdBy  sql.NullString
		rolledFrom sql.NullString
	)

	if err := scan(
		&k.ID, &k.ProjectID, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix, &k.Name, &scopesCSV,
		&createdAt, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &createdBy, &rolledFrom,
	); err != nil {
		return nil, err
	}

	k.CreatedAt = mustParseTime(createdAt)
	k.Scopes = splitScopes(scopesCSV)
	k.CreatedBy = createdBy.String
	k.RolledFromID = rolledFrom.String
	return &k, nil
}

func splitScopes(csv string) []service.Scope {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	scopes := make([]service.Scope, len(parts))
	for i, p := range parts {
		scopes[i] = service.Scope(p)
	}
	return scopes
}

func joinScopes(scopes []service.Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func (s *SQLite) ListApiKeys(ctx context.Context, projectID string) ([]service.ApiKey, error) {
	query, _, err := s.goqu.From(s.tableAPIKeys).
		Select(apiKeyCols...).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("revoked_at").IsNull()).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list api keys query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var result []service.ApiKey
	for rows.Next() {
		k, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		result = append(result, *k)
	}
	return result, rows.Err()
}

func (s *SQLite) GetApiKey(ctx context.Context, id string) (*service.ApiKey, error) {
	query, _, err := s.goqu.From(s.tableAPIKeys).Select(apiKeyCols...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api key query: %w", err)
	}
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (s *SQLite) GetApiKeyByHash(ctx context.Context, keyHash string) (*service.ApiKey, error) {
	query, _, err := s.goqu.From(s.tableAPIKeys).Select(apiKeyCols...).Where(goqu.I("key_hash").Eq(keyHash)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get api key by hash query: %w", err)
	}
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (s *SQLite) CreateApiKey(ctx context.Context, k service.ApiKey) (*service.ApiKey, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableAPIKeys).Rows(goqu.Record{
		"id":             id,
		"project_id":     k.ProjectID,
		"key_hash":       k.KeyHash,
		"key_prefix":     k.KeyPrefix,
		"key_suffix":     k.KeySuffix,
		"name":           k.Name,
		"scopes":         joinScopes(k.Scopes),
		"created_at":     formatTime(now),
		"expires_at":     k.ExpiresAt,
		"created_by":     k.CreatedBy,
		"rolled_from_id": k.RolledFromID,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create api key query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("api key hash collision: %w", service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create api key: %w", err)
	}

	k.ID, k.CreatedAt = id, now
	return &k, nil
}

func (s *SQLite) RevokeApiKey(ctx context.Context, id string) error {
	existing, err := s.GetApiKey(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("api key %q: %w", id, service.ErrNotFound)
	}
	if existing.RevokedAt.Valid {
		return nil
	}

	now := time.Now().UTC()
	query, _, err := s.goqu.Update(s.tableAPIKeys).Set(goqu.Record{
		"revoked_at": types.NewTime(now),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke api key query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("revoke api key %q: %w", id, err)
	}
	return nil
}

func (s *SQLite) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	query, _, err := s.goqu.Update(s.tableAPIKeys).Set(goqu.Record{
		"last_used_at": types.NewTime(at),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update last used query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update last used for api key %q: %w", id, err)
	}
	return nil
}

// RollApiKey atomically revokes oldID (effective dualLiveUntil) and inserts
// newKey in a single transaction. SQLite's single-writer connection pool
// (internal/store/sqlite3.go sets MaxOpenConns(1)) already serializes
// concurrent writers, so this needs no row-level locking.
func (s *SQLite) RollApiKey(ctx context.Context, oldID string, newKey service.ApiKey, dualLiveUntil time.Time) (*service.ApiKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin roll transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	revokeQuery, _, err := s.goqu.Update(s.tableAPIKeys).Set(goqu.Record{
		"revoked_at": types.NewTime(dualLiveUntil),
	}).Where(goqu.I("id").Eq(oldID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build roll-revoke query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, revokeQuery); err != nil {
		return nil, fmt.Errorf("roll: revoke old key %q: %w", oldID, err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	insertQuery, _, err := s.goqu.Insert(s.tableAPIKeys).Rows(goqu.Record{
		"id":             id,
		"project_id":     newKey.ProjectID,
		"key_hash":       newKey.KeyHash,
		"key_prefix":     newKey.KeyPrefix,
		"key_suffix":     newKey.KeySuffix,
		"name":           newKey.Name,
		"scopes":         joinScopes(newKey.Scopes),
		"created_at":     formatTime(now),
		"expires_at":     newKey.ExpiresAt,
		"created_by":     newKey.CreatedBy,
		"rolled_from_id": oldID,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build roll-insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return nil, fmt.Errorf("roll: insert new key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit roll transaction: %w", err)
	}

	newKey.ID, newKey.CreatedAt, newKey.RolledFromID = id, now, oldID
	return &newKey, nil
}
