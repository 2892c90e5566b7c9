package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"
)

type identityRow struct {
	ID          string `db:"id"`
	ProjectID   string `db:"project_id"`
	DisplayName string `db:"display_name"`
	Email       string `db:"email"`
	Metadata    []byte `db:"metadata"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r identityRow) toService() (*service.Identity, error) {
	i := &service.Identity{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		CreatedAt:   mustParseTime(r.CreatedAt),
		UpdatedAt:   mustParseTime(r.UpdatedAt),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &i.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal identity metadata for %q: %w", r.ID, err)
		}
	}
	return i, nil
}

var identityCols = []any{"id", "project_id", "display_name", "email", "metadata", "created_at", "updated_at"}

func scanIdentityRow(scan func(dest ...any) error) (*identityRow, error) {
	var r identityRow
	err := scan(&r.ID, &r.ProjectID, &r.DisplayName, &r.Email, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLite) ListIdentities(ctx context.Context, projectID string, limit, offset int) ([]service.Identity, error) {
	limit, offset = clampPage(limit, offset)

	query, _, err := s.goqu.From(s.tableIdentities).
		Select(identityCols...).
		Where(goqu.I("project_id").Eq(projectID)).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list identities query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var result []service.Identity
	for rows.Next() {
		r, err := scanIdentityRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		i, err := r.toService()
		if err != nil {
			return nil, err
		}
		result = append(result, *i)
	}
	return result, rows.Err()
}

func (s *SQLite) GetIdentity(ctx context.Context, id string) (*service.Identity, error) {
	query, _, err := s.goqu.From(s.tableIdentities).Select(identityCols...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get identity query: %w", err)
	}
	r, err := scanIdentityRow(s.db.QueryRowContext(ctx, query).Scan)
	if err != nil || r == nil {
		return nil, err
	}
	return r.toService()
}

func (s *SQLite) CreateIdentity(ctx context.Context, i service.Identity) (*service.Identity, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	metadata, err := json.Marshal(i.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal identity metadata: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableIdentities).Rows(goqu.Record{
		"id":           id,
		"project_id":   i.ProjectID,
		"display_name": i.DisplayName,
		"email":        i.Email,
		"metadata":     metadata,
		"created_at":   formatTime(now),
		"updated_at":   formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create identity query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	i.ID, i.CreatedAt, i.UpdatedAt = id, now, now
	return &i, nil
}

func (s *SQLite) UpdateIdentity(ctx context.Context, id string, i service.Identity) (*service.Identity, error) {
	now := time.Now().UTC()

	metadata, err := json.Marshal(i.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal identity metadata: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableIdentities).Set(goqu.Record{
		"display_name": i.DisplayName,
		"email":        i.Email,
		"metadata":     metadata,
		"updated_at":   formatTime(now),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update identity query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update identity %q: %w", id, err)
	}

	return s.GetIdentity(ctx, id)
}

func (s *SQLite) DeleteIdentity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete identity transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	delAliases, _, err := s.goqu.Delete(s.tableAliases).Where(goqu.I("identity_id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete aliases query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delAliases); err != nil {
		return fmt.Errorf("delete aliases for identity %q: %w", id, err)
	}

	delIdentity, _, err := s.goqu.Delete(s.tableIdentities).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete identity query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delIdentity); err != nil {
		return fmt.Errorf("delete identity %q: %w", id, err)
	}

	return tx.Commit()
}

// ─── Identity Aliases ───

type aliasRow struct {
	ID                  string `db:"id"`
	IdentityID          string `db:"identity_id"`
	PlatformConfigID    string `db:"platform_config_id"`
	Platform            string `db:"platform"`
	ProviderUserID      string `db:"provider_user_id"`
	ProviderUserDisplay string `db:"provider_user_display"`
	LinkMethod          string `db:"link_method"`
	LinkedAt            string `db:"linked_at"`
}

func (r aliasRow) toService() service.IdentityAlias {
	return service.IdentityAlias{
		ID:                  r.ID,
		IdentityID:          r.IdentityID,
		PlatformConfigID:    r.PlatformConfigID,
		Platform:            r.Platform,
		ProviderUserID:      r.ProviderUserID,
		ProviderUserDisplay: r.ProviderUserDisplay,
		LinkMethod:          service.LinkMethod(r.LinkMethod),
		LinkedAt:            mustParseTime(r.LinkedAt),
	}
}

var aliasCols = []any{
	"id", "identity_id", "platform_config_id", "platform", "provider_user_id",
	"provider_user_display", "link_method", "linked_at",
}

func (s *SQLite) GetAliasByTuple(ctx context.Context, platformConfigID, providerUserID string) (*service.IdentityAlias, error) {
	query, _, err := s.goqu.From(s.tableAliases).
		Select(aliasCols...).
		Where(goqu.I("platform_config_id").Eq(platformConfigID), goqu.I("provider_user_id").Eq(providerUserID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get alias by tuple query: %w", err)
	}

	var r aliasRow
	err = s.db.QueryRowContext(ctx, query).Scan(&r.ID, &r.IdentityID, &r.PlatformConfigID, &r.Platform,
		&r.ProviderUserID, &r.ProviderUserDisplay, &r.LinkMethod, &r.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alias by tuple: %w", err)
	}
	a := r.toService()
	return &a, nil
}

func (s *SQLite) ListAliases(ctx context.Context, identityID string) ([]service.IdentityAlias, error) {
	query, _, err := s.goqu.From(s.tableAliases).
		Select(aliasCols...).
		Where(goqu.I("identity_id").Eq(identityID)).
		Order(goqu.I("linked_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list aliases query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var result []service.IdentityAlias
	for rows.Next() {
		var r aliasRow
		if err := rows.Scan(&r.ID, &r.IdentityID, &r.PlatformConfigID, &r.Platform,
			&r.ProviderUserID, &r.ProviderUserDisplay, &r.LinkMethod, &r.LinkedAt); err != nil {
			return nil, fmt.Errorf("scan alias row: %w", err)
		}
		result = append(result, r.toService())
	}
	return result, rows.Err()
}

// CreateAlias relies on the (platform_config_id, provider_user_id) unique
// constraint to surface ErrDuplicateKey when a concurrent resolve already
// won the race; the resolver retries by re-reading via GetAliasByTuple.
func (s *SQLite) CreateAlias(ctx context.Context, a service.IdentityAlias) (*service.IdentityAlias, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableAliases).Rows(goqu.Record{
		"id":                    id,
		"identity_id":           a.IdentityID,
		"platform_config_id":    a.PlatformConfigID,
		"platform":              a.Platform,
		"provider_user_id":      a.ProviderUserID,
		"provider_user_display": a.ProviderUserDisplay,
		"link_method":           string(a.LinkMethod),
		"linked_at":             formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create alias query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("alias for (%q,%q) already exists: %w", a.PlatformConfigID, a.ProviderUserID, service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create alias: %w", err)
	}

	a.ID, a.LinkedAt = id, now
	return &a, nil
}

func (s *SQLite) RemoveAlias(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableAliases).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build remove alias query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("remove alias %q: %w", id, err)
	}
	return nil
}
