package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatekit/internal/service"

	"github.com/doug-martin/goqu/v9"
)

type projectRow struct {
	ID          string    `db:"id"`
	Slug        string    `db:"slug"`
	Name        string    `db:"name"`
	Environment string    `db:"environment"`
	OwnerID     string    `db:"owner_id"`
	IsDefault   bool      `db:"is_default"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r projectRow) toService() service.Project {
	return service.Project{
		ID:          r.ID,
		Slug:        r.Slug,
		Name:        r.Name,
		Environment: service.Environment(r.Environment),
		OwnerID:     r.OwnerID,
		IsDefault:   r.IsDefault,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

var projectCols = []any{"id", "slug", "name", "environment", "owner_id", "is_default", "created_at", "updated_at"}

func scanProject(row *sql.Row) (*service.Project, error) {
	var r projectRow
	err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.Environment, &r.OwnerID, &r.IsDefault, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := r.toService()
	return &p, nil
}

func (p *Postgres) ListProjects(ctx context.Context, ownerID string) ([]service.Project, error) {
	ds := p.goqu.From(p.tableProjects).Select(projectCols...).Order(goqu.I("created_at").Desc())
	if ownerID != "" {
		ds = ds.Where(goqu.I("owner_id").Eq(ownerID))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list projects query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []service.Project
	for rows.Next() {
		var r projectRow
		if err := rows.Scan(&r.ID, &r.Slug, &r.Name, &r.Environment, &r.OwnerID, &r.IsDefault, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		result = append(result, r.toService())
	}
	return result, rows.Err()
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*service.Project, error) {
	query, _, err := p.goqu.From(p.tableProjects).Select(projectCols...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get project query: %w", err)
	}
	return scanProject(p.db.QueryRowContext(ctx, query))
}

func (p *Postgres) GetProjectBySlug(ctx context.Context, slug string) (*service.Project, error) {
	query, _, err := p.goqu.From(p.tableProjects).Select(projectCols...).Where(goqu.I("slug").Eq(slug)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get project by slug query: %w", err)
	}
	return scanProject(p.db.QueryRowContext(ctx, query))
}

func (p *Postgres) CreateProject(ctx context.Context, proj service.Project) (*service.Project, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableProjects).Rows(goqu.Record{
		"id":          id,
		"slug":        proj.Slug,
		"name":        proj.Name,
		"environment": string(proj.Environment),
		"owner_id":    proj.OwnerID,
		"is_default":  proj.IsDefault,
		"created_at":  now,
		"updated_at":  now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create project query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project slug %q: %w", proj.Slug, service.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}

	proj.ID, proj.CreatedAt, proj.UpdatedAt = id, now, now
	return &proj, nil
}

func (p *Postgres) UpdateProject(ctx context.Context, id string, proj service.Project) (*service.Project, error) {
	now := time.Now().UTC()

	query, _, err := p.goqu.Update(p.tableProjects).Set(goqu.Record{
		"name":        proj.Name,
		"environment": string(proj.Environment),
		"is_default":  proj.IsDefault,
		"updated_at":  now,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update project query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("update project %q: %w", id, err)
	}

	return p.GetProject(ctx, id)
}

func (p *Postgres) DeleteProject(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableProjects).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete project query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete project %q: %w", id, err)
	}
	return nil
}

// ─── Project Members ───

type memberRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
}

func (r memberRow) toService() service.ProjectMember {
	return service.ProjectMember{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		UserID:    r.UserID,
		Role:      service.MemberRole(r.Role),
		CreatedAt: r.CreatedAt,
	}
}

func (p *Postgres) ListMembers(ctx context.Context, projectID string) ([]service.ProjectMember, error) {
	query, _, err := p.goqu.From(p.tableMembers).
		Select("id", "project_id", "user_id", "role", "created_at").
		Where(goqu.I("project_id").Eq(projectID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list members query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var result []service.ProjectMember
	for rows.Next() {
		var r memberRow
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.UserID, &r.Role, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		result = append(result, r.toService())
	}
	return result, rows.Err()
}

func (p *Postgres) GetMember(ctx context.Context, projectID, userID string) (*service.ProjectMember, error) {
	query, _, err := p.goqu.From(p.tableMembers).
		Select("id", "project_id", "user_id", "role", "created_at").
		Where(goqu.I("project_id").Eq(projectID), goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get member query: %w", err)
	}

	var r memberRow
	err = p.db.QueryRowContext(ctx, query).Scan(&r.ID, &r.ProjectID, &r.UserID, &r.Role, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	m := r.toService()
	return &m, nil
}

func (p *Postgres) UpsertMember(ctx context.Context, m service.ProjectMember) (*service.ProjectMember, error) {
	existing, err := p.GetMember(ctx, m.ProjectID, m.UserID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		query, _, err := p.goqu.Update(p.tableMembers).Set(goqu.Record{
			"role": string(m.Role),
		}).Where(goqu.I("id").Eq(existing.ID)).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build update member query: %w", err)
		}
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("update member: %w", err)
		}
		existing.Role = m.Role
		return existing, nil
	}

	id := ulid.Make().String()
	now := time.Now().UTC()
	query, _, err := p.goqu.Insert(p.tableMembers).Rows(goqu.Record{
		"id":         id,
		"project_id": m.ProjectID,
		"user_id":    m.UserID,
		"role":       string(m.Role),
		"created_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert member query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}

	m.ID, m.CreatedAt = id, now
	return &m, nil
}

func (p *Postgres) RemoveMember(ctx context.Context, projectID, userID string) error {
	query, _, err := p.goqu.Delete(p.tableMembers).
		Where(goqu.I("project_id").Eq(projectID), goqu.I("user_id").Eq(userID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build remove member query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}
