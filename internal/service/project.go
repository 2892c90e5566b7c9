package service

import (
	"context"
	"time"
)

// Environment is the closed set of project environments. It doubles as the
// source of truth for an API key's env segment (gk_{env}_...).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Project is the tenant boundary. All other tenant-scoped entities are
// owned by exactly one project.
type Project struct {
	ID          string      `json:"id"`
	Slug        string      `json:"slug"`
	Name        string      `json:"name"`
	Environment Environment `json:"environment"`
	OwnerID     string      `json:"ownerId"`
	IsDefault   bool        `json:"isDefault"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// MemberRole is a strict hierarchy: owner > admin > member > viewer. The
// owner is implicit and is never stored as a ProjectMember row.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
	RoleViewer MemberRole = "viewer"
)

var roleRank = map[MemberRole]int{
	RoleViewer: 0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// AtLeast reports whether r meets or exceeds min in the role hierarchy.
func (r MemberRole) AtLeast(min MemberRole) bool {
	return roleRank[r] >= roleRank[min]
}

// ProjectMember is a non-owner membership row.
type ProjectMember struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	UserID    string     `json:"userId"`
	Role      MemberRole `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ProjectStorer persists Project and ProjectMember rows.
type ProjectStorer interface {
	ListProjects(ctx context.Context, ownerID string) ([]Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*Project, error)
	CreateProject(ctx context.Context, p Project) (*Project, error)
	UpdateProject(ctx context.Context, id string, p Project) (*Project, error)
	DeleteProject(ctx context.Context, id string) error

	ListMembers(ctx context.Context, projectID string) ([]ProjectMember, error)
	GetMember(ctx context.Context, projectID, userID string) (*ProjectMember, error)
	UpsertMember(ctx context.Context, m ProjectMember) (*ProjectMember, error)
	RemoveMember(ctx context.Context, projectID, userID string) error
}
