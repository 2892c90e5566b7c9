package auth

import (
	"context"
	"testing"

	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/service"
)

// fakeProjects only backs GetMember; the guard never touches the rest.
type fakeProjects struct {
	members map[string]*service.ProjectMember // userID -> member
}

func (f *fakeProjects) ListProjects(context.Context, string) ([]service.Project, error) {
	return nil, nil
}
func (f *fakeProjects) GetProject(context.Context, string) (*service.Project, error) {
	return nil, nil
}
func (f *fakeProjects) GetProjectBySlug(context.Context, string) (*service.Project, error) {
	return nil, nil
}
func (f *fakeProjects) CreateProject(context.Context, service.Project) (*service.Project, error) {
	return nil, nil
}
func (f *fakeProjects) UpdateProject(context.Context, string, service.Project) (*service.Project, error) {
	return nil, nil
}
func (f *fakeProjects) DeleteProject(context.Context, string) error { return nil }
func (f *fakeProjects) ListMembers(context.Context, string) ([]service.ProjectMember, error) {
	return nil, nil
}
func (f *fakeProjects) GetMember(_ context.Context, _, userID string) (*service.ProjectMember, error) {
	m, ok := f.members[userID]
	if !ok {
		return nil, nil
	}
	return m, nil
}
func (f *fakeProjects) UpsertMember(context.Context, service.ProjectMember) (*service.ProjectMember, error) {
	return nil, nil
}
func (f *fakeProjects) RemoveMember(context.Context, string, string) error { return nil }

func demoProject() *service.Project {
	return &service.Project{ID: "proj-1", Slug: "demo", OwnerID: "owner-1"}
}

func TestGuardProjectNilProject(t *testing.T) {
	p := &Principal{Kind: KindAPIKey, ProjectID: "proj-1"}
	if err := GuardProject(context.Background(), p, nil, &fakeProjects{}, false); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("nil project must resolve to not-found, got %v", err)
	}
}

func TestGuardProjectAPIKey(t *testing.T) {
	project := demoProject()

	own := &Principal{Kind: KindAPIKey, ProjectID: "proj-1"}
	if err := GuardProject(context.Background(), own, project, &fakeProjects{}, true); err != nil {
		t.Fatalf("key scoped to the project must pass: %v", err)
	}

	foreign := &Principal{Kind: KindAPIKey, ProjectID: "proj-other"}
	err := GuardProject(context.Background(), foreign, project, &fakeProjects{}, false)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("cross-project key must get not-found (never forbidden), got %v", err)
	}
}

func TestGuardProjectJWTOwner(t *testing.T) {
	p := &Principal{Kind: KindJWT, UserID: "owner-1"}
	if err := GuardProject(context.Background(), p, demoProject(), &fakeProjects{}, true); err != nil {
		t.Fatalf("owner must pass writes without a member row: %v", err)
	}
}

func TestGuardProjectJWTMemberRoles(t *testing.T) {
	tests := []struct {
		role      service.MemberRole
		write     bool
		wantAllow bool
	}{
		{service.RoleViewer, false, true},
		{service.RoleViewer, true, false},
		{service.RoleMember, false, true},
		{service.RoleMember, true, false},
		{service.RoleAdmin, false, true},
		{service.RoleAdmin, true, true},
	}

	for _, tt := range tests {
		members := &fakeProjects{members: map[string]*service.ProjectMember{
			"user-1": {ProjectID: "proj-1", UserID: "user-1", Role: tt.role},
		}}
		p := &Principal{Kind: KindJWT, UserID: "user-1"}

		err := GuardProject(context.Background(), p, demoProject(), members, tt.write)
		if tt.wantAllow && err != nil {
			t.Errorf("role %s write=%v: unexpected deny: %v", tt.role, tt.write, err)
		}
		if !tt.wantAllow && apperr.KindOf(err) != apperr.KindNotFound {
			t.Errorf("role %s write=%v: want not-found, got %v", tt.role, tt.write, err)
		}
	}
}

func TestGuardProjectJWTNonMember(t *testing.T) {
	p := &Principal{Kind: KindJWT, UserID: "stranger"}
	err := GuardProject(context.Background(), p, demoProject(), &fakeProjects{}, false)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("non-member must get not-found, got %v", err)
	}
}
