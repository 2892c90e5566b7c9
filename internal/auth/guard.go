package auth

import (
	"context"

	"github.com/rakunlabs/gatekit/internal/apperr"
	"github.com/rakunlabs/gatekit/internal/service"
)

// GuardProject enforces the second-layer project-access check applied
// whenever the route carries a {project}. An API-key principal must
// belong to exactly that project; a JWT principal must be the project
// owner or hold a ProjectMember row, and write ≥ admin. Every failure
// resolves to NotFound; membership must not leak existence.
func GuardProject(ctx context.Context, p *Principal, project *service.Project, members service.ProjectStorer, write bool) error {
	if project == nil {
		return apperr.NotFound("project not found")
	}

	switch p.Kind {
	case KindAPIKey:
		if p.ProjectID != project.ID {
			return apperr.NotFound("project not found")
		}
		return nil

	case KindJWT:
		if p.UserID == project.OwnerID {
			return nil
		}

		member, err := members.GetMember(ctx, project.ID, p.UserID)
		if err != nil {
			return apperr.Internal(err)
		}
		if member == nil {
			return apperr.NotFound("project not found")
		}
		if write && !member.Role.AtLeast(service.RoleAdmin) {
			return apperr.NotFound("project not found")
		}
		return nil

	default:
		return apperr.Authentication("unknown principal kind")
	}
}
