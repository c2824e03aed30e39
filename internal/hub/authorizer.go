package hub

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
)

// Authorizer decides whether a user may subscribe to a channel. Ownership
// is transitive: a deployment channel is owned by whoever owns the service's
// parent project. There is no anonymous channel access.
type Authorizer struct {
	projects    repository.ProjectRepository
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	sessions    repository.DebugSessionRepository
}

func NewAuthorizer(
	projects repository.ProjectRepository,
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	sessions repository.DebugSessionRepository,
) *Authorizer {
	return &Authorizer{
		projects:    projects,
		services:    services,
		deployments: deployments,
		sessions:    sessions,
	}
}

// Authorize returns nil when userID may subscribe to channel. Channels are
// hierarchical: <resource-type>:<resource-id>:<topic>.
func (a *Authorizer) Authorize(ctx context.Context, userID uuid.UUID, channel string) error {
	parts := strings.Split(channel, ":")
	if len(parts) < 2 {
		return appErr.New(appErr.CodeInvalid, "malformed channel name")
	}
	kind := parts[0]

	if kind == "user" {
		if parts[1] != userID.String() {
			return appErr.New(appErr.CodeForbidden, "cannot subscribe to another user's channel")
		}
		return nil
	}

	resourceID, err := uuid.Parse(parts[1])
	if err != nil {
		return appErr.New(appErr.CodeInvalid, "malformed resource id in channel")
	}

	switch kind {
	case "project":
		return a.ownsProject(ctx, userID, resourceID)
	case "service":
		return a.ownsService(ctx, userID, resourceID)
	case "deployment":
		var dep models.Deployment
		if err := a.deployments.GetByID(ctx, resourceID, &dep); err != nil {
			return err
		}
		return a.ownsService(ctx, userID, dep.ServiceID)
	case "session":
		var session models.DebugSession
		if err := a.sessions.GetByID(ctx, resourceID, &session); err != nil {
			return err
		}
		return a.ownsService(ctx, userID, session.ServiceID)
	default:
		return appErr.New(appErr.CodeForbidden, "unknown channel type")
	}
}

func (a *Authorizer) ownsService(ctx context.Context, userID, serviceID uuid.UUID) error {
	var svc models.Service
	if err := a.services.GetByID(ctx, serviceID, &svc); err != nil {
		return err
	}
	return a.ownsProject(ctx, userID, svc.ProjectID)
}

func (a *Authorizer) ownsProject(ctx context.Context, userID, projectID uuid.UUID) error {
	var project models.Project
	if err := a.projects.GetByID(ctx, projectID, &project); err != nil {
		return err
	}
	if project.UserID != userID {
		return appErr.New(appErr.CodeForbidden, "user does not own this resource")
	}
	return nil
}
