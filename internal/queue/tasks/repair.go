package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/repair"
	"github.com/launchbay/engine/internal/repository"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// RepairTaskHandler runs one repair campaign per debug:run task. The loop
// is sequential end to end, so the task occupies a worker slot for the
// session's whole lifetime.
type RepairTaskHandler struct {
	repairer     *repair.Repairer
	sessions     repository.DebugSessionRepository
	services     repository.ServiceRepository
	projects     repository.ProjectRepository
	deployments  repository.DeploymentRepository
	credStore    collab.CredentialStore
	defaultCreds collab.BuildCredentials
}

func NewRepairTaskHandler(
	repairer *repair.Repairer,
	sessions repository.DebugSessionRepository,
	services repository.ServiceRepository,
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	credStore collab.CredentialStore,
	defaultCreds collab.BuildCredentials,
) *RepairTaskHandler {
	return &RepairTaskHandler{
		repairer:     repairer,
		sessions:     sessions,
		services:     services,
		projects:     projects,
		deployments:  deployments,
		credStore:    credStore,
		defaultCreds: defaultCreds,
	}
}

func (h *RepairTaskHandler) HandleRepair(ctx context.Context, t *asynq.Task) error {
	var p RepairPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid repair task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.SessionID)
	if err != nil {
		logger.L().Error("invalid session id in task", zap.Error(err))
		return err
	}

	logger.L().Info("handling repair task", zap.String("session_id", id.String()))

	var session models.DebugSession
	if err := h.sessions.GetByID(ctx, id, &session); err != nil {
		logger.L().Error("get session failed", zap.Error(err))
		return err
	}
	if session.Status != models.SessionRunning {
		logger.L().Warn("session no longer running, skipping",
			zap.String("session_id", id.String()), zap.String("status", session.Status))
		return nil
	}

	var svc models.Service
	if err := h.services.GetByID(ctx, session.ServiceID, &svc); err != nil {
		logger.L().Error("get service failed", zap.Error(err))
		return err
	}
	var dep models.Deployment
	if err := h.deployments.GetByID(ctx, session.DeploymentID, &dep); err != nil {
		logger.L().Error("get deployment failed", zap.Error(err))
		return err
	}
	var project models.Project
	if err := h.projects.GetByID(ctx, svc.ProjectID, &project); err != nil {
		logger.L().Error("get project failed", zap.Error(err))
		return err
	}

	creds := h.defaultCreds
	if token := h.projectToken(&project); token != "" {
		creds.GitToken = token
	}

	if err := h.repairer.RunLoop(ctx, &session, &svc, &dep, creds, project.Namespace); err != nil {
		logger.L().Error("repair loop failed",
			zap.String("session_id", id.String()), zap.Error(err))
		return err
	}
	return nil
}

func (h *RepairTaskHandler) projectToken(project *models.Project) string {
	if len(project.Settings) == 0 {
		return ""
	}
	var settings struct {
		GitTokenEnc string `json:"git_token_enc"`
	}
	if err := json.Unmarshal(project.Settings, &settings); err != nil || settings.GitTokenEnc == "" {
		return ""
	}
	token, err := h.credStore.Decrypt(settings.GitTokenEnc)
	if err != nil {
		logger.L().Warn("decrypt project git token failed",
			zap.String("project_id", project.ID.String()), zap.Error(err))
		return ""
	}
	return string(token)
}
