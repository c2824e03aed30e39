package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/collab"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/pipeline"
	"github.com/launchbay/engine/internal/repository"
	"github.com/launchbay/engine/pkg/logger"
	"go.uber.org/zap"
)

// DeployTaskHandler drives one full pipeline run per deployment:run task.
type DeployTaskHandler struct {
	gw           *cluster.Gateway
	pipe         *pipeline.Pipeline
	projects     repository.ProjectRepository
	services     repository.ServiceRepository
	deployments  repository.DeploymentRepository
	credStore    collab.CredentialStore
	defaultCreds collab.BuildCredentials
}

func NewDeployTaskHandler(
	gw *cluster.Gateway,
	pipe *pipeline.Pipeline,
	projects repository.ProjectRepository,
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	credStore collab.CredentialStore,
	defaultCreds collab.BuildCredentials,
) *DeployTaskHandler {
	return &DeployTaskHandler{
		gw:           gw,
		pipe:         pipe,
		projects:     projects,
		services:     services,
		deployments:  deployments,
		credStore:    credStore,
		defaultCreds: defaultCreds,
	}
}

func (h *DeployTaskHandler) HandleDeploy(ctx context.Context, t *asynq.Task) error {
	var p DeployPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid deploy task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.DeploymentID)
	if err != nil {
		logger.L().Error("invalid deployment id in task", zap.Error(err))
		return err
	}

	logger.L().Info("handling deploy task", zap.String("deployment_id", id.String()))

	var dep models.Deployment
	if err := h.deployments.GetByID(ctx, id, &dep); err != nil {
		logger.L().Error("get deployment failed", zap.Error(err))
		return err
	}
	var svc models.Service
	if err := h.services.GetByID(ctx, dep.ServiceID, &svc); err != nil {
		logger.L().Error("get service failed", zap.Error(err))
		return err
	}
	var project models.Project
	if err := h.projects.GetByID(ctx, svc.ProjectID, &project); err != nil {
		logger.L().Error("get project failed", zap.Error(err))
		return err
	}

	if err := h.gw.EnsureNamespace(ctx, project.Namespace, project.ID.String()); err != nil {
		logger.L().Error("ensure namespace failed", zap.String("namespace", project.Namespace), zap.Error(err))
		return err
	}

	envVars, err := decodeStringMap(svc.EnvVars)
	if err != nil {
		logger.L().Error("decode service env vars failed", zap.Error(err))
		return err
	}
	creds := h.resolveCredentials(&project)

	result, err := h.pipe.Run(ctx, &svc, &dep, creds, project.Namespace, envVars)
	if err != nil {
		logger.L().Error("pipeline run failed",
			zap.String("deployment_id", id.String()), zap.Error(err))
		return err
	}
	if !result.Success {
		// The deployment row already records failed with logs. A build that
		// failed on its own merits is not retried by the queue.
		logger.L().Warn("pipeline run did not produce a live deployment",
			zap.String("deployment_id", id.String()))
	}
	return nil
}

// resolveCredentials starts from the worker's defaults and decrypts a
// project-scoped source token when one is stored.
func (h *DeployTaskHandler) resolveCredentials(project *models.Project) collab.BuildCredentials {
	creds := h.defaultCreds
	if len(project.Settings) == 0 {
		return creds
	}
	var settings struct {
		GitTokenEnc string `json:"git_token_enc"`
	}
	if err := json.Unmarshal(project.Settings, &settings); err != nil || settings.GitTokenEnc == "" {
		return creds
	}
	token, err := h.credStore.Decrypt(settings.GitTokenEnc)
	if err != nil {
		logger.L().Warn("decrypt project git token failed, using default",
			zap.String("project_id", project.ID.String()), zap.Error(err))
		return creds
	}
	creds.GitToken = string(token)
	return creds
}

func decodeStringMap(raw []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
