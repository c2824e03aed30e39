package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/launchbay/engine/internal/api/middleware"
	"github.com/launchbay/engine/internal/cluster"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/queue/tasks"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
	"github.com/launchbay/engine/pkg/logger"
)

// maxReplicas caps user-requested scaling; anything larger belongs to an
// operator with cluster access.
const maxReplicas = 10

// Enqueuer is the slice of asynq.Client the handlers need.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DeployHandler triggers deployments and serves their history and runtime
// logs. The actual build runs in the worker process; Trigger only records
// intent and enqueues.
type DeployHandler struct {
	gw          *cluster.Gateway
	projects    repository.ProjectRepository
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	queue       Enqueuer
}

func NewDeployHandler(
	gw *cluster.Gateway,
	projects repository.ProjectRepository,
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	queue Enqueuer,
) *DeployHandler {
	return &DeployHandler{gw: gw, projects: projects, services: services, deployments: deployments, queue: queue}
}

type triggerDeployRequest struct {
	CommitSHA string `json:"commit_sha"`
}

// Trigger creates a pending deployment for a service and enqueues the build.
func (h *DeployHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	svc, err := h.ownedService(r, chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req triggerDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, appErr.Wrap(err, appErr.CodeInvalid, "malformed request body"))
		return
	}
	if svc.HasSourceRepo() && req.CommitSHA == "" {
		respondError(w, appErr.New(appErr.CodeInvalid, "commit_sha is required for source-built services"))
		return
	}

	dep := &models.Deployment{
		ServiceID: svc.ID,
		CommitSHA: req.CommitSHA,
		Status:    models.DeploymentPending,
	}
	if err := h.deployments.Create(r.Context(), dep); err != nil {
		respondError(w, err)
		return
	}

	task, err := tasks.NewDeploymentRunTask(dep.ID.String())
	if err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.queue.EnqueueContext(r.Context(), task); err != nil {
		logger.L().Error("failed to enqueue deployment",
			zap.String("deployment_id", dep.ID.String()), zap.Error(err))
		respondError(w, appErr.Wrap(err, appErr.CodeUnavailable, "deployment queue unavailable"))
		return
	}

	respondJSON(w, http.StatusAccepted, dep)
}

// List returns a service's deployment history, newest first.
func (h *DeployHandler) List(w http.ResponseWriter, r *http.Request) {
	svc, err := h.ownedService(r, chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, err)
		return
	}
	deps, err := h.deployments.ListByService(r.Context(), svc.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deps)
}

type scaleRequest struct {
	Replicas *int32 `json:"replicas"`
}

// Scale patches the replica count of a service's running workload.
func (h *DeployHandler) Scale(w http.ResponseWriter, r *http.Request) {
	svc, err := h.ownedService(r, chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, appErr.Wrap(err, appErr.CodeInvalid, "malformed request body"))
		return
	}
	if req.Replicas == nil || *req.Replicas < 0 || *req.Replicas > maxReplicas {
		respondError(w, appErr.New(appErr.CodeInvalid, "replicas must be between 0 and 10"))
		return
	}

	var project models.Project
	if err := h.projects.GetByID(r.Context(), svc.ProjectID, &project); err != nil {
		respondError(w, err)
		return
	}
	if err := h.gw.ScaleDeployment(r.Context(), project.Namespace, svc.Name, *req.Replicas); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int32{"replicas": *req.Replicas})
}

// Latest returns the newest deployment for a service, regardless of status.
func (h *DeployHandler) Latest(w http.ResponseWriter, r *http.Request) {
	svc, err := h.ownedService(r, chi.URLParam(r, "serviceID"))
	if err != nil {
		respondError(w, err)
		return
	}
	var dep models.Deployment
	if err := h.deployments.GetLatestByService(r.Context(), svc.ID, &dep); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dep)
}

// Get returns one deployment.
func (h *DeployHandler) Get(w http.ResponseWriter, r *http.Request) {
	dep, err := h.ownedDeployment(r, chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dep)
}

// Logs streams the service's live container logs until the client leaves or
// the container stops.
func (h *DeployHandler) Logs(w http.ResponseWriter, r *http.Request) {
	dep, err := h.ownedDeployment(r, chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondError(w, err)
		return
	}
	svc, project, err := h.serviceWithProject(r.Context(), dep.ServiceID)
	if err != nil {
		respondError(w, err)
		return
	}

	pods, err := h.gw.ListPods(r.Context(), project.Namespace, "app="+svc.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	if len(pods) == 0 {
		respondError(w, appErr.New(appErr.CodeNotFound, "no running pods for service"))
		return
	}

	stream, err := h.gw.StreamLogs(r.Context(), project.Namespace, pods[0].Name, svc.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for {
		chunk, err := stream.Next()
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *DeployHandler) serviceWithProject(ctx context.Context, serviceID uuid.UUID) (*models.Service, *models.Project, error) {
	var svc models.Service
	if err := h.services.GetByID(ctx, serviceID, &svc); err != nil {
		return nil, nil, err
	}
	var project models.Project
	if err := h.projects.GetByID(ctx, svc.ProjectID, &project); err != nil {
		return nil, nil, err
	}
	return &svc, &project, nil
}

// ownedService loads a service and verifies the requester owns its project.
func (h *DeployHandler) ownedService(r *http.Request, rawID string) (*models.Service, error) {
	serviceID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, appErr.New(appErr.CodeInvalid, "invalid service id")
	}
	svc, project, err := h.serviceWithProject(r.Context(), serviceID)
	if err != nil {
		return nil, err
	}
	if project.UserID != middleware.GetUserID(r.Context()) {
		return nil, appErr.New(appErr.CodeForbidden, "service belongs to another user")
	}
	return svc, nil
}

func (h *DeployHandler) ownedDeployment(r *http.Request, rawID string) (*models.Deployment, error) {
	deploymentID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, appErr.New(appErr.CodeInvalid, "invalid deployment id")
	}
	var dep models.Deployment
	if err := h.deployments.GetByID(r.Context(), deploymentID, &dep); err != nil {
		return nil, err
	}
	if _, err := h.ownedService(r, dep.ServiceID.String()); err != nil {
		return nil, err
	}
	return &dep, nil
}
