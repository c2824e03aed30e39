package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/launchbay/engine/internal/api/middleware"
	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/internal/queue/tasks"
	"github.com/launchbay/engine/internal/repair"
	"github.com/launchbay/engine/internal/repository"
	appErr "github.com/launchbay/engine/pkg/errors"
)

// RepairHandler starts and controls auto-repair sessions. The loop itself
// runs in the worker; Start records the session and enqueues it.
type RepairHandler struct {
	repairer    *repair.Repairer
	projects    repository.ProjectRepository
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	sessions    repository.DebugSessionRepository
	attempts    repository.DebugAttemptRepository
	queue       Enqueuer
}

func NewRepairHandler(
	repairer *repair.Repairer,
	projects repository.ProjectRepository,
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	sessions repository.DebugSessionRepository,
	attempts repository.DebugAttemptRepository,
	queue Enqueuer,
) *RepairHandler {
	return &RepairHandler{
		repairer:    repairer,
		projects:    projects,
		services:    services,
		deployments: deployments,
		sessions:    sessions,
		attempts:    attempts,
		queue:       queue,
	}
}

type startRepairRequest struct {
	MaxAttempts int `json:"max_attempts"`
}

// Start opens a repair session against a failed deployment and enqueues the
// loop.
func (h *RepairHandler) Start(w http.ResponseWriter, r *http.Request) {
	dep, svc, err := h.ownedDeployment(r, chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req startRepairRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, appErr.Wrap(err, appErr.CodeInvalid, "malformed request body"))
			return
		}
	}

	session, err := h.repairer.StartSession(r.Context(), dep, svc, req.MaxAttempts)
	if err != nil {
		respondError(w, err)
		return
	}

	task, err := tasks.NewDebugRunTask(session.ID.String())
	if err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.queue.EnqueueContext(r.Context(), task); err != nil {
		// The session row exists but nothing will run it. Cancel so the
		// service is not locked out of future repairs.
		_ = h.repairer.Cancel(r.Context(), session.ID)
		respondError(w, appErr.Wrap(err, appErr.CodeUnavailable, "repair queue unavailable"))
		return
	}

	respondJSON(w, http.StatusAccepted, session)
}

type sessionDetail struct {
	Session  *models.DebugSession  `json:"session"`
	Attempts []models.DebugAttempt `json:"attempts"`
}

// Get returns one repair session with its attempt history.
func (h *RepairHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.ownedSession(r, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	attempts, err := h.attempts.ListBySession(r.Context(), session.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionDetail{Session: session, Attempts: attempts})
}

// Cancel stops a running repair session.
func (h *RepairHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	session, err := h.ownedSession(r, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.repairer.Cancel(r.Context(), session.ID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": models.SessionCancelled})
}

// Rollback restores the service's generated files from the session snapshot.
func (h *RepairHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	session, err := h.ownedSession(r, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.repairer.Rollback(r.Context(), session.ID); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": models.SessionRolledBack})
}

func (h *RepairHandler) ownedDeployment(r *http.Request, rawID string) (*models.Deployment, *models.Service, error) {
	deploymentID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, nil, appErr.New(appErr.CodeInvalid, "invalid deployment id")
	}
	var dep models.Deployment
	if err := h.deployments.GetByID(r.Context(), deploymentID, &dep); err != nil {
		return nil, nil, err
	}
	svc, err := h.ownedServiceByID(r, dep.ServiceID)
	if err != nil {
		return nil, nil, err
	}
	return &dep, svc, nil
}

func (h *RepairHandler) ownedSession(r *http.Request, rawID string) (*models.DebugSession, error) {
	sessionID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, appErr.New(appErr.CodeInvalid, "invalid session id")
	}
	var session models.DebugSession
	if err := h.sessions.GetByID(r.Context(), sessionID, &session); err != nil {
		return nil, err
	}
	if _, err := h.ownedServiceByID(r, session.ServiceID); err != nil {
		return nil, err
	}
	return &session, nil
}

func (h *RepairHandler) ownedServiceByID(r *http.Request, serviceID uuid.UUID) (*models.Service, error) {
	var svc models.Service
	if err := h.services.GetByID(r.Context(), serviceID, &svc); err != nil {
		return nil, err
	}
	var project models.Project
	if err := h.projects.GetByID(r.Context(), svc.ProjectID, &project); err != nil {
		return nil, err
	}
	if project.UserID != middleware.GetUserID(r.Context()) {
		return nil, appErr.New(appErr.CodeForbidden, "service belongs to another user")
	}
	return &svc, nil
}
