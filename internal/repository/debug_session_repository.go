package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/models"
	appErr "github.com/launchbay/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DebugSessionRepository interface {
	BaseRepository[models.DebugSession]
	// GetRunningByService finds the running session for a service, if any.
	// Returns CodeNotFound when none exists.
	GetRunningByService(ctx context.Context, serviceID uuid.UUID, dest *models.DebugSession) error
	// TransitionStatus moves a session to status only if its current status is
	// one of from; reports whether the row changed. Keeps a cancel request
	// racing a loop iteration from clobbering a terminal status.
	TransitionStatus(ctx context.Context, sessionID uuid.UUID, from []string, to string) (bool, error)
	SetAttempt(ctx context.Context, sessionID uuid.UUID, attempt int) error
	SetJobHandle(ctx context.Context, sessionID uuid.UUID, jobName, namespace string) error
	ClearJobHandle(ctx context.Context, sessionID uuid.UUID) error
	SetOutcome(ctx context.Context, sessionID uuid.UUID, fileChanges datatypes.JSON, explanation string) error
}

type debugSessionRepository struct {
	BaseRepository[models.DebugSession]
	db *gorm.DB
}

func NewDebugSessionRepository(db *gorm.DB) DebugSessionRepository {
	return &debugSessionRepository{BaseRepository: NewBaseRepository[models.DebugSession](db), db: db}
}

func (r *debugSessionRepository) GetRunningByService(ctx context.Context, serviceID uuid.UUID, dest *models.DebugSession) error {
	err := r.db.WithContext(ctx).
		Where("service_id = ? AND status = ?", serviceID, models.SessionRunning).
		First(dest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no running session for service")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get running session failed")
	}
	return nil
}

func (r *debugSessionRepository) TransitionStatus(ctx context.Context, sessionID uuid.UUID, from []string, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.DebugSession{}).
		Where("id = ? AND status IN ?", sessionID, from).
		Update("status", to)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "transition session status failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *debugSessionRepository) SetAttempt(ctx context.Context, sessionID uuid.UUID, attempt int) error {
	res := r.db.WithContext(ctx).Model(&models.DebugSession{}).Where("id = ?", sessionID).Update("current_attempt", attempt)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set session attempt failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	return nil
}

func (r *debugSessionRepository) SetJobHandle(ctx context.Context, sessionID uuid.UUID, jobName, namespace string) error {
	res := r.db.WithContext(ctx).Model(&models.DebugSession{}).Where("id = ?", sessionID).
		Updates(map[string]any{"active_job_name": jobName, "active_job_namespace": namespace})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set session job handle failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	return nil
}

func (r *debugSessionRepository) ClearJobHandle(ctx context.Context, sessionID uuid.UUID) error {
	return r.SetJobHandle(ctx, sessionID, "", "")
}

func (r *debugSessionRepository) SetOutcome(ctx context.Context, sessionID uuid.UUID, fileChanges datatypes.JSON, explanation string) error {
	updates := map[string]any{}
	if fileChanges != nil {
		updates["file_changes"] = fileChanges
	}
	if explanation != "" {
		updates["final_explanation"] = explanation
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.DebugSession{}).Where("id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set session outcome failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "session not found")
	}
	return nil
}
