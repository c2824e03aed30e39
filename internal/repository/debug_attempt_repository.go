package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/models"
	appErr "github.com/launchbay/engine/pkg/errors"
	"gorm.io/gorm"
)

type DebugAttemptRepository interface {
	BaseRepository[models.DebugAttempt]
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.DebugAttempt, error)
	SetResult(ctx context.Context, attemptID uuid.UUID, succeeded bool, buildLogs string) error
}

type debugAttemptRepository struct {
	BaseRepository[models.DebugAttempt]
	db *gorm.DB
}

func NewDebugAttemptRepository(db *gorm.DB) DebugAttemptRepository {
	return &debugAttemptRepository{BaseRepository: NewBaseRepository[models.DebugAttempt](db), db: db}
}

func (r *debugAttemptRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.DebugAttempt, error) {
	var out []models.DebugAttempt
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("attempt_number ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list attempts failed")
	}
	return out, nil
}

func (r *debugAttemptRepository) SetResult(ctx context.Context, attemptID uuid.UUID, succeeded bool, buildLogs string) error {
	res := r.db.WithContext(ctx).Model(&models.DebugAttempt{}).Where("id = ?", attemptID).
		Updates(map[string]any{"succeeded": succeeded, "build_logs": buildLogs})
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set attempt result failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "attempt not found")
	}
	return nil
}
