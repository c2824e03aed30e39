package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/models"
	appErr "github.com/launchbay/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceRepository interface {
	BaseRepository[models.Service]
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Service, error)
	UpdateGeneratedFiles(ctx context.Context, serviceID uuid.UUID, files datatypes.JSON) error
}

type serviceRepository struct {
	BaseRepository[models.Service]
	db *gorm.DB
}

func NewServiceRepository(db *gorm.DB) ServiceRepository {
	return &serviceRepository{BaseRepository: NewBaseRepository[models.Service](db), db: db}
}

func (r *serviceRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Service, error) {
	var out []models.Service
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list services failed")
	}
	return out, nil
}

func (r *serviceRepository) UpdateGeneratedFiles(ctx context.Context, serviceID uuid.UUID, files datatypes.JSON) error {
	res := r.db.WithContext(ctx).Model(&models.Service{}).Where("id = ?", serviceID).Update("generated_files", files)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update generated files failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "service not found")
	}
	return nil
}
