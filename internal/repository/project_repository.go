package repository

import (
	"context"

	"github.com/launchbay/engine/internal/models"
	appErr "github.com/launchbay/engine/pkg/errors"
	"gorm.io/gorm"
)

type ProjectRepository interface {
	BaseRepository[models.Project]
	// ListActive returns every non-archived project; reconciliation diffs this
	// roster against the cluster's managed namespaces.
	ListActive(ctx context.Context) ([]models.Project, error)
}

type projectRepository struct {
	BaseRepository[models.Project]
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository[models.Project](db), db: db}
}

func (r *projectRepository) ListActive(ctx context.Context) ([]models.Project, error) {
	var out []models.Project
	if err := r.db.WithContext(ctx).Where("archived = false").Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list active projects failed")
	}
	return out, nil
}


