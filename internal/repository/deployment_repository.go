package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/launchbay/engine/internal/models"
	appErr "github.com/launchbay/engine/pkg/errors"
	"gorm.io/gorm"
)

type DeploymentRepository interface {
	BaseRepository[models.Deployment]
	ListByService(ctx context.Context, serviceID uuid.UUID) ([]models.Deployment, error)
	GetLatestByService(ctx context.Context, serviceID uuid.UUID, dest *models.Deployment) error
	// TransitionStatus moves a deployment to status only if its current status
	// is one of from. It reports whether the row changed; a precondition that no
	// longer matches is a no-op, not an error, so racing writers cannot move a
	// deployment backward.
	TransitionStatus(ctx context.Context, deploymentID uuid.UUID, from []string, to string) (bool, error)
	SetImageTag(ctx context.Context, deploymentID uuid.UUID, imageTag string) error
	SetBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error
	AppendBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error
	CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int64, error)
}

type deploymentRepository struct {
	BaseRepository[models.Deployment]
	db *gorm.DB
}

func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{BaseRepository: NewBaseRepository[models.Deployment](db), db: db}
}

func (r *deploymentRepository) ListByService(ctx context.Context, serviceID uuid.UUID) ([]models.Deployment, error) {
	var out []models.Deployment
	if err := r.db.WithContext(ctx).Where("service_id = ?", serviceID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list deployments failed")
	}
	return out, nil
}

func (r *deploymentRepository) GetLatestByService(ctx context.Context, serviceID uuid.UUID, dest *models.Deployment) error {
	if err := r.db.WithContext(ctx).Where("service_id = ?", serviceID).Order("created_at DESC").First(dest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return appErr.New(appErr.CodeNotFound, "no deployments found")
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get latest deployment failed")
	}
	return nil
}

func (r *deploymentRepository) TransitionStatus(ctx context.Context, deploymentID uuid.UUID, from []string, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Where("id = ? AND status IN ?", deploymentID, from).
		Update("status", to)
	if res.Error != nil {
		return false, appErr.Wrap(res.Error, appErr.CodeInternal, "transition deployment status failed")
	}
	return res.RowsAffected > 0, nil
}

func (r *deploymentRepository) SetImageTag(ctx context.Context, deploymentID uuid.UUID, imageTag string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", deploymentID).Update("image_tag", imageTag)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set image tag failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) SetBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", deploymentID).Update("build_logs", logs)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "set build logs failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) AppendBuildLogs(ctx context.Context, deploymentID uuid.UUID, logs string) error {
	res := r.db.WithContext(ctx).Model(&models.Deployment{}).Where("id = ?", deploymentID).
		Update("build_logs", gorm.Expr("COALESCE(build_logs, '') || ?", logs))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "append build logs failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "deployment not found")
	}
	return nil
}

func (r *deploymentRepository) CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Deployment{}).
		Joins("JOIN services ON services.id = deployments.service_id").
		Where("services.project_id = ? AND deployments.status IN ?", projectID,
			[]string{models.DeploymentBuilding, models.DeploymentDeploying}).
		Count(&n).Error
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "count active deployments failed")
	}
	return n, nil
}
