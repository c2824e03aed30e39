package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Deployment statuses. Transitions are monotonic forward; a deployment is
// never reverted, only superseded by a new row.
const (
	DeploymentPending   = "pending"
	DeploymentBuilding  = "building"
	DeploymentDeploying = "deploying"
	DeploymentLive      = "live"
	DeploymentFailed    = "failed"
)

// Deployment is one build/deploy attempt for a service at a specific commit.
// Rows are immutable history once terminal; redeploys create new rows.
type Deployment struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ServiceID uuid.UUID      `gorm:"type:uuid;index;not null" json:"service_id" validate:"required"`
	CommitSHA string         `gorm:"type:varchar(64);index" json:"commit_sha"`
	Status    string         `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=pending building deploying live failed"`
	ImageTag  string         `gorm:"type:varchar(255)" json:"image_tag"`
	BuildLogs string         `gorm:"type:text" json:"build_logs"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Terminal reports whether the deployment reached a final status.
func (d *Deployment) Terminal() bool {
	return d.Status == DeploymentLive || d.Status == DeploymentFailed
}
