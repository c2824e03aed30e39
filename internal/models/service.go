package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service is a deployable unit: a configured source (repo+branch or a fixed
// image) that produces one running workload in the project's namespace.
type Service struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id" validate:"required"`
	Name      string    `gorm:"type:varchar(63);not null;index:idx_services_project_name,unique" json:"name" validate:"required"`

	// Source repository coordinates. Empty RepoURL means ImageURL is deployed
	// directly without a build.
	RepoURL  string `gorm:"type:varchar(255)" json:"repo_url"`
	Branch   string `gorm:"type:varchar(255)" json:"branch"`
	ImageURL string `gorm:"type:varchar(255)" json:"image_url"`

	Port int `gorm:"not null;default:8080" json:"port" validate:"gte=1,lte=65535"`

	// EnvVars holds name -> value pairs injected into the workload. Secret
	// values are stored encrypted and decrypted only in memory.
	EnvVars datatypes.JSON `gorm:"type:jsonb" json:"env_vars"`

	// StorageSize, when non-empty (e.g. "1Gi"), provisions a persistent volume.
	StorageSize string `gorm:"type:varchar(16)" json:"storage_size"`

	// GeneratedFiles holds synthesized build-time files (path -> content),
	// e.g. a Dockerfile produced for repos that lack one. The repair loop
	// snapshots and patches these.
	GeneratedFiles datatypes.JSON `gorm:"type:jsonb" json:"generated_files"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasSourceRepo reports whether the service builds from source rather than
// deploying a pre-built image.
func (s *Service) HasSourceRepo() bool { return s.RepoURL != "" }
