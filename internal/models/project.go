package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Project groups a user's deployable services and owns one cluster namespace.
type Project struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	UserID      uuid.UUID      `gorm:"type:uuid;index;not null" json:"user_id" validate:"required"`
	Name        string         `gorm:"not null;index:idx_projects_user_name,unique" json:"name" validate:"required"`
	Description string         `gorm:"type:text" json:"description"`
	Namespace   string         `gorm:"type:varchar(63);uniqueIndex;not null" json:"namespace" validate:"required"`
	Settings    datatypes.JSON `gorm:"type:jsonb" json:"settings"`
	Archived    bool           `gorm:"not null;default:false;index" json:"archived"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}
