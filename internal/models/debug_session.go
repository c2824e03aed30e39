package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DebugSession statuses.
const (
	SessionRunning    = "running"
	SessionSucceeded  = "succeeded"
	SessionFailed     = "failed"
	SessionCancelled  = "cancelled"
	SessionRolledBack = "rolled_back"
)

// DefaultMaxAttempts bounds a repair session when the caller does not choose.
const DefaultMaxAttempts = 10

// DebugSession is one bounded auto-repair campaign against a failed
// deployment. At most one running session may exist per service; the partial
// unique index created in cmd/migrate enforces it.
type DebugSession struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	DeploymentID uuid.UUID `gorm:"type:uuid;index;not null" json:"deployment_id" validate:"required"`
	ServiceID    uuid.UUID `gorm:"type:uuid;index;not null" json:"service_id" validate:"required"`

	Status         string `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=running succeeded failed cancelled rolled_back"`
	CurrentAttempt int    `gorm:"not null;default:0" json:"current_attempt"`
	MaxAttempts    int    `gorm:"not null;default:10" json:"max_attempts" validate:"gte=1"`

	// FileChanges is the last successful patch set (path -> content).
	FileChanges datatypes.JSON `gorm:"type:jsonb" json:"file_changes"`

	// OriginalFiles snapshots the service's generated files at session start
	// so Rollback can restore them.
	OriginalFiles datatypes.JSON `gorm:"type:jsonb" json:"-"`

	FinalExplanation string `gorm:"type:text" json:"final_explanation"`

	// ActiveJobName/Namespace track the in-flight build job, cleared between
	// attempts. A non-empty handle means a build is cancellable by deleting
	// that job.
	ActiveJobName      string `gorm:"type:varchar(255)" json:"-"`
	ActiveJobNamespace string `gorm:"type:varchar(63)" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// DebugAttempt is one iteration within a DebugSession. Rows are created
// before the rebuild and updated with the outcome; never deleted.
type DebugAttempt struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SessionID     uuid.UUID      `gorm:"type:uuid;index;not null;index:idx_attempts_session_number,unique" json:"session_id" validate:"required"`
	AttemptNumber int            `gorm:"not null;index:idx_attempts_session_number,unique" json:"attempt_number" validate:"gte=1"`
	Explanation   string         `gorm:"type:text" json:"explanation"`
	FileChanges   datatypes.JSON `gorm:"type:jsonb" json:"file_changes"`
	Succeeded     bool           `gorm:"not null;default:false" json:"succeeded"`
	BuildLogs     string         `gorm:"type:text" json:"build_logs"`
	TokensUsed    int            `gorm:"not null;default:0" json:"tokens_used"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
