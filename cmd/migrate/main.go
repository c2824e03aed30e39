package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/launchbay/engine/internal/models"
	"github.com/launchbay/engine/pkg/config"
	"github.com/launchbay/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
		log.Fatal("failed to enable pgcrypto", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Service{},
		&models.Deployment{},
		&models.DebugSession{},
		&models.DebugAttempt{},
	); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}

	// AutoMigrate cannot express a partial index; this one enforces at most
	// one running repair session per service.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_debug_sessions_one_running
		 ON debug_sessions (service_id) WHERE status = 'running' AND deleted_at IS NULL`,
	).Error; err != nil {
		log.Fatal("failed to create running-session index", zap.Error(err))
	}

	fmt.Fprintln(os.Stdout, "migrations completed")
}
