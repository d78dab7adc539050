package database

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/core/models"

	"github.com/glebarez/sqlite" // Pure Go
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// DB holds the global GORM database connection pool.
var DB *gorm.DB

// Init initializes the database connection using the provided configuration.
func Init(cfg config.DBConfig) error {
	// Ensure the directory for the database file exists
	dbDir := filepath.Dir(cfg.File)
	if err := os.MkdirAll(dbDir, 0750); err != nil {
		log.Errorf("Failed to create database directory '%s': %v", dbDir, err)
		return err
	}

	// Bridge the GORM logger onto our logrus instance
	gormConfiguredLogger := gormlog.New(
		log.StandardLogger(),
		gormlog.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  gormlog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	db, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormConfiguredLogger,
	})
	if err != nil {
		log.Errorf("Failed to connect to database '%s': %v", cfg.File, err)
		return err
	}

	DB = db

	log.Info("Database connection established.")

	log.Info("Running database migrations...")
	err = DB.AutoMigrate(
		&models.Identity{},
		&models.Descriptor{},
		&models.Capture{},
	)
	if err != nil {
		log.Errorf("Database migration failed: %v", err)
		return err
	}
	log.Info("Database migrations completed.")

	return nil
}

// GetDB returns the initialized GORM DB instance.
func GetDB() (*gorm.DB, error) {
	if DB == nil {
		return nil, errors.New("database is not initialized")
	}
	return DB, nil
}
