// Package database provides the SQLite connection backing the codec cache.
package database

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dubrelay/dubrelay/internal/config"
	"github.com/dubrelay/dubrelay/internal/models"
)

// DB wraps a GORM connection.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// New opens the SQLite database and runs migrations. The pure Go driver
// avoids CGO; a DSN of ":memory:" is accepted for tests.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger:                 newGormLogger(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&models.StreamCodec{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	log.Debug("database ready", slog.String("dsn", cfg.DSN))
	return &DB{DB: db, logger: log}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newGormLogger maps the configured level onto GORM's logger.
func newGormLogger(level string) logger.Interface {
	var l logger.LogLevel
	switch level {
	case "silent":
		l = logger.Silent
	case "error":
		l = logger.Error
	case "info":
		l = logger.Info
	default:
		l = logger.Warn
	}
	return logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  l,
		IgnoreRecordNotFoundError: true,
	})
}
