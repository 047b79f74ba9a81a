package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"revita/clinic/dispatch-queue-server/pkg/config"
)

func ProvideDatabase(cfg *config.Config, loggerFactory *LoggerFactory) (*gorm.DB, error) {
	log := loggerFactory.Create("Database").Sugar()

	if err := ensureSqliteDir(cfg.DatabaseDsn); err != nil {
		return nil, err
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabaseDsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database[%v]: %w", cfg.DatabaseDsn, err)
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	sqlDb.SetMaxOpenConns(1)

	log.Infof("database opened dsn[%v]", cfg.DatabaseDsn)
	return db, nil
}

func ensureSqliteDir(dsn string) error {
	path := strings.TrimPrefix(strings.TrimSpace(dsn), "file:")
	if path == "" || path == ":memory:" {
		return nil
	}
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}

	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir[%v]: %w", dir, err)
	}
	return nil
}
