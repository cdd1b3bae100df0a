// Package store provides relational persistence for channels and their
// logs. Two backends are supported: sqlite (default, embedded) and
// postgres, both through GORM so the repositories are backend-agnostic.
package store

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles the repositories over one database handle.
type Store struct {
	db       *gorm.DB
	Channels *ChannelRepository
	Logs     *LogRepository
}

// Open connects to the database, runs migrations, and wires repositories.
// driver is "sqlite" or "postgres"; dsn is the sqlite path or postgres DSN.
func Open(log *zap.Logger, driver, dsn string, maxLogsPerChannel int) (*Store, error) {
	log = log.Named("store")

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&ChannelRow{}, &ChannelLogRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if driver == "sqlite" || driver == "" {
		// Single writer; avoids SQLITE_BUSY under concurrent supervisor writes.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		db.Exec("PRAGMA foreign_keys = ON")
	}

	return &Store{
		db:       db,
		Channels: &ChannelRepository{db: db, log: log.Named("channels")},
		Logs:     &LogRepository{db: db, log: log.Named("logs"), maxPerChannel: maxLogsPerChannel},
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
