package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/disclosure"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Models lists every persisted table.
func Models() []any {
	return []any{
		&commitments.Commitment{},
		&aggregation.Event{},
		&aggregation.EventDonor{},
		&disclosure.Preference{},
		&achievements.Achievement{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// A single connection is kept open so writers are serialized by the pool.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
