package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEventAggregates = "2026-10-01_backfill_event_aggregates"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEventAggregates, apply: backfillEventAggregates},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEventAggregates recomputes totals and donor sets for rows written
// before the aggregate tables existed.
func backfillEventAggregates(db *gorm.DB) error {
	engine, err := aggregation.NewEngine(aggregation.EngineConfig{Database: db})
	if err != nil {
		return err
	}
	return engine.RebuildTotals(db)
}
