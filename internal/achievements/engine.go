// Package achievements unlocks per-event achievements when the event aggregate
// crosses their thresholds.
package achievements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingEvents   = errors.New("event reader is required")
	errUnknownTrigger  = errors.New("achievements: unknown trigger type")
	noOpLogger         = zap.NewNop()
)

const (
	opEngineNew   = "achievements.engine.new"
	opEvaluate    = "achievements.evaluate"
	opMaterialize = "achievements.materialize"
	opUnlock      = "achievements.unlock"
	opList        = "achievements.list"

	fieldEventID      = "event_id"
	fieldTriggerType  = "trigger_type"
	fieldTriggerValue = "trigger_value"

	queryEventID = "event_id = ?"

	reasonMissingDatabase = "missing_database"
	reasonMissingEvents   = "missing_events"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonConditionFailed = "condition_failed"
	reasonUpdateFailed    = "update_failed"
)

// EventReader loads event aggregates.
type EventReader interface {
	GetEvent(ctx context.Context, eventID string) (aggregation.Event, error)
}

// EngineConfig describes the dependencies of the achievement engine.
type EngineConfig struct {
	Database   *gorm.DB
	Events     EventReader
	Thresholds Thresholds
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine is the only writer of achievement rows.
type Engine struct {
	db         *gorm.DB
	events     EventReader
	thresholds Thresholds
	ids        ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewEngine constructs an achievement Engine. Empty threshold lists fall back
// to the defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Events == nil {
		return nil, apperr.New(apperr.KindInternal, opEngineNew, reasonMissingEvents, errMissingEvents)
	}
	thresholds := cfg.Thresholds
	defaults := DefaultThresholds()
	if len(thresholds.FundingPercentages) == 0 {
		thresholds.FundingPercentages = defaults.FundingPercentages
	}
	if len(thresholds.DonorCounts) == 0 {
		thresholds.DonorCounts = defaults.DonorCounts
	}
	if len(thresholds.TimeWindowsHours) == 0 {
		thresholds.TimeWindowsHours = defaults.TimeWindowsHours
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		db:         cfg.Database,
		events:     cfg.Events,
		thresholds: thresholds,
		ids:        idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Evaluate compares the event aggregate against every achievement definition and
// returns the achievements this call unlocked. Concurrent and repeated calls
// never report the same unlock twice. A failing definition is logged and skipped.
func (engine *Engine) Evaluate(ctx context.Context, eventID string) ([]Achievement, error) {
	event, err := engine.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	now := engine.clock().UTC()
	database := engine.db.WithContext(ctx)

	for _, candidate := range definitionsFor(event, engine.thresholds) {
		if err := engine.materialize(database, event.EventID, candidate, now); err != nil {
			engine.logError(opMaterialize, reasonInsertFailed, err,
				zap.String(fieldEventID, event.EventID),
				zap.String(fieldTriggerType, string(candidate.triggerType)),
				zap.String(fieldTriggerValue, candidate.triggerValue))
		}
	}

	var locked []Achievement
	if err := database.Where(queryEventID+" AND is_unlocked = ?", event.EventID, false).
		Order("created_at_s ASC, id ASC").
		Find(&locked).Error; err != nil {
		engine.logError(opEvaluate, reasonQueryFailed, err, zap.String(fieldEventID, event.EventID))
		return nil, apperr.New(apperr.KindInternal, opEvaluate, reasonQueryFailed, err)
	}

	unlocked := make([]Achievement, 0)
	for _, achievement := range locked {
		fields := []zap.Field{
			zap.String(fieldEventID, achievement.EventID),
			zap.String(fieldTriggerType, string(achievement.TriggerType)),
			zap.String(fieldTriggerValue, achievement.TriggerValue),
		}
		check, known := conditions[achievement.TriggerType]
		if !known {
			engine.logError(opEvaluate, reasonConditionFailed, errUnknownTrigger, fields...)
			continue
		}
		satisfied, err := check(event, achievement.TriggerValue, now)
		if err != nil {
			engine.logError(opEvaluate, reasonConditionFailed, err, fields...)
			continue
		}
		if !satisfied {
			continue
		}
		result := database.Model(&Achievement{}).
			Where("id = ? AND is_unlocked = ?", achievement.ID, false).
			Updates(map[string]any{
				"is_unlocked":   true,
				"unlocked_at_s": now.Unix(),
			})
		if result.Error != nil {
			engine.logError(opUnlock, reasonUpdateFailed, result.Error, fields...)
			continue
		}
		if result.RowsAffected != 1 {
			continue
		}
		achievement.IsUnlocked = true
		achievement.UnlockedAtSeconds = now.Unix()
		unlocked = append(unlocked, achievement)
		engine.logger.Info("achievement unlocked", fields...)
	}
	return unlocked, nil
}

// ListAchievements returns every materialized achievement of the event.
func (engine *Engine) ListAchievements(ctx context.Context, eventID string) ([]Achievement, error) {
	achievements := make([]Achievement, 0)
	if err := engine.db.WithContext(ctx).
		Where(queryEventID, eventID).
		Order("created_at_s ASC, id ASC").
		Find(&achievements).Error; err != nil {
		engine.logError(opList, reasonQueryFailed, err, zap.String(fieldEventID, eventID))
		return nil, apperr.New(apperr.KindInternal, opList, reasonQueryFailed, err)
	}
	return achievements, nil
}

func (engine *Engine) materialize(database *gorm.DB, eventID string, candidate definition, now time.Time) error {
	identifier, err := engine.ids.NewID()
	if err != nil {
		return fmt.Errorf("%s: %w", reasonIDFailed, err)
	}
	return database.Clauses(clause.OnConflict{DoNothing: true}).Create(&Achievement{
		ID:               identifier,
		EventID:          eventID,
		TriggerType:      candidate.triggerType,
		TriggerValue:     candidate.triggerValue,
		CreatedAtSeconds: now.Unix(),
	}).Error
}

func (engine *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if engine != nil && engine.logger != nil {
		logger = engine.logger
	}
	logger.Error("achievement engine error", attrs...)
}
