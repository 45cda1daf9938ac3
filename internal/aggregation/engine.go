package aggregation

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/moby/locker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultMaxRetries = 5

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

var (
	// ErrUnknownEvent indicates the event aggregate does not exist.
	ErrUnknownEvent = errors.New("aggregation: unknown event")
	// ErrEventExists indicates an event with the same identifier is already defined.
	ErrEventExists = errors.New("aggregation: event already exists")
	// ErrContention indicates the compare-and-set retries were exhausted.
	ErrContention = errors.New("aggregation: aggregate update contention")
	// ErrSequenceGap indicates a commitment arrived out of sequence order.
	ErrSequenceGap = errors.New("aggregation: commitment sequence gap")
)

const (
	opEngineNew     = "aggregation.engine.new"
	opCreateEvent   = "aggregation.create_event"
	opGetEvent      = "aggregation.get_event"
	opApply         = "aggregation.apply_commitment"
	opTotals        = "aggregation.event_totals"
	opRebuildTotals = "aggregation.rebuild_totals"

	fieldEventID = "event_id"

	queryEventID        = "event_id = ?"
	queryEventIDVersion = "event_id = ? AND version = ?"

	reasonMissingDatabase  = "missing_database"
	reasonInvalidEvent     = "invalid_event"
	reasonEventExists      = "event_exists"
	reasonUnknownEvent     = "unknown_event"
	reasonQueryFailed      = "query_failed"
	reasonInsertFailed     = "insert_failed"
	reasonDonorFailed      = "donor_insert_failed"
	reasonUpdateFailed     = "update_failed"
	reasonRetriesExhausted = "retries_exhausted"
	reasonSequenceGap      = "sequence_gap"
)

// EngineConfig describes the dependencies of the aggregation engine.
type EngineConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	MaxRetries int
}

// Engine owns the event aggregate. Every write goes through a compare-and-set on
// the event version, and in-process writers are serialized per event.
type Engine struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	maxRetries int
	eventLocks *locker.Locker
}

// NewEngine constructs an aggregation Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Engine{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
		eventLocks: locker.New(),
	}, nil
}

// CreateEvent persists a new event aggregate with zero totals.
func (engine *Engine) CreateEvent(ctx context.Context, definition EventDefinition) (Event, error) {
	if definition.EventID == "" || !definition.TargetAmount.IsPositive() {
		return Event{}, apperr.New(apperr.KindValidation, opCreateEvent, reasonInvalidEvent, ErrInvalidTarget)
	}
	now := engine.clock().UTC().Unix()
	milestones := definition.Milestones
	if milestones == nil {
		milestones = []decimal.Decimal{}
	}
	event := Event{
		EventID:          definition.EventID.String(),
		TargetAmount:     definition.TargetAmount,
		Milestones:       milestones,
		CurrentAmount:    decimal.Zero,
		UniqueDonorCount: 0,
		LastSequence:     0,
		Version:          1,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	result := engine.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if result.Error != nil {
		engine.logError(opCreateEvent, reasonInsertFailed, result.Error, zap.String(fieldEventID, event.EventID))
		return Event{}, apperr.New(apperr.KindInternal, opCreateEvent, reasonInsertFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Event{}, apperr.New(apperr.KindConflict, opCreateEvent, reasonEventExists, ErrEventExists)
	}
	engine.logger.Info("event created",
		zap.String(fieldEventID, event.EventID),
		zap.String("target_amount", event.TargetAmount.String()),
		zap.Int("milestones", len(event.Milestones)))
	return event, nil
}

// GetEvent loads an event aggregate.
func (engine *Engine) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var event Event
	err := engine.db.WithContext(ctx).Where(queryEventID, eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, apperr.New(apperr.KindNotFound, opGetEvent, reasonUnknownEvent, ErrUnknownEvent)
	}
	if err != nil {
		engine.logError(opGetEvent, reasonQueryFailed, err, zap.String(fieldEventID, eventID))
		return Event{}, apperr.New(apperr.KindInternal, opGetEvent, reasonQueryFailed, err)
	}
	return event, nil
}

// EventExists reports whether the event aggregate is defined.
func (engine *Engine) EventExists(_ context.Context, db *gorm.DB, eventID string) (bool, error) {
	var count int64
	if err := db.Model(&Event{}).Where(queryEventID, eventID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// OnCommitmentRecorded applies a recorded commitment in its own transaction.
func (engine *Engine) OnCommitmentRecorded(ctx context.Context, commitment commitments.Commitment) error {
	engine.eventLocks.Lock(commitment.EventID)
	defer func() { _ = engine.eventLocks.Unlock(commitment.EventID) }()
	return engine.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return engine.ApplyCommitment(transaction, commitment)
	})
}

// ApplyCommitment adds the committed amount to the event total and counts the
// donor if new. The committed amount is used regardless of reveal state.
// Re-applying a commitment whose sequence number is already covered is a no-op.
func (engine *Engine) ApplyCommitment(transaction *gorm.DB, commitment commitments.Commitment) error {
	fields := []zap.Field{
		zap.String(fieldEventID, commitment.EventID),
		zap.Int64("sequence_number", commitment.SequenceNumber),
	}

	for attempt := 0; attempt < engine.maxRetries; attempt++ {
		var event Event
		err := transaction.Where(queryEventID, commitment.EventID).Take(&event).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.KindNotFound, opApply, reasonUnknownEvent, ErrUnknownEvent)
		}
		if err != nil {
			engine.logError(opApply, reasonQueryFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opApply, reasonQueryFailed, err)
		}
		if commitment.SequenceNumber <= event.LastSequence {
			return nil
		}
		if commitment.SequenceNumber != event.LastSequence+1 {
			engine.logError(opApply, reasonSequenceGap, ErrSequenceGap,
				append(fields, zap.Int64("last_sequence_number", event.LastSequence))...)
			return apperr.New(apperr.KindInternal, opApply, reasonSequenceGap, ErrSequenceGap)
		}

		donorResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&EventDonor{
			EventID:             commitment.EventID,
			DonorRef:            commitment.DonorRef,
			FirstSequenceNumber: commitment.SequenceNumber,
		})
		if donorResult.Error != nil {
			engine.logError(opApply, reasonDonorFailed, donorResult.Error, fields...)
			return apperr.New(apperr.KindInternal, opApply, reasonDonorFailed, donorResult.Error)
		}
		donorCount := event.UniqueDonorCount
		if donorResult.RowsAffected == 1 {
			donorCount++
		}

		updateResult := transaction.Model(&Event{}).
			Where(queryEventIDVersion, event.EventID, event.Version).
			Updates(map[string]any{
				"current_amount":       event.CurrentAmount.Add(commitment.CommittedAmount).String(),
				"unique_donor_count":   donorCount,
				"last_sequence_number": commitment.SequenceNumber,
				"version":              event.Version + 1,
				"updated_at_s":         engine.clock().UTC().Unix(),
			})
		if updateResult.Error != nil {
			engine.logError(opApply, reasonUpdateFailed, updateResult.Error, fields...)
			return apperr.New(apperr.KindInternal, opApply, reasonUpdateFailed, updateResult.Error)
		}
		if updateResult.RowsAffected == 1 {
			return nil
		}
		engine.logger.Debug("aggregate version moved, retrying", append(fields, zap.Int("attempt", attempt+1))...)
	}

	engine.logError(opApply, reasonRetriesExhausted, ErrContention, fields...)
	return apperr.New(apperr.KindConcurrency, opApply, reasonRetriesExhausted, ErrContention)
}

// GetEventTotals returns the public totals of an event. An unknown event yields
// zero totals rather than an error.
func (engine *Engine) GetEventTotals(ctx context.Context, eventID string) (Totals, error) {
	var event Event
	err := engine.db.WithContext(ctx).Where(queryEventID, eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Totals{EventID: eventID, CurrentAmount: decimal.Zero, TargetAmount: decimal.Zero}, nil
	}
	if err != nil {
		engine.logError(opTotals, reasonQueryFailed, err, zap.String(fieldEventID, eventID))
		return Totals{}, apperr.New(apperr.KindInternal, opTotals, reasonQueryFailed, err)
	}
	return totalsFromEvent(event), nil
}

// RebuildTotals recomputes every event aggregate and donor set from the stored
// commitments. It is used by data migrations.
func (engine *Engine) RebuildTotals(transaction *gorm.DB) error {
	var events []Event
	if err := transaction.Find(&events).Error; err != nil {
		return apperr.New(apperr.KindInternal, opRebuildTotals, reasonQueryFailed, err)
	}
	for _, event := range events {
		var stored []commitments.Commitment
		if err := transaction.Where(queryEventID, event.EventID).
			Order("sequence_number ASC").
			Find(&stored).Error; err != nil {
			return apperr.New(apperr.KindInternal, opRebuildTotals, reasonQueryFailed, err)
		}

		total := decimal.Zero
		firstSequence := make(map[string]int64)
		var lastSequence int64
		for _, commitment := range stored {
			total = total.Add(commitment.CommittedAmount)
			if _, seen := firstSequence[commitment.DonorRef]; !seen {
				firstSequence[commitment.DonorRef] = commitment.SequenceNumber
			}
			lastSequence = commitment.SequenceNumber
		}

		for donorRef, sequence := range firstSequence {
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&EventDonor{
				EventID:             event.EventID,
				DonorRef:            donorRef,
				FirstSequenceNumber: sequence,
			}).Error; err != nil {
				return apperr.New(apperr.KindInternal, opRebuildTotals, reasonDonorFailed, err)
			}
		}

		if err := transaction.Model(&Event{}).
			Where(queryEventID, event.EventID).
			Updates(map[string]any{
				"current_amount":       total.String(),
				"unique_donor_count":   int64(len(firstSequence)),
				"last_sequence_number": lastSequence,
				"version":              event.Version + 1,
				"updated_at_s":         engine.clock().UTC().Unix(),
			}).Error; err != nil {
			return apperr.New(apperr.KindInternal, opRebuildTotals, reasonUpdateFailed, err)
		}
	}
	return nil
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
	logger.Error("aggregation engine error", attrs...)
}
