package commitments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ids"
	"github.com/moby/locker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingVerifier   = errors.New("proof verifier is required")
	errMissingAggregates = errors.New("aggregate writer is required")
	noOpLogger           = zap.NewNop()
)

var (
	// ErrDuplicateCommitment indicates the commitment hash is already recorded.
	ErrDuplicateCommitment = errors.New("commitments: duplicate commitment hash")
	// ErrUnknownEvent indicates the referenced event does not exist.
	ErrUnknownEvent = errors.New("commitments: unknown event")
	// ErrUnknownCommitment indicates the referenced commitment does not exist.
	ErrUnknownCommitment = errors.New("commitments: unknown commitment")
	// ErrNotOwner indicates the donor does not own the commitment.
	ErrNotOwner = errors.New("commitments: donor does not own commitment")
)

const (
	opStoreNew    = "commitments.store.new"
	opRecord      = "commitments.record"
	opReveal      = "commitments.reveal"
	opListDonor   = "commitments.list_donor"
	opListRanking = "commitments.list_ranking"

	fieldEventID      = "event_id"
	fieldDonorRef     = "donor_ref"
	fieldCommitmentID = "commitment_id"

	queryCommitmentID   = "commitment_id = ?"
	queryCommitmentHash = "commitment_hash = ?"

	reasonMissingDatabase     = "missing_database"
	reasonMissingVerifier     = "missing_verifier"
	reasonMissingAggregates   = "missing_aggregates"
	reasonUnknownEvent        = "unknown_event"
	reasonEventLookupFailed   = "event_lookup_failed"
	reasonDuplicateCommitment = "duplicate_commitment"
	reasonInvalidProof        = "invalid_proof"
	reasonInvalidHash         = "invalid_commitment_hash"
	reasonProofTimeout        = "proof_timeout"
	reasonVerifierFailed      = "verifier_failed"
	reasonSequenceFailed      = "sequence_failed"
	reasonIDGenerationFailed  = "id_generation_failed"
	reasonInsertFailed        = "insert_failed"
	reasonUnknownCommitment   = "unknown_commitment"
	reasonNotOwner            = "not_owner"
	reasonUpdateFailed        = "update_failed"
	reasonQueryFailed         = "query_failed"
)

// AggregateWriter is the single writer of event aggregates. ApplyCommitment runs
// inside the transaction that inserts the commitment.
type AggregateWriter interface {
	EventExists(ctx context.Context, db *gorm.DB, eventID string) (bool, error)
	ApplyCommitment(tx *gorm.DB, commitment Commitment) error
}

// StoreConfig describes the dependencies of the commitment store.
type StoreConfig struct {
	Database      *gorm.DB
	Verifier      ProofVerifier
	Aggregates    AggregateWriter
	VerifyTimeout time.Duration
	Clock         func() time.Time
	IDProvider    ids.Provider
	Logger        *zap.Logger
}

// Store persists commitments and their reveal state.
type Store struct {
	db            *gorm.DB
	verifier      ProofVerifier
	aggregates    AggregateWriter
	verifyTimeout time.Duration
	clock         func() time.Time
	idProvider    ids.Provider
	logger        *zap.Logger
	eventLocks    *locker.Locker
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Verifier == nil {
		return nil, apperr.New(apperr.KindInternal, opStoreNew, reasonMissingVerifier, errMissingVerifier)
	}
	if cfg.Aggregates == nil {
		return nil, apperr.New(apperr.KindInternal, opStoreNew, reasonMissingAggregates, errMissingAggregates)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:            cfg.Database,
		verifier:      cfg.Verifier,
		aggregates:    cfg.Aggregates,
		verifyTimeout: timeout,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		eventLocks:    locker.New(),
	}, nil
}

// RecordCommitment verifies the proof and persists a new commitment with the
// next sequence number of its event. Nothing is written unless every step succeeds.
func (store *Store) RecordCommitment(ctx context.Context, request RecordRequest) (Commitment, error) {
	if store.db == nil {
		store.logError(opRecord, reasonMissingDatabase, errMissingDatabase)
		return Commitment{}, apperr.New(apperr.KindInternal, opRecord, reasonMissingDatabase, errMissingDatabase)
	}
	canonicalHash, err := NewCommitmentHash(request.CommitmentHash.String())
	if err != nil {
		return Commitment{}, apperr.New(apperr.KindValidation, opRecord, reasonInvalidHash, err)
	}
	request.CommitmentHash = canonicalHash
	fields := []zap.Field{
		zap.String(fieldEventID, request.EventID.String()),
		zap.String(fieldDonorRef, request.DonorRef.String()),
	}

	exists, err := store.aggregates.EventExists(ctx, store.db.WithContext(ctx), request.EventID.String())
	if err != nil {
		store.logError(opRecord, reasonEventLookupFailed, err, fields...)
		return Commitment{}, apperr.New(apperr.KindInternal, opRecord, reasonEventLookupFailed, err)
	}
	if !exists {
		return Commitment{}, apperr.New(apperr.KindNotFound, opRecord, reasonUnknownEvent, ErrUnknownEvent)
	}

	duplicate, err := hashExists(store.db.WithContext(ctx), request.CommitmentHash)
	if err != nil {
		store.logError(opRecord, reasonQueryFailed, err, fields...)
		return Commitment{}, apperr.New(apperr.KindInternal, opRecord, reasonQueryFailed, err)
	}
	if duplicate {
		return Commitment{}, apperr.New(apperr.KindConflict, opRecord, reasonDuplicateCommitment, ErrDuplicateCommitment)
	}

	if verifyErr := verifyWithTimeout(ctx, store.verifier, store.verifyTimeout, request); verifyErr != nil {
		reason := reasonVerifierFailed
		switch {
		case errors.Is(verifyErr, ErrProofRejected):
			reason = reasonInvalidProof
		case errors.Is(verifyErr, ErrProofTimeout):
			reason = reasonProofTimeout
		}
		store.logger.Warn("proof verification failed",
			append(fields, zap.String("reason", reason), zap.Error(verifyErr))...)
		if reason == reasonInvalidProof {
			return Commitment{}, apperr.NewPermanent(apperr.KindDependency, opRecord, reason, verifyErr)
		}
		return Commitment{}, apperr.New(apperr.KindDependency, opRecord, reason, verifyErr)
	}

	store.eventLocks.Lock(request.EventID.String())
	defer func() { _ = store.eventLocks.Unlock(request.EventID.String()) }()

	var recorded Commitment
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		duplicate, err := hashExists(transaction, request.CommitmentHash)
		if err != nil {
			store.logError(opRecord, reasonQueryFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opRecord, reasonQueryFailed, err)
		}
		if duplicate {
			return apperr.New(apperr.KindConflict, opRecord, reasonDuplicateCommitment, ErrDuplicateCommitment)
		}

		var lastSequence int64
		if err := transaction.Model(&Commitment{}).
			Where("event_id = ?", request.EventID.String()).
			Select("COALESCE(MAX(sequence_number), 0)").
			Scan(&lastSequence).Error; err != nil {
			store.logError(opRecord, reasonSequenceFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opRecord, reasonSequenceFailed, err)
		}

		commitmentID, err := store.idProvider.NewID()
		if err != nil {
			store.logError(opRecord, reasonIDGenerationFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opRecord, reasonIDGenerationFailed, err)
		}

		recorded = Commitment{
			EventID:            request.EventID.String(),
			SequenceNumber:     lastSequence + 1,
			CommitmentID:       commitmentID,
			DonorRef:           request.DonorRef.String(),
			CommittedAmount:    request.CommittedAmount,
			CommitmentHash:     request.CommitmentHash.String(),
			ZKProofRef:         request.ProofRef.String(),
			CommittedAtSeconds: store.clock().UTC().Unix(),
		}
		if err := transaction.Create(&recorded).Error; err != nil {
			if isUniqueViolation(err) {
				return apperr.New(apperr.KindConflict, opRecord, reasonDuplicateCommitment, ErrDuplicateCommitment)
			}
			store.logError(opRecord, reasonInsertFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opRecord, reasonInsertFailed, err)
		}

		return store.aggregates.ApplyCommitment(transaction, recorded)
	})
	if transactionError != nil {
		return Commitment{}, transactionError
	}

	store.logger.Info("commitment recorded",
		append(fields,
			zap.String(fieldCommitmentID, recorded.CommitmentID),
			zap.Int64("sequence_number", recorded.SequenceNumber))...)
	return recorded, nil
}

// RevealCommitment discloses the committed amount of the donor's own commitment.
// The first call flips revealed and reports FirstReveal; later calls return
// the stored state unchanged.
func (store *Store) RevealCommitment(ctx context.Context, commitmentID CommitmentID, donorRef DonorRef) (RevealOutcome, error) {
	if store.db == nil {
		store.logError(opReveal, reasonMissingDatabase, errMissingDatabase)
		return RevealOutcome{}, apperr.New(apperr.KindInternal, opReveal, reasonMissingDatabase, errMissingDatabase)
	}
	fields := []zap.Field{
		zap.String(fieldCommitmentID, commitmentID.String()),
		zap.String(fieldDonorRef, donorRef.String()),
	}

	var outcome RevealOutcome
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Commitment
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryCommitmentID, commitmentID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.KindNotFound, opReveal, reasonUnknownCommitment, ErrUnknownCommitment)
		}
		if err != nil {
			store.logError(opReveal, reasonQueryFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opReveal, reasonQueryFailed, err)
		}
		if existing.DonorRef != donorRef.String() {
			return apperr.New(apperr.KindAuthorization, opReveal, reasonNotOwner, ErrNotOwner)
		}
		if existing.Revealed {
			outcome.Commitment = existing
			return nil
		}

		updateResult := transaction.Model(&Commitment{}).
			Where("commitment_id = ? AND revealed = ?", commitmentID.String(), false).
			Updates(map[string]any{
				"revealed":        true,
				"revealed_amount": decimal.NewNullDecimal(existing.CommittedAmount),
				"revealed_at_s":   store.clock().UTC().Unix(),
			})
		if updateResult.Error != nil {
			store.logError(opReveal, reasonUpdateFailed, updateResult.Error, fields...)
			return apperr.New(apperr.KindInternal, opReveal, reasonUpdateFailed, updateResult.Error)
		}
		outcome.FirstReveal = updateResult.RowsAffected == 1

		if err := transaction.Where(queryCommitmentID, commitmentID.String()).Take(&outcome.Commitment).Error; err != nil {
			store.logError(opReveal, reasonQueryFailed, err, fields...)
			return apperr.New(apperr.KindInternal, opReveal, reasonQueryFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		return RevealOutcome{}, transactionError
	}
	return outcome, nil
}

// ListDonorCommitments returns the donor's own commitments, optionally limited to one event.
func (store *Store) ListDonorCommitments(ctx context.Context, donorRef DonorRef, eventID string) ([]Commitment, error) {
	if store.db == nil {
		return nil, apperr.New(apperr.KindInternal, opListDonor, reasonMissingDatabase, errMissingDatabase)
	}
	query := store.db.WithContext(ctx).Where("donor_ref = ?", donorRef.String())
	if trimmed := strings.TrimSpace(eventID); trimmed != "" {
		query = query.Where("event_id = ?", trimmed)
	}
	var commitments []Commitment
	if err := query.Order("committed_at_s ASC, event_id ASC, sequence_number ASC").Find(&commitments).Error; err != nil {
		store.logError(opListDonor, reasonQueryFailed, err, zap.String(fieldDonorRef, donorRef.String()))
		return nil, apperr.New(apperr.KindInternal, opListDonor, reasonQueryFailed, err)
	}
	return commitments, nil
}

// ListForRanking returns the ranking projection of commitments matching the filter.
func (store *Store) ListForRanking(ctx context.Context, filter RankingFilter) ([]RankingRow, error) {
	if store.db == nil {
		return nil, apperr.New(apperr.KindInternal, opListRanking, reasonMissingDatabase, errMissingDatabase)
	}
	query := store.db.WithContext(ctx).Model(&Commitment{}).
		Select("event_id, sequence_number, donor_ref, commitment_hash, committed_at_s, revealed, revealed_amount")
	if filter.EventID != "" {
		query = query.Where("event_id = ?", filter.EventID)
	}
	if filter.SinceSeconds > 0 {
		query = query.Where("committed_at_s >= ?", filter.SinceSeconds)
	}
	var rows []RankingRow
	if err := query.Order("event_id ASC, sequence_number ASC").Scan(&rows).Error; err != nil {
		store.logError(opListRanking, reasonQueryFailed, err, zap.String(fieldEventID, filter.EventID))
		return nil, apperr.New(apperr.KindInternal, opListRanking, reasonQueryFailed, err)
	}
	return rows, nil
}

func hashExists(db *gorm.DB, hash CommitmentHash) (bool, error) {
	var count int64
	if err := db.Model(&Commitment{}).Where(queryCommitmentHash, hash.String()).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("commitment store error", attrs...)
}
