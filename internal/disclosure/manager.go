// Package disclosure stores donor disclosure preferences and masks ranking
// entries at the view boundary.
package disclosure

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ranking"
	"github.com/moby/locker"
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
	// ErrNotPreferenceOwner indicates an actor tried to change another donor's preference.
	ErrNotPreferenceOwner = errors.New("disclosure: actor does not own preference")
	// ErrContention indicates the compare-and-set retries were exhausted.
	ErrContention = errors.New("disclosure: preference update contention")
)

const (
	opManagerNew     = "disclosure.manager.new"
	opSetPreference  = "disclosure.set_preference"
	opGetPreference  = "disclosure.get_preference"
	opPreferences    = "disclosure.preferences"
	opMaskRanking    = "disclosure.mask_ranking"
	fieldDonorRef    = "donor_ref"
	queryDonorRef    = "donor_ref = ?"
	queryDonorRefVer = "donor_ref = ? AND version = ?"

	reasonMissingDatabase  = "missing_database"
	reasonInvalidDonor     = "invalid_donor"
	reasonInvalidName      = "invalid_display_name"
	reasonNotOwner         = "not_owner"
	reasonQueryFailed      = "query_failed"
	reasonWriteFailed      = "write_failed"
	reasonRetriesExhausted = "retries_exhausted"
)

// ManagerConfig describes the dependencies of the disclosure manager.
type ManagerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	MaxRetries int
}

// Manager owns donor preferences.
type Manager struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	maxRetries int
	donorLocks *locker.Locker
}

// NewManager constructs a disclosure Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindInternal, opManagerNew, reasonMissingDatabase, errMissingDatabase)
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
	return &Manager{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		maxRetries: maxRetries,
		donorLocks: locker.New(),
	}, nil
}

// SetPreference stores the donor's preference. Only the donor may change it.
func (manager *Manager) SetPreference(ctx context.Context, actor commitments.DonorRef, update PreferenceUpdate) (PreferenceResult, error) {
	donorRef, err := commitments.NewDonorRef(update.DonorRef)
	if err != nil {
		return PreferenceResult{}, apperr.New(apperr.KindValidation, opSetPreference, reasonInvalidDonor, err)
	}
	if actor != donorRef {
		return PreferenceResult{}, apperr.New(apperr.KindAuthorization, opSetPreference, reasonNotOwner, ErrNotPreferenceOwner)
	}
	displayName, err := SanitizeDisplayName(update.CustomDisplayName)
	if err != nil {
		return PreferenceResult{}, apperr.New(apperr.KindValidation, opSetPreference, reasonInvalidName, err)
	}

	manager.donorLocks.Lock(donorRef.String())
	defer func() { _ = manager.donorLocks.Unlock(donorRef.String()) }()

	database := manager.db.WithContext(ctx)
	for attempt := 0; attempt < manager.maxRetries; attempt++ {
		now := manager.clock().UTC().Unix()
		var existing Preference
		err := database.Where(queryDonorRef, donorRef.String()).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := Preference{
				DonorRef:          donorRef.String(),
				RevealAmount:      update.RevealAmount,
				RevealName:        update.RevealName,
				CustomDisplayName: displayName,
				Version:           1,
				UpdatedAtSeconds:  now,
			}
			result := database.Clauses(clause.OnConflict{DoNothing: true}).Create(&created)
			if result.Error != nil {
				manager.logError(opSetPreference, reasonWriteFailed, result.Error, zap.String(fieldDonorRef, donorRef.String()))
				return PreferenceResult{}, apperr.New(apperr.KindInternal, opSetPreference, reasonWriteFailed, result.Error)
			}
			if result.RowsAffected == 1 {
				return PreferenceResult{Preference: created, PrivacyScore: PrivacyScore(created)}, nil
			}
		case err != nil:
			manager.logError(opSetPreference, reasonQueryFailed, err, zap.String(fieldDonorRef, donorRef.String()))
			return PreferenceResult{}, apperr.New(apperr.KindInternal, opSetPreference, reasonQueryFailed, err)
		default:
			updated := existing
			updated.RevealAmount = update.RevealAmount
			updated.RevealName = update.RevealName
			updated.CustomDisplayName = displayName
			updated.Version = existing.Version + 1
			updated.UpdatedAtSeconds = now
			result := database.Model(&Preference{}).
				Where(queryDonorRefVer, existing.DonorRef, existing.Version).
				Updates(map[string]any{
					"reveal_amount":       updated.RevealAmount,
					"reveal_name":         updated.RevealName,
					"custom_display_name": updated.CustomDisplayName,
					"version":             updated.Version,
					"updated_at_s":        updated.UpdatedAtSeconds,
				})
			if result.Error != nil {
				manager.logError(opSetPreference, reasonWriteFailed, result.Error, zap.String(fieldDonorRef, donorRef.String()))
				return PreferenceResult{}, apperr.New(apperr.KindInternal, opSetPreference, reasonWriteFailed, result.Error)
			}
			if result.RowsAffected == 1 {
				return PreferenceResult{Preference: updated, PrivacyScore: PrivacyScore(updated)}, nil
			}
		}
		manager.logger.Debug("preference version moved, retrying",
			zap.String(fieldDonorRef, donorRef.String()),
			zap.Int("attempt", attempt+1))
	}

	manager.logError(opSetPreference, reasonRetriesExhausted, ErrContention, zap.String(fieldDonorRef, donorRef.String()))
	return PreferenceResult{}, apperr.New(apperr.KindConcurrency, opSetPreference, reasonRetriesExhausted, ErrContention)
}

// GetPreference returns the donor's stored preference or the private default.
func (manager *Manager) GetPreference(ctx context.Context, donorRef string) (Preference, error) {
	var preference Preference
	err := manager.db.WithContext(ctx).Where(queryDonorRef, donorRef).Take(&preference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultPreference(donorRef), nil
	}
	if err != nil {
		manager.logError(opGetPreference, reasonQueryFailed, err, zap.String(fieldDonorRef, donorRef))
		return Preference{}, apperr.New(apperr.KindInternal, opGetPreference, reasonQueryFailed, err)
	}
	return preference, nil
}

// Preferences loads the preferences of several donors. Donors without a stored
// preference receive the default.
func (manager *Manager) Preferences(ctx context.Context, donorRefs []string) (map[string]Preference, error) {
	result := make(map[string]Preference, len(donorRefs))
	if len(donorRefs) == 0 {
		return result, nil
	}
	unique := make([]string, 0, len(donorRefs))
	for _, donorRef := range donorRefs {
		if _, seen := result[donorRef]; seen {
			continue
		}
		result[donorRef] = DefaultPreference(donorRef)
		unique = append(unique, donorRef)
	}

	var stored []Preference
	if err := manager.db.WithContext(ctx).Where("donor_ref IN ?", unique).Find(&stored).Error; err != nil {
		manager.logError(opPreferences, reasonQueryFailed, err, zap.Int("donor_count", len(unique)))
		return nil, apperr.New(apperr.KindInternal, opPreferences, reasonQueryFailed, err)
	}
	for _, preference := range stored {
		result[preference.DonorRef] = preference
	}
	return result, nil
}

// MaskRanking masks every ranked entry with its donor's current preference.
// Ranks and order are preserved exactly.
func (manager *Manager) MaskRanking(ctx context.Context, entries []ranking.Entry, mode ranking.PrivacyMode) ([]MaskedEntry, error) {
	masked := make([]MaskedEntry, 0, len(entries))
	if len(entries) == 0 {
		return masked, nil
	}
	var preferences map[string]Preference
	if mode != ranking.PrivacyModeFull {
		donorRefs := make([]string, 0, len(entries))
		for _, entry := range entries {
			donorRefs = append(donorRefs, entry.DonorRef)
		}
		loaded, err := manager.Preferences(ctx, donorRefs)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, opMaskRanking, reasonQueryFailed, err)
		}
		preferences = loaded
	}
	for _, entry := range entries {
		preference, ok := preferences[entry.DonorRef]
		if !ok {
			preference = DefaultPreference(entry.DonorRef)
		}
		masked = append(masked, ApplyMask(entry, preference, mode))
	}
	return masked, nil
}

// ApplyMask renders one ranking entry for display. Full privacy mode renders
// every entry anonymously without amounts regardless of preference.
func ApplyMask(entry ranking.Entry, preference Preference, mode ranking.PrivacyMode) MaskedEntry {
	masked := MaskedEntry{
		Rank:           entry.Rank,
		ScopeKey:       entry.ScopeKey,
		CommitmentHash: entry.CommitmentHash,
		DonorDisplay:   anonymousDisplay(entry.Rank),
	}
	if mode == ranking.PrivacyModeFull {
		return masked
	}
	if preference.RevealName {
		if preference.CustomDisplayName != "" {
			masked.DonorDisplay = preference.CustomDisplayName
		} else {
			masked.DonorDisplay = FormatAddress(entry.DonorRef)
		}
	}
	if preference.RevealAmount && entry.Revealed && entry.RevealedAmount.Valid {
		amount := entry.RevealedAmount.Decimal.String()
		masked.AmountDisplay = &amount
	}
	return masked
}

func (manager *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if manager != nil && manager.logger != nil {
		logger = manager.logger
	}
	logger.Error("disclosure manager error", attrs...)
}
