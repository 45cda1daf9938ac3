package donations

import (
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/disclosure"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ranking"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BuildConfig holds what is needed to assemble a Service over one database.
type BuildConfig struct {
	Database        *gorm.DB
	Verifier        commitments.ProofVerifier
	Publisher       Publisher
	VerifyTimeout   time.Duration
	RankingCacheTTL time.Duration
	Thresholds      achievements.Thresholds
	IDProvider      ids.Provider
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Build constructs every engine over the shared database and returns the Service.
func Build(cfg BuildConfig) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	aggregates, err := aggregation.NewEngine(aggregation.EngineConfig{
		Database: cfg.Database,
		Clock:    cfg.Clock,
		Logger:   logger.Named("aggregation"),
	})
	if err != nil {
		return nil, err
	}
	store, err := commitments.NewStore(commitments.StoreConfig{
		Database:      cfg.Database,
		Verifier:      cfg.Verifier,
		Aggregates:    aggregates,
		VerifyTimeout: cfg.VerifyTimeout,
		Clock:         cfg.Clock,
		IDProvider:    cfg.IDProvider,
		Logger:        logger.Named("commitments"),
	})
	if err != nil {
		return nil, err
	}
	rankings, err := ranking.NewEngine(ranking.EngineConfig{
		Source:   store,
		Clock:    cfg.Clock,
		CacheTTL: cfg.RankingCacheTTL,
		Logger:   logger.Named("ranking"),
	})
	if err != nil {
		return nil, err
	}
	manager, err := disclosure.NewManager(disclosure.ManagerConfig{
		Database: cfg.Database,
		Clock:    cfg.Clock,
		Logger:   logger.Named("disclosure"),
	})
	if err != nil {
		return nil, err
	}
	unlocks, err := achievements.NewEngine(achievements.EngineConfig{
		Database:   cfg.Database,
		Events:     aggregates,
		Thresholds: cfg.Thresholds,
		IDProvider: cfg.IDProvider,
		Clock:      cfg.Clock,
		Logger:     logger.Named("achievements"),
	})
	if err != nil {
		return nil, err
	}
	return NewService(ServiceConfig{
		Commitments:  store,
		Aggregates:   aggregates,
		Rankings:     rankings,
		Disclosure:   manager,
		Achievements: unlocks,
		Publisher:    cfg.Publisher,
		Clock:        cfg.Clock,
		Logger:       logger.Named("donations"),
	})
}
