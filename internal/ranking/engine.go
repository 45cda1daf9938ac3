package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL bounds how stale a served ranking may be.
	DefaultCacheTTL = 5 * time.Second
	// MaxCacheTTL is the largest accepted cache TTL.
	MaxCacheTTL = 10 * time.Second
)

var (
	errMissingSource = errors.New("commitment source is required")
	noOpLogger       = zap.NewNop()
)

// ErrRankNotFound indicates the donor has no commitment in the ranked scope.
var ErrRankNotFound = errors.New("ranking: donor not ranked")

const (
	opEngineNew = "ranking.engine.new"
	opCompute   = "ranking.compute"
	opUserRank  = "ranking.user_rank"

	reasonMissingSource = "missing_source"
	reasonInvalidQuery  = "invalid_query"
	reasonSourceFailed  = "source_failed"
	reasonNotRanked     = "not_ranked"
	reasonCanceled      = "canceled"
)

// CommitmentSource supplies the ranking projection of stored commitments.
type CommitmentSource interface {
	ListForRanking(ctx context.Context, filter commitments.RankingFilter) ([]commitments.RankingRow, error)
}

// EngineConfig describes the dependencies of the ranking engine.
type EngineConfig struct {
	Source   CommitmentSource
	Clock    func() time.Time
	CacheTTL time.Duration
	Logger   *zap.Logger
}

type cachedRanking struct {
	entries   []Entry
	expiresAt time.Time
}

// Engine computes deterministic rankings over commitment snapshots and caches
// them for a bounded TTL.
type Engine struct {
	source CommitmentSource
	clock  func() time.Time
	ttl    time.Duration
	logger *zap.Logger

	mu          sync.Mutex
	cache       map[string]cachedRanking
	generations map[string]uint64
	group       singleflight.Group
}

// NewEngine constructs a ranking Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Source == nil {
		return nil, apperr.New(apperr.KindInternal, opEngineNew, reasonMissingSource, errMissingSource)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		source:      cfg.Source,
		clock:       clock,
		ttl:         ttl,
		logger:      logger,
		cache:       make(map[string]cachedRanking),
		generations: make(map[string]uint64),
	}, nil
}

// CacheTTL reports the effective cache bound.
func (engine *Engine) CacheTTL() time.Duration {
	return engine.ttl
}

// ComputeRanking returns the ranked entries for the query. Identical snapshots
// always produce identical orderings.
func (engine *Engine) ComputeRanking(ctx context.Context, query Query) ([]Entry, error) {
	if query.Timeframe == "" {
		query.Timeframe = TimeframeAllTime
	}
	if query.Mode == "" {
		query.Mode = PrivacyModePartial
	}
	if _, err := ParsePrivacyMode(string(query.Mode)); err != nil {
		return nil, apperr.New(apperr.KindValidation, opCompute, reasonInvalidQuery, err)
	}
	if _, err := ParseTimeframe(string(query.Timeframe)); err != nil {
		return nil, apperr.New(apperr.KindValidation, opCompute, reasonInvalidQuery, err)
	}

	key := query.cacheKey()
	now := engine.clock()

	engine.mu.Lock()
	if cached, ok := engine.cache[key]; ok && now.Before(cached.expiresAt) {
		engine.mu.Unlock()
		return cloneEntries(cached.entries), nil
	}
	generation := engine.generations[query.Scope.Key()]
	engine.mu.Unlock()

	// The fill is shared by every caller joined to the flight, so it must not
	// inherit one caller's cancellation.
	fillContext := context.WithoutCancel(ctx)
	flightKey := fmt.Sprintf("%s#%d", key, generation)
	results := engine.group.DoChan(flightKey, func() (any, error) {
		entries, computeErr := engine.compute(fillContext, query, now)
		if computeErr != nil {
			return nil, computeErr
		}
		engine.mu.Lock()
		if engine.generations[query.Scope.Key()] == generation {
			engine.cache[key] = cachedRanking{entries: entries, expiresAt: now.Add(engine.ttl)}
		}
		engine.mu.Unlock()
		return entries, nil
	})
	select {
	case <-ctx.Done():
		return nil, apperr.New(apperr.KindInternal, opCompute, reasonCanceled, ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return cloneEntries(result.Val.([]Entry)), nil
	}
}

// GetUserRank returns the donor's best rank in the event's all-time ranking,
// computed exactly as the public listing.
func (engine *Engine) GetUserRank(ctx context.Context, eventID, donorRef string, mode PrivacyMode) (int, error) {
	entries, err := engine.ComputeRanking(ctx, Query{
		Scope:     EventScope(eventID),
		Timeframe: TimeframeAllTime,
		Mode:      mode,
	})
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.DonorRef == donorRef {
			return entry.Rank, nil
		}
	}
	return 0, apperr.New(apperr.KindNotFound, opUserRank, reasonNotRanked, ErrRankNotFound)
}

// Invalidate drops cached rankings touched by a change to the event, including
// the global scope.
func (engine *Engine) Invalidate(eventID string) {
	scopes := []string{GlobalScope().Key()}
	if eventID != "" {
		scopes = append(scopes, EventScope(eventID).Key())
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	for _, scopeKey := range scopes {
		engine.generations[scopeKey]++
		prefix := scopeKey + "|"
		for key := range engine.cache {
			if strings.HasPrefix(key, prefix) {
				delete(engine.cache, key)
			}
		}
	}
}

func (engine *Engine) compute(ctx context.Context, query Query, now time.Time) ([]Entry, error) {
	filter := commitments.RankingFilter{EventID: query.Scope.EventID}
	if window := query.Timeframe.Window(); window > 0 {
		filter.SinceSeconds = now.Add(-window).Unix()
	}
	rows, err := engine.source.ListForRanking(ctx, filter)
	if err != nil {
		engine.logger.Error("ranking source failed",
			zap.String("operation", opCompute),
			zap.String("scope", query.Scope.Key()),
			zap.Error(err))
		return nil, apperr.New(apperr.KindInternal, opCompute, reasonSourceFailed, err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, Entry{
			EventID:            row.EventID,
			SequenceNumber:     row.SequenceNumber,
			CommitmentHash:     row.CommitmentHash,
			DonorRef:           row.DonorRef,
			CommittedAtSeconds: row.CommittedAtSeconds,
			Revealed:           row.Revealed,
			RevealedAmount:     row.RevealedAmount,
		})
	}
	order(entries, query.Mode, query.Scope)
	return entries, nil
}

func cloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	cloned := make([]Entry, len(entries))
	copy(cloned, entries)
	return cloned
}
