// Package donations wires the donation pipeline: record, aggregate, evaluate
// achievements, invalidate rankings and broadcast.
package donations

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/disclosure"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/ranking"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	errMissingDependency = errors.New("donation service dependency is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew   = "donations.service.new"
	opCreateEvent  = "donations.create_event"
	opRecord       = "donations.record"
	opReveal       = "donations.reveal"
	opListDonor    = "donations.list_donor"
	opRanking      = "donations.ranking"
	opUserRank     = "donations.user_rank"
	opTotals       = "donations.event_totals"
	opPreference   = "donations.preference"
	opAchievements = "donations.achievements"
	opPublish      = "donations.publish"

	reasonMissingDependency = "missing_dependency"
	reasonInvalidInput      = "invalid_input"
	reasonEvaluateFailed    = "evaluate_failed"
	reasonTotalsFailed      = "totals_failed"
	reasonEncodeFailed      = "encode_failed"
)

// EventAggregates creates events and reads their running totals.
type EventAggregates interface {
	CreateEvent(ctx context.Context, definition aggregation.EventDefinition) (aggregation.Event, error)
	GetEventTotals(ctx context.Context, eventID string) (aggregation.Totals, error)
}

// Publisher receives update events.
type Publisher interface {
	Publish(event realtime.UpdateEvent)
}

// ServiceConfig describes the collaborators of the donation service.
type ServiceConfig struct {
	Commitments  *commitments.Store
	Aggregates   EventAggregates
	Rankings     *ranking.Engine
	Disclosure   *disclosure.Manager
	Achievements *achievements.Engine
	Publisher    Publisher
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service is the entry point used by transports.
type Service struct {
	commitments  *commitments.Store
	aggregates   EventAggregates
	rankings     *ranking.Engine
	disclosure   *disclosure.Manager
	achievements *achievements.Engine
	publisher    Publisher
	clock        func() time.Time
	logger       *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Commitments == nil || cfg.Aggregates == nil || cfg.Rankings == nil ||
		cfg.Disclosure == nil || cfg.Achievements == nil || cfg.Publisher == nil {
		return nil, apperr.New(apperr.KindInternal, opServiceNew, reasonMissingDependency, errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		commitments:  cfg.Commitments,
		aggregates:   cfg.Aggregates,
		rankings:     cfg.Rankings,
		disclosure:   cfg.Disclosure,
		achievements: cfg.Achievements,
		publisher:    cfg.Publisher,
		clock:        clock,
		logger:       logger,
	}, nil
}

// EventInput carries raw event definition fields.
type EventInput struct {
	EventID      string
	TargetAmount string
	Milestones   []string
}

// CreateEvent defines a new event aggregate.
func (service *Service) CreateEvent(ctx context.Context, input EventInput) (aggregation.Event, error) {
	eventID, err := commitments.NewEventID(input.EventID)
	if err != nil {
		return aggregation.Event{}, apperr.New(apperr.KindValidation, opCreateEvent, reasonInvalidInput, err)
	}
	target, err := decimal.NewFromString(input.TargetAmount)
	if err != nil {
		return aggregation.Event{}, apperr.New(apperr.KindValidation, opCreateEvent, reasonInvalidInput, err)
	}
	milestones := make([]decimal.Decimal, 0, len(input.Milestones))
	for _, raw := range input.Milestones {
		milestone, err := decimal.NewFromString(raw)
		if err != nil {
			return aggregation.Event{}, apperr.New(apperr.KindValidation, opCreateEvent, reasonInvalidInput, err)
		}
		milestones = append(milestones, milestone)
	}
	definition, err := aggregation.NewEventDefinition(eventID, target, milestones)
	if err != nil {
		return aggregation.Event{}, apperr.New(apperr.KindValidation, opCreateEvent, reasonInvalidInput, err)
	}
	return service.aggregates.CreateEvent(ctx, definition)
}

// CommitInput carries the raw fields of a new commitment.
type CommitInput struct {
	EventID        string
	DonorRef       string
	Amount         string
	CommitmentHash string
	ProofRef       string
}

// RecordResult is the outcome of a recorded commitment.
type RecordResult struct {
	Commitment commitments.Commitment
	Totals     aggregation.Totals
	Unlocked   []achievements.Achievement
}

// RecordCommitment validates and records a commitment, then runs the downstream
// pipeline. Once the commitment is stored, achievement and totals failures are
// logged and do not fail the call; without totals the commitment broadcast is skipped.
func (service *Service) RecordCommitment(ctx context.Context, input CommitInput) (RecordResult, error) {
	request, err := parseCommitInput(input)
	if err != nil {
		return RecordResult{}, apperr.New(apperr.KindValidation, opRecord, reasonInvalidInput, err)
	}

	recorded, err := service.commitments.RecordCommitment(ctx, request)
	if err != nil {
		return RecordResult{}, err
	}
	service.rankings.Invalidate(recorded.EventID)

	unlocked, evaluateErr := service.achievements.Evaluate(ctx, recorded.EventID)
	if evaluateErr != nil {
		service.logError(opRecord, reasonEvaluateFailed, evaluateErr, zap.String("event_id", recorded.EventID))
		unlocked = nil
	}

	totals, totalsErr := service.aggregates.GetEventTotals(ctx, recorded.EventID)
	if totalsErr != nil {
		service.logError(opRecord, reasonTotalsFailed, totalsErr, zap.String("event_id", recorded.EventID))
		totals = aggregation.Totals{EventID: recorded.EventID}
	} else {
		service.publish(realtime.EventCommitment, recorded.EventID, commitmentPayload{
			EventID:            recorded.EventID,
			CommitmentHash:     recorded.CommitmentHash,
			SequenceNumber:     recorded.SequenceNumber,
			CurrentAmount:      totals.CurrentAmount.String(),
			UniqueDonorCount:   totals.UniqueDonorCount,
			ProgressPercentage: totals.ProgressPercentage,
		})
	}
	for _, achievement := range unlocked {
		eventType := realtime.EventAchievement
		if achievement.TriggerType == achievements.TriggerMilestoneReached {
			eventType = realtime.EventMilestone
		}
		service.publish(eventType, recorded.EventID, achievementPayload{
			EventID:       achievement.EventID,
			AchievementID: achievement.ID,
			TriggerType:   string(achievement.TriggerType),
			TriggerValue:  achievement.TriggerValue,
			UnlockedAt:    achievement.UnlockedAtSeconds,
		})
	}

	return RecordResult{Commitment: recorded, Totals: totals, Unlocked: unlocked}, nil
}

// RevealCommitment reveals the donor's commitment. Only the first reveal is broadcast.
func (service *Service) RevealCommitment(ctx context.Context, commitmentID, donorRef string) (commitments.Commitment, error) {
	id, err := commitments.NewCommitmentID(commitmentID)
	if err != nil {
		return commitments.Commitment{}, apperr.New(apperr.KindValidation, opReveal, reasonInvalidInput, err)
	}
	donor, err := commitments.NewDonorRef(donorRef)
	if err != nil {
		return commitments.Commitment{}, apperr.New(apperr.KindValidation, opReveal, reasonInvalidInput, err)
	}

	outcome, err := service.commitments.RevealCommitment(ctx, id, donor)
	if err != nil {
		return commitments.Commitment{}, err
	}
	revealed := outcome.Commitment
	if !outcome.FirstReveal {
		return revealed, nil
	}

	service.rankings.Invalidate(revealed.EventID)
	service.publish(realtime.EventCommitment, revealed.EventID, commitmentPayload{
		EventID:        revealed.EventID,
		CommitmentHash: revealed.CommitmentHash,
		SequenceNumber: revealed.SequenceNumber,
		Revealed:       true,
	})
	return revealed, nil
}

// ListDonorCommitments returns the donor's own commitments, optionally limited to one event.
func (service *Service) ListDonorCommitments(ctx context.Context, donorRef, eventID string) ([]commitments.Commitment, error) {
	donor, err := commitments.NewDonorRef(donorRef)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, opListDonor, reasonInvalidInput, err)
	}
	return service.commitments.ListDonorCommitments(ctx, donor, eventID)
}

// RankingInput carries raw ranking query parameters.
type RankingInput struct {
	Scope       string
	Timeframe   string
	PrivacyMode string
}

// Ranking computes the ranking and masks it for display.
func (service *Service) Ranking(ctx context.Context, input RankingInput) ([]disclosure.MaskedEntry, error) {
	scope, err := ranking.ParseScope(input.Scope)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, opRanking, reasonInvalidInput, err)
	}
	timeframe, err := ranking.ParseTimeframe(input.Timeframe)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, opRanking, reasonInvalidInput, err)
	}
	mode, err := ranking.ParsePrivacyMode(input.PrivacyMode)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, opRanking, reasonInvalidInput, err)
	}
	entries, err := service.rankings.ComputeRanking(ctx, ranking.Query{Scope: scope, Timeframe: timeframe, Mode: mode})
	if err != nil {
		return nil, err
	}
	return service.disclosure.MaskRanking(ctx, entries, mode)
}

// UserRank returns the donor's rank in the event under the same ordering as the listing.
func (service *Service) UserRank(ctx context.Context, eventID, donorRef, privacyMode string) (int, error) {
	if _, err := commitments.NewEventID(eventID); err != nil {
		return 0, apperr.New(apperr.KindValidation, opUserRank, reasonInvalidInput, err)
	}
	if _, err := commitments.NewDonorRef(donorRef); err != nil {
		return 0, apperr.New(apperr.KindValidation, opUserRank, reasonInvalidInput, err)
	}
	mode, err := ranking.ParsePrivacyMode(privacyMode)
	if err != nil {
		return 0, apperr.New(apperr.KindValidation, opUserRank, reasonInvalidInput, err)
	}
	return service.rankings.GetUserRank(ctx, eventID, donorRef, mode)
}

// EventTotals returns the public totals of an event.
func (service *Service) EventTotals(ctx context.Context, eventID string) (aggregation.Totals, error) {
	if _, err := commitments.NewEventID(eventID); err != nil {
		return aggregation.Totals{}, apperr.New(apperr.KindValidation, opTotals, reasonInvalidInput, err)
	}
	return service.aggregates.GetEventTotals(ctx, eventID)
}

// SetPreference stores the actor's disclosure preference.
func (service *Service) SetPreference(ctx context.Context, actor string, update disclosure.PreferenceUpdate) (disclosure.PreferenceResult, error) {
	donor, err := commitments.NewDonorRef(actor)
	if err != nil {
		return disclosure.PreferenceResult{}, apperr.New(apperr.KindValidation, opPreference, reasonInvalidInput, err)
	}
	if update.DonorRef == "" {
		update.DonorRef = donor.String()
	}
	return service.disclosure.SetPreference(ctx, donor, update)
}

// GetPreference returns the donor's disclosure preference and its score.
func (service *Service) GetPreference(ctx context.Context, donorRef string) (disclosure.PreferenceResult, error) {
	if _, err := commitments.NewDonorRef(donorRef); err != nil {
		return disclosure.PreferenceResult{}, apperr.New(apperr.KindValidation, opPreference, reasonInvalidInput, err)
	}
	preference, err := service.disclosure.GetPreference(ctx, donorRef)
	if err != nil {
		return disclosure.PreferenceResult{}, err
	}
	return disclosure.PreferenceResult{Preference: preference, PrivacyScore: disclosure.PrivacyScore(preference)}, nil
}

// ListAchievements returns the materialized achievements of an event.
func (service *Service) ListAchievements(ctx context.Context, eventID string) ([]achievements.Achievement, error) {
	if _, err := commitments.NewEventID(eventID); err != nil {
		return nil, apperr.New(apperr.KindValidation, opAchievements, reasonInvalidInput, err)
	}
	return service.achievements.ListAchievements(ctx, eventID)
}

type commitmentPayload struct {
	EventID            string  `json:"eventId"`
	CommitmentHash     string  `json:"commitmentHash"`
	SequenceNumber     int64   `json:"sequenceNumber"`
	Revealed           bool    `json:"revealed,omitempty"`
	CurrentAmount      string  `json:"currentAmount,omitempty"`
	UniqueDonorCount   int64   `json:"uniqueDonorCount,omitempty"`
	ProgressPercentage float64 `json:"progressPercentage,omitempty"`
}

type achievementPayload struct {
	EventID       string `json:"eventId"`
	AchievementID string `json:"achievementId"`
	TriggerType   string `json:"triggerType"`
	TriggerValue  string `json:"triggerValue"`
	UnlockedAt    int64  `json:"unlockedAt"`
}

func (service *Service) publish(eventType realtime.EventType, eventID string, payload any) {
	event, err := realtime.NewUpdateEvent(eventType, realtime.EventTopic(eventID), payload, service.clock())
	if err != nil {
		service.logError(opPublish, reasonEncodeFailed, err, zap.String("event_id", eventID))
		return
	}
	service.publisher.Publish(event)
}

func parseCommitInput(input CommitInput) (commitments.RecordRequest, error) {
	eventID, err := commitments.NewEventID(input.EventID)
	if err != nil {
		return commitments.RecordRequest{}, err
	}
	donorRef, err := commitments.NewDonorRef(input.DonorRef)
	if err != nil {
		return commitments.RecordRequest{}, err
	}
	amount, err := commitments.ParseAmount(input.Amount)
	if err != nil {
		return commitments.RecordRequest{}, err
	}
	hash, err := commitments.NewCommitmentHash(input.CommitmentHash)
	if err != nil {
		return commitments.RecordRequest{}, err
	}
	proofRef, err := commitments.NewProofRef(input.ProofRef)
	if err != nil {
		return commitments.RecordRequest{}, err
	}
	return commitments.RecordRequest{
		EventID:         eventID,
		DonorRef:        donorRef,
		CommittedAmount: amount,
		CommitmentHash:  hash,
		ProofRef:        proofRef,
	}, nil
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if service != nil && service.logger != nil {
		logger = service.logger
	}
	logger.Error("donation service error", attrs...)
}
