package aggregation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTarget indicates that the event target is not a positive amount.
	ErrInvalidTarget = errors.New("aggregation: invalid target amount")
	// ErrInvalidMilestone indicates that a milestone is not a positive amount.
	ErrInvalidMilestone = errors.New("aggregation: invalid milestone")
)

var percentScale = decimal.NewFromInt(100)

// Event is the per-campaign aggregate. CurrentAmount and UniqueDonorCount are
// written only by the Engine.
type Event struct {
	EventID          string            `gorm:"column:event_id;primaryKey;size:190;not null"`
	TargetAmount     decimal.Decimal   `gorm:"column:target_amount;type:text;not null"`
	Milestones       []decimal.Decimal `gorm:"column:milestones;type:text;serializer:json;not null"`
	CurrentAmount    decimal.Decimal   `gorm:"column:current_amount;type:text;not null"`
	UniqueDonorCount int64             `gorm:"column:unique_donor_count;not null;default:0"`
	LastSequence     int64             `gorm:"column:last_sequence_number;not null;default:0"`
	Version          int64             `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// EventDonor records that a donor has committed at least once to an event.
type EventDonor struct {
	EventID             string `gorm:"column:event_id;primaryKey;size:190;not null"`
	DonorRef            string `gorm:"column:donor_ref;primaryKey;size:190;not null"`
	FirstSequenceNumber int64  `gorm:"column:first_sequence_number;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventDonor) TableName() string {
	return "event_donors"
}

// Totals is the public view of an event aggregate.
type Totals struct {
	EventID            string
	Exists             bool
	TargetAmount       decimal.Decimal
	CurrentAmount      decimal.Decimal
	UniqueDonorCount   int64
	ProgressPercentage float64
}

// EventDefinition describes a new event before it is persisted.
type EventDefinition struct {
	EventID      commitments.EventID
	TargetAmount decimal.Decimal
	Milestones   []decimal.Decimal
}

// NewEventDefinition validates the target and normalizes milestones into a
// strictly ascending list.
func NewEventDefinition(eventID commitments.EventID, target decimal.Decimal, milestones []decimal.Decimal) (EventDefinition, error) {
	if !target.IsPositive() {
		return EventDefinition{}, fmt.Errorf("%w: must be positive", ErrInvalidTarget)
	}
	normalized := make([]decimal.Decimal, 0, len(milestones))
	for _, milestone := range milestones {
		if !milestone.IsPositive() {
			return EventDefinition{}, fmt.Errorf("%w: %s must be positive", ErrInvalidMilestone, milestone.String())
		}
		normalized = append(normalized, milestone)
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].LessThan(normalized[j])
	})
	unique := normalized[:0]
	for index, milestone := range normalized {
		if index > 0 && milestone.Equal(unique[len(unique)-1]) {
			continue
		}
		unique = append(unique, milestone)
	}
	return EventDefinition{
		EventID:      eventID,
		TargetAmount: target,
		Milestones:   unique,
	}, nil
}

func progressPercentage(current, target decimal.Decimal) float64 {
	if !target.IsPositive() {
		return 0
	}
	return current.Mul(percentScale).Div(target).Round(2).InexactFloat64()
}

func totalsFromEvent(event Event) Totals {
	return Totals{
		EventID:            event.EventID,
		Exists:             true,
		TargetAmount:       event.TargetAmount,
		CurrentAmount:      event.CurrentAmount,
		UniqueDonorCount:   event.UniqueDonorCount,
		ProgressPercentage: progressPercentage(event.CurrentAmount, event.TargetAmount),
	}
}
