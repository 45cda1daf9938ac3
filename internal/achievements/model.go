package achievements

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/shopspring/decimal"
)

// ErrInvalidTriggerValue indicates a stored trigger value cannot be interpreted.
var ErrInvalidTriggerValue = errors.New("achievements: invalid trigger value")

// TriggerType enumerates the supported achievement triggers.
type TriggerType string

const (
	TriggerMilestoneReached  TriggerType = "milestone_reached"
	TriggerDonorCount        TriggerType = "donor_count"
	TriggerFundingPercentage TriggerType = "funding_percentage"
	TriggerTimeBased         TriggerType = "time_based"
)

// Achievement is a per-event unlockable. Once unlocked it never locks again.
type Achievement struct {
	ID                string      `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	EventID           string      `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_achievement_trigger,priority:1" json:"eventId"`
	TriggerType       TriggerType `gorm:"column:trigger_type;size:32;not null;uniqueIndex:idx_achievement_trigger,priority:2" json:"triggerType"`
	TriggerValue      string      `gorm:"column:trigger_value;size:64;not null;uniqueIndex:idx_achievement_trigger,priority:3" json:"triggerValue"`
	IsUnlocked        bool        `gorm:"column:is_unlocked;not null;default:false" json:"isUnlocked"`
	UnlockedAtSeconds int64       `gorm:"column:unlocked_at_s;not null;default:0" json:"unlockedAt,omitempty"`
	CreatedAtSeconds  int64       `gorm:"column:created_at_s;not null" json:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Achievement) TableName() string {
	return "achievements"
}

// Thresholds configures the fixed achievement checkpoints.
type Thresholds struct {
	FundingPercentages []int
	DonorCounts        []int64
	TimeWindowsHours   []int
}

// DefaultThresholds returns the default checkpoints.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FundingPercentages: []int{25, 50, 75, 100},
		DonorCounts:        []int64{1, 10, 50, 100},
		TimeWindowsHours:   []int{24, 168},
	}
}

type definition struct {
	triggerType  TriggerType
	triggerValue string
}

// definitionsFor lists every achievement an event can unlock.
func definitionsFor(event aggregation.Event, thresholds Thresholds) []definition {
	definitions := make([]definition, 0, len(event.Milestones)+len(thresholds.FundingPercentages)+len(thresholds.DonorCounts)+len(thresholds.TimeWindowsHours))
	for _, milestone := range event.Milestones {
		definitions = append(definitions, definition{TriggerMilestoneReached, milestone.String()})
	}
	for _, percentage := range thresholds.FundingPercentages {
		definitions = append(definitions, definition{TriggerFundingPercentage, strconv.Itoa(percentage)})
	}
	for _, count := range thresholds.DonorCounts {
		definitions = append(definitions, definition{TriggerDonorCount, strconv.FormatInt(count, 10)})
	}
	for _, hours := range thresholds.TimeWindowsHours {
		definitions = append(definitions, definition{TriggerTimeBased, strconv.Itoa(hours)})
	}
	return definitions
}

// condition reports whether the event state satisfies a trigger value.
type condition func(event aggregation.Event, triggerValue string, now time.Time) (bool, error)

var conditions = map[TriggerType]condition{
	TriggerMilestoneReached: func(event aggregation.Event, triggerValue string, _ time.Time) (bool, error) {
		milestone, err := decimal.NewFromString(triggerValue)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrInvalidTriggerValue, triggerValue)
		}
		return event.CurrentAmount.GreaterThanOrEqual(milestone), nil
	},
	TriggerFundingPercentage: func(event aggregation.Event, triggerValue string, _ time.Time) (bool, error) {
		percentage, err := decimal.NewFromString(triggerValue)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrInvalidTriggerValue, triggerValue)
		}
		required := event.TargetAmount.Mul(percentage).Div(decimal.NewFromInt(100))
		return event.CurrentAmount.GreaterThanOrEqual(required), nil
	},
	TriggerDonorCount: func(event aggregation.Event, triggerValue string, _ time.Time) (bool, error) {
		count, err := strconv.ParseInt(triggerValue, 10, 64)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrInvalidTriggerValue, triggerValue)
		}
		return event.UniqueDonorCount >= count, nil
	},
	TriggerTimeBased: func(event aggregation.Event, triggerValue string, now time.Time) (bool, error) {
		hours, err := strconv.Atoi(triggerValue)
		if err != nil || hours <= 0 {
			return false, fmt.Errorf("%w: %s", ErrInvalidTriggerValue, triggerValue)
		}
		if event.CurrentAmount.LessThan(event.TargetAmount) {
			return false, nil
		}
		deadline := event.CreatedAtSeconds + int64(hours)*int64(time.Hour/time.Second)
		return now.Unix() <= deadline, nil
	},
}
