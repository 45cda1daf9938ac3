package ranking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrivacyMode indicates an unsupported privacy mode.
	ErrInvalidPrivacyMode = errors.New("ranking: invalid privacy mode")
	// ErrInvalidTimeframe indicates an unsupported timeframe.
	ErrInvalidTimeframe = errors.New("ranking: invalid timeframe")
	// ErrInvalidScope indicates a malformed scope key.
	ErrInvalidScope = errors.New("ranking: invalid scope")
)

const (
	scopeGlobal      = "global"
	scopeEventPrefix = "event:"
)

// PrivacyMode selects how much a ranking view may rely on and expose.
type PrivacyMode string

const (
	// PrivacyModeFull orders by commitment position and renders every donor anonymously.
	PrivacyModeFull PrivacyMode = "full"
	// PrivacyModePartial orders by commitment position and honours donor preferences.
	PrivacyModePartial PrivacyMode = "partial"
	// PrivacyModeTransparent orders revealed amounts first, largest first.
	PrivacyModeTransparent PrivacyMode = "transparent"
)

// ParsePrivacyMode validates raw input. An empty value selects partial.
func ParsePrivacyMode(rawInput string) (PrivacyMode, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(PrivacyModePartial):
		return PrivacyModePartial, nil
	case string(PrivacyModeFull):
		return PrivacyModeFull, nil
	case string(PrivacyModeTransparent):
		return PrivacyModeTransparent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPrivacyMode, rawInput)
	}
}

// Timeframe bounds the commitments considered by a ranking.
type Timeframe string

const (
	TimeframeAllTime Timeframe = "all_time"
	TimeframeDay     Timeframe = "day"
	TimeframeWeek    Timeframe = "week"
	TimeframeMonth   Timeframe = "month"
)

// ParseTimeframe validates raw input. An empty value selects all_time.
func ParseTimeframe(rawInput string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(TimeframeAllTime):
		return TimeframeAllTime, nil
	case string(TimeframeDay):
		return TimeframeDay, nil
	case string(TimeframeWeek):
		return TimeframeWeek, nil
	case string(TimeframeMonth):
		return TimeframeMonth, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, rawInput)
	}
}

// Window returns the lookback duration, or zero for all_time.
func (timeframe Timeframe) Window() time.Duration {
	switch timeframe {
	case TimeframeDay:
		return 24 * time.Hour
	case TimeframeWeek:
		return 7 * 24 * time.Hour
	case TimeframeMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Scope selects which commitments compete in one ranking.
type Scope struct {
	// EventID limits the ranking to one event; empty means global.
	EventID string
}

// EventScope returns the scope of a single event.
func EventScope(eventID string) Scope {
	return Scope{EventID: eventID}
}

// GlobalScope returns the scope spanning every event.
func GlobalScope() Scope {
	return Scope{}
}

// ParseScope accepts "global", "event:<id>" or a bare event identifier.
func ParseScope(rawInput string) (Scope, error) {
	trimmed := strings.TrimSpace(rawInput)
	switch {
	case trimmed == "":
		return Scope{}, fmt.Errorf("%w: empty", ErrInvalidScope)
	case strings.EqualFold(trimmed, scopeGlobal):
		return GlobalScope(), nil
	case strings.HasPrefix(trimmed, scopeEventPrefix):
		eventID := strings.TrimSpace(strings.TrimPrefix(trimmed, scopeEventPrefix))
		if eventID == "" {
			return Scope{}, fmt.Errorf("%w: missing event id", ErrInvalidScope)
		}
		return EventScope(eventID), nil
	default:
		return EventScope(trimmed), nil
	}
}

// Global reports whether the scope spans every event.
func (scope Scope) Global() bool {
	return scope.EventID == ""
}

// Key returns the canonical scope key.
func (scope Scope) Key() string {
	if scope.Global() {
		return scopeGlobal
	}
	return scopeEventPrefix + scope.EventID
}

// Query describes one ranking view.
type Query struct {
	Scope     Scope
	Timeframe Timeframe
	Mode      PrivacyMode
}

func (query Query) cacheKey() string {
	return query.Scope.Key() + "|" + string(query.Timeframe) + "|" + string(query.Mode)
}

// Entry is a ranked commitment. It is an internal view: DonorRef and
// RevealedAmount must pass through the disclosure mask before leaving the service.
type Entry struct {
	Rank               int
	ScopeKey           string
	EventID            string
	SequenceNumber     int64
	CommitmentHash     string
	DonorRef           string
	CommittedAtSeconds int64
	Revealed           bool
	RevealedAmount     decimal.NullDecimal
}
