package disclosure

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

const (
	maxDisplayNameRunes = 50
	anonymousPrefix     = "Anonymous #"
	addressEllipsis     = "…"
)

// ErrInvalidDisplayName indicates a custom display name failed sanitization.
var ErrInvalidDisplayName = errors.New("disclosure: invalid display name")

var (
	inputValidator  = validator.New()
	displayNameRule = fmt.Sprintf("max=%d", maxDisplayNameRunes)
	addressRule     = "eth_addr"

	// validator has no tag for letters with combining marks plus a punctuation allowlist.
	displayNamePattern = regexp.MustCompile(`^[\p{L}\p{M}\p{N} ._'-]+$`)
)

// Preference is a donor's disclosure choice. It only affects renders made after
// it is stored.
type Preference struct {
	DonorRef          string `gorm:"column:donor_ref;primaryKey;size:190;not null"`
	RevealAmount      bool   `gorm:"column:reveal_amount;not null;default:false"`
	RevealName        bool   `gorm:"column:reveal_name;not null;default:false"`
	CustomDisplayName string `gorm:"column:custom_display_name;size:200;not null;default:''"`
	Version           int64  `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Preference) TableName() string {
	return "privacy_preferences"
}

// DefaultPreference is applied to donors that never stored a preference.
func DefaultPreference(donorRef string) Preference {
	return Preference{DonorRef: donorRef}
}

// PreferenceUpdate carries the desired disclosure settings for one donor.
type PreferenceUpdate struct {
	DonorRef          string
	RevealAmount      bool
	RevealName        bool
	CustomDisplayName string
}

// PreferenceResult pairs the stored preference with its privacy score.
type PreferenceResult struct {
	Preference   Preference
	PrivacyScore int
}

// PrivacyScore is a cosmetic indicator of how much a preference discloses.
func PrivacyScore(preference Preference) int {
	score := 100
	if preference.RevealAmount {
		score -= 30
	}
	if preference.RevealName {
		score -= 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// SanitizeDisplayName normalizes a custom display name. An empty input is
// accepted and means no custom name.
func SanitizeDisplayName(rawInput string) (string, error) {
	normalized := norm.NFC.String(rawInput)
	var builder strings.Builder
	lastSpace := false
	for _, character := range normalized {
		if unicode.IsSpace(character) {
			if !lastSpace {
				builder.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		if unicode.IsControl(character) {
			continue
		}
		lastSpace = false
		builder.WriteRune(character)
	}
	sanitized := strings.TrimSpace(builder.String())
	if sanitized == "" {
		return "", nil
	}
	if inputValidator.Var(sanitized, displayNameRule) != nil {
		return "", fmt.Errorf("%w: must be at most %d characters", ErrInvalidDisplayName, maxDisplayNameRunes)
	}
	if !displayNamePattern.MatchString(sanitized) {
		return "", fmt.Errorf("%w: only letters, digits, spaces and . _ - ' are allowed", ErrInvalidDisplayName)
	}
	return sanitized, nil
}

// FormatAddress shortens wallet addresses for display and leaves other
// references untouched.
func FormatAddress(donorRef string) string {
	if inputValidator.Var(donorRef, addressRule) != nil {
		return donorRef
	}
	lower := strings.ToLower(donorRef)
	return lower[:6] + addressEllipsis + lower[len(lower)-4:]
}

// MaskedEntry is the only ranking shape that leaves the service.
type MaskedEntry struct {
	Rank           int     `json:"rank"`
	ScopeKey       string  `json:"scopeKey"`
	CommitmentHash string  `json:"commitmentHash"`
	DonorDisplay   string  `json:"donorDisplay"`
	AmountDisplay  *string `json:"amountDisplay"`
}

func anonymousDisplay(rank int) string {
	return fmt.Sprintf("%s%d", anonymousPrefix, rank)
}
