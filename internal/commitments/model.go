package commitments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	maxIdentifierLength = 190
	maxProofRefLength   = 512
	maxAmountScale      = 18
)

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("commitments: invalid event id")
	// ErrInvalidDonorRef indicates that a donor reference is empty or exceeds storage bounds.
	ErrInvalidDonorRef = errors.New("commitments: invalid donor ref")
	// ErrInvalidCommitmentID indicates that a commitment identifier is empty or exceeds storage bounds.
	ErrInvalidCommitmentID = errors.New("commitments: invalid commitment id")
	// ErrInvalidCommitmentHash indicates that a commitment hash is not a hex digest.
	ErrInvalidCommitmentHash = errors.New("commitments: invalid commitment hash")
	// ErrInvalidProofRef indicates that a proof reference is empty or too long.
	ErrInvalidProofRef = errors.New("commitments: invalid proof ref")
	// ErrInvalidAmount indicates that an amount is not a positive decimal.
	ErrInvalidAmount = errors.New("commitments: invalid amount")
)

const hexPrefix = "0x"

var (
	inputValidator     = validator.New()
	identifierRule     = fmt.Sprintf("required,max=%d", maxIdentifierLength)
	proofRefRule       = fmt.Sprintf("required,max=%d", maxProofRefLength)
	commitmentHashRule = "required,min=32,max=128,hexadecimal,excludes=x"
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed, err := boundedIdentifier(rawInput, ErrInvalidEventID)
	if err != nil {
		return "", err
	}
	return EventID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// DonorRef represents the stable, already-authenticated donor reference.
type DonorRef string

// NewDonorRef validates raw input and returns a DonorRef.
func NewDonorRef(rawInput string) (DonorRef, error) {
	trimmed, err := boundedIdentifier(rawInput, ErrInvalidDonorRef)
	if err != nil {
		return "", err
	}
	return DonorRef(trimmed), nil
}

// String returns the underlying string reference.
func (ref DonorRef) String() string {
	return string(ref)
}

// CommitmentID represents a validated commitment identifier.
type CommitmentID string

// NewCommitmentID validates raw input and returns a CommitmentID.
func NewCommitmentID(rawInput string) (CommitmentID, error) {
	trimmed, err := boundedIdentifier(rawInput, ErrInvalidCommitmentID)
	if err != nil {
		return "", err
	}
	return CommitmentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CommitmentID) String() string {
	return string(id)
}

// CommitmentHash is a lower-case hex digest binding a hidden amount, stored
// without the 0x prefix so both spellings of a digest compare equal.
type CommitmentHash string

// NewCommitmentHash normalizes and validates a hex digest.
func NewCommitmentHash(rawInput string) (CommitmentHash, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCommitmentHash)
	}
	digest := strings.TrimPrefix(normalized, hexPrefix)
	if err := inputValidator.Var(digest, commitmentHashRule); err != nil {
		return "", fmt.Errorf("%w: expected 32-128 hex characters", ErrInvalidCommitmentHash)
	}
	return CommitmentHash(digest), nil
}

// String returns the normalized digest.
func (hash CommitmentHash) String() string {
	return string(hash)
}

// ProofRef points at an externally stored zero-knowledge proof.
type ProofRef string

// NewProofRef validates raw input and returns a ProofRef.
func NewProofRef(rawInput string) (ProofRef, error) {
	trimmed := strings.TrimSpace(rawInput)
	if err := inputValidator.Var(trimmed, proofRefRule); err != nil {
		return "", fmt.Errorf("%w: must be 1-%d characters", ErrInvalidProofRef, maxProofRefLength)
	}
	return ProofRef(trimmed), nil
}

// String returns the underlying reference.
func (ref ProofRef) String() string {
	return string(ref)
}

// ParseAmount parses a strictly positive decimal amount with at most 18 fractional digits.
func ParseAmount(rawInput string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return ValidateAmount(value)
}

// ValidateAmount checks that an amount is positive and bounded in scale.
func ValidateAmount(value decimal.Decimal) (decimal.Decimal, error) {
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if -value.Exponent() > maxAmountScale && !value.Equal(value.Truncate(maxAmountScale)) {
		return decimal.Zero, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, maxAmountScale)
	}
	return value, nil
}

func boundedIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if err := inputValidator.Var(trimmed, identifierRule); err != nil {
		return "", fmt.Errorf("%w: must be 1-%d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Commitment is the persisted record of a hidden donation amount.
type Commitment struct {
	EventID            string              `gorm:"column:event_id;primaryKey;autoIncrement:false;size:190;not null"`
	SequenceNumber     int64               `gorm:"column:sequence_number;primaryKey;autoIncrement:false;not null"`
	CommitmentID       string              `gorm:"column:commitment_id;size:190;not null;uniqueIndex:idx_commitments_id"`
	DonorRef           string              `gorm:"column:donor_ref;size:190;not null;index:idx_commitments_donor"`
	CommittedAmount    decimal.Decimal     `gorm:"column:committed_amount;type:text;not null"`
	CommitmentHash     string              `gorm:"column:commitment_hash;size:190;not null;uniqueIndex:idx_commitments_hash"`
	ZKProofRef         string              `gorm:"column:zk_proof_ref;size:512;not null"`
	CommittedAtSeconds int64               `gorm:"column:committed_at_s;not null;index:idx_commitments_time"`
	Revealed           bool                `gorm:"column:revealed;not null;default:false"`
	RevealedAmount     decimal.NullDecimal `gorm:"column:revealed_amount;type:text"`
	RevealedAtSeconds  int64               `gorm:"column:revealed_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Commitment) TableName() string {
	return "commitments"
}

// RecordRequest describes a validated commitment submission.
type RecordRequest struct {
	EventID         EventID
	DonorRef        DonorRef
	CommittedAmount decimal.Decimal
	CommitmentHash  CommitmentHash
	ProofRef        ProofRef
}

// RevealOutcome reports the revealed commitment and whether this call was the
// one that flipped it from hidden to revealed.
type RevealOutcome struct {
	Commitment  Commitment
	FirstReveal bool
}

// RankingRow is the projection the ranking engine reads. It never carries the committed amount.
type RankingRow struct {
	EventID            string              `gorm:"column:event_id"`
	SequenceNumber     int64               `gorm:"column:sequence_number"`
	DonorRef           string              `gorm:"column:donor_ref"`
	CommitmentHash     string              `gorm:"column:commitment_hash"`
	CommittedAtSeconds int64               `gorm:"column:committed_at_s"`
	Revealed           bool                `gorm:"column:revealed"`
	RevealedAmount     decimal.NullDecimal `gorm:"column:revealed_amount"`
}

// RankingFilter narrows the commitments handed to the ranking engine.
type RankingFilter struct {
	// EventID restricts rows to one event; empty selects every event.
	EventID string
	// SinceSeconds drops commitments older than the unix timestamp; zero keeps all.
	SinceSeconds int64
}
