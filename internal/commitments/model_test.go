package commitments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewCommitmentHashNormalizesCase(t *testing.T) {
	hash, err := NewCommitmentHash("  0xABCDEF0123456789ABCDEF0123456789  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash.String() != "abcdef0123456789abcdef0123456789" {
		t.Fatalf("unexpected normalized hash %q", hash)
	}
}

func TestNewCommitmentHashCanonicalizesPrefix(t *testing.T) {
	digest := strings.Repeat("07", 32)
	prefixed, err := NewCommitmentHash("0X" + strings.ToUpper(digest))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bare, err := NewCommitmentHash(digest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prefixed != bare {
		t.Fatalf("expected one canonical form, got %q and %q", prefixed, bare)
	}
}

func TestNewCommitmentHashRejectsNonHex(t *testing.T) {
	inputs := []string{
		"",
		"0x1234",
		"zz" + strings.Repeat("a", 40),
		strings.Repeat("a", 130),
		"0x0x" + strings.Repeat("a", 40),
	}
	for _, input := range inputs {
		if _, err := NewCommitmentHash(input); !errors.Is(err, ErrInvalidCommitmentHash) {
			t.Fatalf("expected invalid hash error for %q, got %v", input, err)
		}
	}
}

func TestParseAmount(t *testing.T) {
	amount, err := ParseAmount("3.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount.String() != "3.5" {
		t.Fatalf("unexpected amount %s", amount)
	}

	for _, input := range []string{"", "0", "-1", "abc", "0.0000000000000000001"} {
		if _, err := ParseAmount(input); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount error for %q, got %v", input, err)
		}
	}
}

func TestIdentifiersRejectEmptyAndOversized(t *testing.T) {
	if _, err := NewEventID("   "); !errors.Is(err, ErrInvalidEventID) {
		t.Fatalf("expected invalid event id, got %v", err)
	}
	if _, err := NewDonorRef(strings.Repeat("d", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidDonorRef) {
		t.Fatalf("expected invalid donor ref, got %v", err)
	}
	if _, err := NewProofRef(""); !errors.Is(err, ErrInvalidProofRef) {
		t.Fatalf("expected invalid proof ref, got %v", err)
	}
	if id, err := NewCommitmentID(" c-1 "); err != nil || id.String() != "c-1" {
		t.Fatalf("unexpected commitment id %q (%v)", id, err)
	}
}

func TestVerifyWithTimeoutFailsClosedOnSlowVerifier(t *testing.T) {
	blocking := ProofVerifierFunc(func(ctx context.Context, _, _, _ string) (bool, error) {
		time.Sleep(time.Second)
		return true, nil
	})
	start := time.Now()
	err := verifyWithTimeout(context.Background(), blocking, 20*time.Millisecond, RecordRequest{})
	if !errors.Is(err, ErrProofTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("verification did not honour its deadline")
	}
}

func TestVerifyWithTimeoutMapsVerdicts(t *testing.T) {
	rejecting := ProofVerifierFunc(func(context.Context, string, string, string) (bool, error) {
		return false, nil
	})
	if err := verifyWithTimeout(context.Background(), rejecting, time.Second, RecordRequest{}); !errors.Is(err, ErrProofRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	failure := errors.New("verifier offline")
	failing := ProofVerifierFunc(func(context.Context, string, string, string) (bool, error) {
		return false, failure
	})
	if err := verifyWithTimeout(context.Background(), failing, time.Second, RecordRequest{}); !errors.Is(err, failure) {
		t.Fatalf("expected transport failure, got %v", err)
	}

	accepting := ProofVerifierFunc(func(context.Context, string, string, string) (bool, error) {
		return true, nil
	})
	if err := verifyWithTimeout(context.Background(), accepting, time.Second, RecordRequest{}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}
