package commitments

import (
	"context"
	"errors"
	"time"
)

const defaultVerifyTimeout = 3 * time.Second

var (
	// ErrProofRejected indicates the verifier answered that the proof is not valid.
	ErrProofRejected = errors.New("commitments: proof rejected")
	// ErrProofTimeout indicates the verifier did not answer within the configured bound.
	ErrProofTimeout = errors.New("commitments: proof verification timed out")
)

// ProofVerifier checks a zero-knowledge proof against a commitment. It is opaque to this service.
type ProofVerifier interface {
	Verify(ctx context.Context, proofRef, commitmentHash, eventID string) (bool, error)
}

// ProofVerifierFunc adapts a function into a ProofVerifier.
type ProofVerifierFunc func(ctx context.Context, proofRef, commitmentHash, eventID string) (bool, error)

// Verify calls the wrapped function.
func (f ProofVerifierFunc) Verify(ctx context.Context, proofRef, commitmentHash, eventID string) (bool, error) {
	return f(ctx, proofRef, commitmentHash, eventID)
}

type verifyResult struct {
	valid bool
	err   error
}

// verifyWithTimeout runs the verifier under a deadline. A verifier that ignores
// its context still cannot hold the caller past the deadline.
func verifyWithTimeout(ctx context.Context, verifier ProofVerifier, timeout time.Duration, request RecordRequest) error {
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	verifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan verifyResult, 1)
	go func() {
		valid, err := verifier.Verify(verifyCtx, request.ProofRef.String(), request.CommitmentHash.String(), request.EventID.String())
		resultCh <- verifyResult{valid: valid, err: err}
	}()

	select {
	case <-verifyCtx.Done():
		if errors.Is(verifyCtx.Err(), context.DeadlineExceeded) {
			return ErrProofTimeout
		}
		return verifyCtx.Err()
	case result := <-resultCh:
		if result.err != nil {
			if errors.Is(result.err, context.DeadlineExceeded) {
				return ErrProofTimeout
			}
			return result.err
		}
		if !result.valid {
			return ErrProofRejected
		}
		return nil
	}
}
