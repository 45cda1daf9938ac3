// Package proofs adapts the external zero-knowledge proof verifier.
package proofs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultVerdictCacheTTL = 10 * time.Minute
	maxResponseBytes       = 1 << 16
)

var (
	errMissingEndpoint = errors.New("verifier url configuration required")
	errMissingProofRef = errors.New("proof reference must not be empty")
	// ErrInvalidVerifierConfig indicates the verifier configuration is incomplete.
	ErrInvalidVerifierConfig = errors.New("proofs: invalid verifier config")
	// ErrVerifierStatus indicates the verifier answered with a non-success status.
	ErrVerifierStatus = errors.New("proofs: verifier returned unexpected status")
)

// HTTPVerifierConfig bundles configuration required to instantiate an HTTPVerifier.
type HTTPVerifierConfig struct {
	Endpoint   string
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
	Clock      func() time.Time
}

// HTTPVerifier asks a remote service whether a proof binds to a commitment. Only
// definitive verdicts are cached; transport failures are returned to the caller.
type HTTPVerifier struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	cache      *verdictCache
}

type verifyRequest struct {
	ProofRef       string `json:"proofRef"`
	CommitmentHash string `json:"commitmentHash"`
	EventID        string `json:"eventId"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// NewHTTPVerifier constructs a verifier with validated configuration.
func NewHTTPVerifier(cfg HTTPVerifierConfig) (*HTTPVerifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingEndpoint)
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultVerdictCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &HTTPVerifier{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		cache:      &verdictCache{ttl: cacheTTL, entries: make(map[string]cachedVerdict)},
	}, nil
}

// Verify reports whether the proof is valid for the commitment hash and event.
func (v *HTTPVerifier) Verify(ctx context.Context, proofRef, commitmentHash, eventID string) (bool, error) {
	if strings.TrimSpace(proofRef) == "" {
		return false, errMissingProofRef
	}
	key := proofRef + "|" + commitmentHash + "|" + eventID
	now := v.clock()
	if verdict, ok := v.cache.get(key, now); ok {
		return verdict, nil
	}

	body, err := json.Marshal(verifyRequest{ProofRef: proofRef, CommitmentHash: commitmentHash, EventID: eventID})
	if err != nil {
		return false, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := v.httpClient.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		v.logger.Warn("proof verifier returned unexpected status",
			zap.Int("status", response.StatusCode),
			zap.String("event_id", eventID))
		return false, fmt.Errorf("%w: %d", ErrVerifierStatus, response.StatusCode)
	}

	var decoded verifyResponse
	if err := json.NewDecoder(io.LimitReader(response.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return false, fmt.Errorf("decode verifier response: %w", err)
	}
	v.cache.store(key, decoded.Valid, now)
	return decoded.Valid, nil
}

// AllowAllVerifier accepts every proof. It exists for local development only.
type AllowAllVerifier struct {
	Logger *zap.Logger
}

// Verify always accepts and logs that verification was skipped.
func (v AllowAllVerifier) Verify(_ context.Context, proofRef, _ string, eventID string) (bool, error) {
	logger := v.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("proof verification skipped",
		zap.String("proof_ref", proofRef),
		zap.String("event_id", eventID))
	return true, nil
}

type cachedVerdict struct {
	valid     bool
	expiresAt time.Time
}

type verdictCache struct {
	mu      sync.RWMutex
	entries map[string]cachedVerdict
	ttl     time.Duration
}

func (c *verdictCache) get(key string, now time.Time) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		return false, false
	}
	return entry.valid, true
}

func (c *verdictCache) store(key string, valid bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for existing, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, existing)
		}
	}
	c.entries[key] = cachedVerdict{valid: valid, expiresAt: now.Add(c.ttl)}
}
