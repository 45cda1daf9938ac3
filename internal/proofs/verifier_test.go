package proofs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/testutil"
)

func newVerifierServer(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/verify" {
			http.NotFound(w, r)
			return
		}
		var request verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		valid := request.ProofRef == "proof-ok" && request.EventID == "event-1" && request.CommitmentHash != ""
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: valid})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPVerifierReturnsVerdictAndCachesIt(t *testing.T) {
	var calls atomic.Int32
	server := newVerifierServer(t, &calls, http.StatusOK)
	clock := testutil.NewFixedClock(1700000000)

	verifier, err := NewHTTPVerifier(HTTPVerifierConfig{
		Endpoint: server.URL + "/verify",
		CacheTTL: time.Minute,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	valid, err := verifier.Verify(context.Background(), "proof-ok", "0xabc", "event-1")
	if err != nil || !valid {
		t.Fatalf("expected a valid verdict, got %v / %v", valid, err)
	}
	valid, err = verifier.Verify(context.Background(), "proof-ok", "0xabc", "event-1")
	if err != nil || !valid {
		t.Fatalf("expected a cached valid verdict, got %v / %v", valid, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}

	invalid, err := verifier.Verify(context.Background(), "proof-bad", "0xabc", "event-1")
	if err != nil || invalid {
		t.Fatalf("expected an invalid verdict, got %v / %v", invalid, err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := verifier.Verify(context.Background(), "proof-ok", "0xabc", "event-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected expired verdicts to be refetched, got %d calls", calls.Load())
	}
}

func TestHTTPVerifierSurfacesUpstreamFailures(t *testing.T) {
	var calls atomic.Int32
	server := newVerifierServer(t, &calls, http.StatusBadGateway)
	verifier, err := NewHTTPVerifier(HTTPVerifierConfig{Endpoint: server.URL + "/verify"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := verifier.Verify(context.Background(), "proof-ok", "0xabc", "event-1"); !errors.Is(err, ErrVerifierStatus) {
			t.Fatalf("expected status error, got %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("failures must not be cached, got %d calls", calls.Load())
	}
}

func TestHTTPVerifierHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	verifier, err := NewHTTPVerifier(HTTPVerifierConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := verifier.Verify(ctx, "proof-ok", "0xabc", "event-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewHTTPVerifierRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPVerifier(HTTPVerifierConfig{Endpoint: "  "}); !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestAllowAllVerifierAccepts(t *testing.T) {
	valid, err := AllowAllVerifier{}.Verify(context.Background(), "anything", "0xabc", "event-1")
	if err != nil || !valid {
		t.Fatalf("expected acceptance, got %v / %v", valid, err)
	}
}
