package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/aggregation"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/disclosure"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/donations"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/testutil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type testServer struct {
	url       string
	issuer    *auth.TokenIssuer
	donations *donations.Service
	notifier  *realtime.Notifier
}

func newTestServer(t *testing.T, verifier commitments.ProofVerifier) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDatabase(t,
		&commitments.Commitment{},
		&aggregation.Event{},
		&aggregation.EventDonor{},
		&disclosure.Preference{},
		&achievements.Achievement{},
	)
	if verifier == nil {
		verifier = commitments.ProofVerifierFunc(func(context.Context, string, string, string) (bool, error) {
			return true, nil
		})
	}
	notifier := realtime.NewNotifier(realtime.NotifierConfig{})
	service, err := donations.Build(donations.BuildConfig{
		Database:  db,
		Verifier:  verifier,
		Publisher: notifier,
	})
	if err != nil {
		t.Fatalf("failed to build donation service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "pledgeboard-auth",
		Audience:      "pledgeboard-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Donations:         service,
		Notifier:          notifier,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{url: server.URL, issuer: issuer, donations: service, notifier: notifier}
}

func (s testServer) token(t *testing.T, donorRef string) string {
	t.Helper()
	token, _, err := s.issuer.IssueDonorToken(context.Background(), donorRef)
	if err != nil {
		t.Fatalf("failed to issue donor token: %v", err)
	}
	return token
}

func (s testServer) createEvent(t *testing.T, eventID, target string, milestones ...string) {
	t.Helper()
	_, err := s.donations.CreateEvent(context.Background(), donations.EventInput{
		EventID:      eventID,
		TargetAmount: target,
		Milestones:   milestones,
	})
	if err != nil {
		t.Fatalf("failed to create event: %v", err)
	}
}

// do sends a JSON request and decodes the JSON response into out when provided.
func (s testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return response.StatusCode
}
