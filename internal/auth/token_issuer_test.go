package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, secret string, ttl time.Duration, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        "pledgeboard-auth",
		Audience:      "pledgeboard-api",
		TokenTTL:      ttl,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesDonorTokens(t *testing.T) {
	issuer := newTestIssuer(t, "super-secret", 30*time.Minute, nil)

	tokenString, expiresIn, err := issuer.IssueDonorToken(context.Background(), "donor-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "donor-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "pledgeboard-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "pledgeboard-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, "another-secret", 15*time.Minute, nil)

	tokenString, _, err := issuer.IssueDonorToken(context.Background(), "donor-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "donor-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}

	other := newTestIssuer(t, "different-secret", 15*time.Minute, nil)
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for a foreign signature")
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	clock := testutil.NewFixedClock(time.Now().Unix())
	issuer := newTestIssuer(t, "secret", time.Minute, clock.Now)

	tokenString, _, err := issuer.IssueDonorToken(context.Background(), "donor-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer := newTestIssuer(t, "secret", time.Minute, nil)
	if _, _, err := issuer.IssueDonorToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty donor reference")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: "i", Audience: "a", TokenTTL: time.Minute}},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a", TokenTTL: time.Minute}},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " ", TokenTTL: time.Minute}},
		{name: "non-positive ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.config); !errors.Is(err, ErrInvalidIssuerConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
