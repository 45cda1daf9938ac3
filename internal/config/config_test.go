package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("proof.verifier_url", "http://verifier.local/verify")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.RankingCacheTTL != 5*time.Second {
		t.Fatalf("unexpected ranking cache ttl %s", cfg.RankingCacheTTL)
	}
	if cfg.ProofTimeout != 3*time.Second {
		t.Fatalf("unexpected proof timeout %s", cfg.ProofTimeout)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if len(cfg.FundingPercentages) != 4 || cfg.FundingPercentages[3] != 100 {
		t.Fatalf("unexpected funding thresholds %v", cfg.FundingPercentages)
	}
	if len(cfg.DonorCounts) != 4 || cfg.DonorCounts[1] != 10 {
		t.Fatalf("unexpected donor thresholds %v", cfg.DonorCounts)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PLEDGEBOARD_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("PLEDGEBOARD_PROOF_ALLOW_UNVERIFIED", "true")
	t.Setenv("PLEDGEBOARD_RANKING_CACHE_TTL_SECONDS", "2")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" || !cfg.ProofAllowUnverified {
		t.Fatalf("environment values were not applied: %#v", cfg)
	}
	if cfg.RankingCacheTTL != 2*time.Second {
		t.Fatalf("unexpected ranking cache ttl %s", cfg.RankingCacheTTL)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		message  string
	}{
		{name: "missing secret", settings: map[string]any{"proof.allow_unverified": true}, message: "auth.signing_secret"},
		{name: "missing verifier", settings: map[string]any{"auth.signing_secret": "s"}, message: "proof.verifier_url"},
		{name: "cache ttl too large", settings: map[string]any{"auth.signing_secret": "s", "proof.allow_unverified": true, "ranking.cache_ttl_seconds": 30}, message: "ranking.cache_ttl_seconds"},
		{name: "bad funding threshold", settings: map[string]any{"auth.signing_secret": "s", "proof.allow_unverified": true, "achievements.funding_percentages": []int{0}}, message: "achievements.funding_percentages"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
