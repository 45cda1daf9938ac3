package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "PLEDGEBOARD"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "pledgeboard.db"
	defaultLogLevel           = "info"
	defaultLogEncoding        = "json"
	defaultAuthIssuer         = "pledgeboard-auth"
	defaultAuthAudience       = "pledgeboard-api"
	defaultTokenTTLMinutes    = 60
	defaultProofTimeoutMS     = 3000
	defaultRankingCacheTTLS   = 5
	defaultRealtimeBuffer     = 16
	defaultHeartbeatSeconds   = 15
	defaultStreamURL          = "http://127.0.0.1:8080"
	maxRankingCacheTTLSeconds = 10
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogEncoding  string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	TokenTTL          time.Duration

	ProofVerifierURL     string
	ProofTimeout         time.Duration
	ProofAllowUnverified bool

	RankingCacheTTL   time.Duration
	RealtimeBuffer    int
	HeartbeatInterval time.Duration
	StreamURL         string

	FundingPercentages []int
	DonorCounts        []int64
	TimeWindowsHours   []int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("proof.timeout_ms", defaultProofTimeoutMS)
	configViper.SetDefault("proof.allow_unverified", false)
	configViper.SetDefault("ranking.cache_ttl_seconds", defaultRankingCacheTTLS)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("realtime.stream_url", defaultStreamURL)
	configViper.SetDefault("achievements.funding_percentages", []int{25, 50, 75, 100})
	configViper.SetDefault("achievements.donor_counts", []int{1, 10, 50, 100})
	configViper.SetDefault("achievements.time_windows_hours", []int{24, 168})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	donorCounts := make([]int64, 0)
	for _, count := range configViper.GetIntSlice("achievements.donor_counts") {
		donorCounts = append(donorCounts, int64(count))
	}
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogEncoding:  configViper.GetString("log.encoding"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		ProofVerifierURL:     configViper.GetString("proof.verifier_url"),
		ProofTimeout:         time.Duration(configViper.GetInt("proof.timeout_ms")) * time.Millisecond,
		ProofAllowUnverified: configViper.GetBool("proof.allow_unverified"),

		RankingCacheTTL:   time.Duration(configViper.GetInt("ranking.cache_ttl_seconds")) * time.Second,
		RealtimeBuffer:    configViper.GetInt("realtime.buffer_size"),
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		StreamURL:         configViper.GetString("realtime.stream_url"),

		FundingPercentages: configViper.GetIntSlice("achievements.funding_percentages"),
		DonorCounts:        donorCounts,
		TimeWindowsHours:   configViper.GetIntSlice("achievements.time_windows_hours"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ProofVerifierURL) == "" && !c.ProofAllowUnverified {
		return fmt.Errorf("proof.verifier_url is required unless proof.allow_unverified is set")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.ProofTimeout <= 0 {
		return fmt.Errorf("proof.timeout_ms must be positive")
	}
	if c.RankingCacheTTL <= 0 || c.RankingCacheTTL > maxRankingCacheTTLSeconds*time.Second {
		return fmt.Errorf("ranking.cache_ttl_seconds must be between 1 and %d", maxRankingCacheTTLSeconds)
	}
	if c.RealtimeBuffer <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	for _, percentage := range c.FundingPercentages {
		if percentage <= 0 || percentage > 100 {
			return fmt.Errorf("achievements.funding_percentages must be within 1..100")
		}
	}
	return nil
}
