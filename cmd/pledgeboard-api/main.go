package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/achievements"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/commitments"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/donations"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/proofs"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pledgeboard-api",
		Short: "Pledgeboard contribution ranking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newCreateEventCommand(), newIssueTokenCommand(), newWatchCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Donor token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Donor token signing secret (overrides env)")
	cmd.PersistentFlags().String("verifier-url", "", "Proof verifier endpoint")
	cmd.PersistentFlags().Bool("allow-unverified", false, "Accept every proof (local development only)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "proof.verifier_url", "verifier-url")
	bindFlag(cmd, "proof.allow_unverified", "allow-unverified")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// appRuntime holds the shared pieces every database-backed command needs.
type appRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	notifier *realtime.Notifier
	service  *donations.Service
}

func openRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	verifier, err := newProofVerifier(appConfig, logger)
	if err != nil {
		return nil, err
	}

	notifier := realtime.NewNotifier(realtime.NotifierConfig{
		BufferSize: appConfig.RealtimeBuffer,
		Logger:     logger.Named("realtime"),
	})

	service, err := donations.Build(donations.BuildConfig{
		Database:        db,
		Verifier:        verifier,
		Publisher:       notifier,
		VerifyTimeout:   appConfig.ProofTimeout,
		RankingCacheTTL: appConfig.RankingCacheTTL,
		Thresholds: achievements.Thresholds{
			FundingPercentages: appConfig.FundingPercentages,
			DonorCounts:        appConfig.DonorCounts,
			TimeWindowsHours:   appConfig.TimeWindowsHours,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &appRuntime{config: appConfig, logger: logger, db: db, notifier: notifier, service: service}, nil
}

func (r *appRuntime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func newProofVerifier(appConfig config.AppConfig, logger *zap.Logger) (commitments.ProofVerifier, error) {
	if appConfig.ProofVerifierURL == "" && appConfig.ProofAllowUnverified {
		logger.Warn("proof verification disabled")
		return proofs.AllowAllVerifier{Logger: logger.Named("proofs")}, nil
	}
	return proofs.NewHTTPVerifier(proofs.HTTPVerifierConfig{
		Endpoint: appConfig.ProofVerifierURL,
		Logger:   logger.Named("proofs"),
	})
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	tokenIssuer, err := newTokenIssuer(rt.config)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            tokenIssuer,
		Donations:         rt.service,
		Notifier:          rt.notifier,
		Logger:            rt.logger,
		HeartbeatInterval: rt.config.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
