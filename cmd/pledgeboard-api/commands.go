package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/donations"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newCreateEventCommand() *cobra.Command {
	var target string
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create-event <event-id>",
		Short: "Define a new donation event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			event, err := rt.service.CreateEvent(cmd.Context(), donations.EventInput{
				EventID:      args[0],
				TargetAmount: target,
				Milestones:   milestones,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "event %s created with target %s and %d milestones\n",
				event.EventID, event.TargetAmount.String(), len(event.Milestones))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Funding target amount")
	cmd.Flags().StringSliceVar(&milestones, "milestone", nil, "Milestone amount (repeatable)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <donor-ref>",
		Short: "Issue a donor access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			issuer, err := newTokenIssuer(rt.config)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDonorToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			return encoder.Encode(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
}

// The watch command only needs the stream address, so it skips full config validation.
func newWatchCommand() *cobra.Command {
	var topic string
	var streamURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live updates with automatic reconnection",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.encoding"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			baseURL := streamURL
			if baseURL == "" {
				baseURL = viper.GetString("realtime.stream_url")
			}
			client, err := realtime.NewClient(realtime.ClientConfig{
				Dialer: realtime.SSEDialer{BaseURL: baseURL},
				Topic:  topic,
				Logger: logger.Named("watch"),
				OnStateChange: func(state realtime.ConnectionState) {
					logger.Info("stream state changed", zap.String("state", state.String()))
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			encoder := json.NewEncoder(cmd.OutOrStdout())
			err = client.Run(ctx, func(event realtime.UpdateEvent) {
				_ = encoder.Encode(event)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&topic, "topic", realtime.GlobalTopic, "Topic to follow (global or event:<id>)")
	cmd.Flags().StringVar(&streamURL, "url", "", "Base URL of the API")
	return cmd
}
