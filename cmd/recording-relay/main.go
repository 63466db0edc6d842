package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	internalconfig "github.com/parsnips/recording-relay/internal/config"
	"github.com/parsnips/recording-relay/internal/logging"
	"github.com/parsnips/recording-relay/pkg/relay"
)

const shutdownTimeout = 5 * time.Second

// version is set at build time via ldflags
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recording-relay",
		Short: "Recording reverse proxy for HTTP test doubles",
		Long: `recording-relay forwards every request to an upstream target through a
pooled HTTP client that trusts any TLS certificate, and keeps each exchange
in an in-memory journal served under /__admin/requests.

Example usage:
  recording-relay --target-endpoints http://127.0.0.1:8081
  recording-relay --mode managed --image wiremock/wiremock:3.9.1 --instances 2
  RELAY_PROXY=proxy.internal:3128 recording-relay --target-endpoints https://api.internal`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
	}

	flags := internalconfig.BindFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		opts, err := flags.Options(cmd.Flags())
		if err != nil {
			return fmt.Errorf("parse flags: %w", err)
		}
		return run(cmd.Context(), opts)
	}
	return cmd
}

func run(parent context.Context, opts internalconfig.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(os.Stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}

	server, err := relay.New(ctx, opts.Relay, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	logger.Info("recording-relay listening",
		"endpoint", server.Endpoint(),
		"mode", opts.Relay.Mode,
		"metrics", server.MetricsEndpoint(),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("recording-relay stopped")
	return nil
}
