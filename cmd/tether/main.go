// Package main provides the CLI entry point for the Tether realtime
// gateway.
//
// Start the server:
//
//	tether serve --config tether.yaml
//
// Mint a token for local development:
//
//	tether token --user alice
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/gateway"
	"github.com/tetherhq/tether/internal/pubsub"
	"github.com/tetherhq/tether/internal/storage"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tether",
		Short:        "Tether - realtime assistant gateway",
		Long:         "Tether terminates websocket connections for the realtime assistant,\nmanages voice sessions, and routes domain events into UI directives.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway server.

The server loads configuration from the given file (environment
references like ${TETHER_JWT_SECRET} are expanded), opens the Postgres
stores when database.dsn is set (in-memory otherwise), and shuts down
gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("TETHER_CONFIG"),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("starting tether gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	stores, err := openStores(cfg.Database)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer stores.Close() //nolint:errcheck // best-effort cleanup

	bus := pubsub.NewBus(logger)
	defer bus.Close()

	server, err := gateway.NewServer(gateway.Config{
		ListenAddr:           cfg.Server.ListenAddr,
		Auth:                 auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil),
		Stores:               stores,
		Bus:                  bus,
		CleanupSchedule:      cfg.Cleanup.Schedule,
		CleanupOlderThan:     cfg.Cleanup.OlderThan,
		VoiceDisconnectGrace: cfg.Voice.DisconnectGrace,
	}, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a connection token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil).IssueToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("TETHER_CONFIG"),
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "",
		"User ID to embed in the token")
	_ = cmd.MarkFlagRequired("user") //nolint:errcheck // flag exists

	return cmd
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStores(cfg config.DatabaseConfig) (*storage.Stores, error) {
	if cfg.DSN == "" {
		slog.Info("no database configured, using in-memory stores")
		return storage.NewMemoryStores(), nil
	}
	return storage.NewPostgresStoresFromDSN(cfg.DSN, &storage.PostgresConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		EnsureSchema:    cfg.EnsureSchema,
	})
}
