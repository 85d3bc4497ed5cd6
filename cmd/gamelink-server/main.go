package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gamelink/database"
	"gamelink/internal/admin"
	"gamelink/internal/auth"
	"gamelink/internal/config"
	"gamelink/internal/logging"
	"gamelink/internal/metrics"
	"gamelink/internal/relay"
	"gamelink/internal/server"
	"gamelink/internal/store"
	"gamelink/internal/tlsutil"
)

var (
	cfgFile     string
	stopTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "gamelink-server",
	Short: "gamelink-server - TLS game lobby server",
	Long: `gamelink-server accepts TLS connections from game clients, authenticates
each player within the configured window and relays lobby traffic between
ready players. Configuration comes from the environment, an optional .env
file and an optional TOML file (--config or GAMELINK_CONFIG).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			if err := os.Setenv("GAMELINK_CONFIG", cfgFile); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "TOML config file path")
	rootCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "grace period for connected players on shutdown")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	loaded, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := *loaded
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	tlsConfig, err := buildTLS(cfg, logger)
	if err != nil {
		return err
	}

	authenticator, closeAuth, err := buildAuthenticator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	registry := server.NewRegistry(logger)
	lobby := relay.New(registry, logger)
	collector := metrics.New(metrics.Config{})
	observers := []server.Observer{collector, lobby}

	var presence *store.Presence
	if cfg.RedisURL != "" {
		backend, err := store.NewRedisPresence(cfg.RedisURL, 0)
		if err != nil {
			return err
		}
		defer backend.Close()
		presence = store.NewPresence(backend, 3*time.Second, logger)
		observers = append(observers, presence)
		logger.Info("presence_enabled")
	}

	if cfg.AuditURL != "" {
		sink, err := store.NewPostgresAudit(ctx, cfg.AuditURL)
		if err != nil {
			return err
		}
		defer sink.Close()
		audit := store.NewAuditLog(sink, store.AuditOptions{Logger: logger})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := audit.Close(closeCtx); err != nil {
				logger.Error("audit_close_failed", "error", err.Error())
			}
		}()
		observers = append(observers, audit)
		logger.Info("audit_enabled")
	}

	srv, err := server.New(cfg, tlsConfig, server.Options{
		Authenticator:        authenticator,
		AuthenticatedHandler: lobby.Authenticated(),
		AvailableHandler:     lobby.Available(),
		Observers:            observers,
		Registry:             registry,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	adminErr := make(chan error, 1)
	adminCtx, stopAdmin := context.WithCancel(context.Background())
	defer stopAdmin()
	if cfg.AdminPort > 0 {
		opts := admin.Options{Registry: registry, Metrics: collector.Handler(), Logger: logger}
		if presence != nil {
			opts.Presence = presence
		}
		if cfg.AdminJWTSecret != "" {
			opts.Tokens = auth.NewOperatorValidator(cfg.AdminJWTSecret)
		} else {
			logger.Warn("admin_api_unauthenticated",
				"hint", "set ADMIN_JWT_SECRET to require operator tokens",
			)
		}
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.AdminPort)
		go func() {
			adminErr <- admin.Serve(adminCtx, addr, admin.NewRouter(opts), logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("received_shutdown_signal")
	case err := <-adminErr:
		logger.Error("admin_server_error", "error", err.Error())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("server_stop_forced", "error", err.Error())
	}
	stopAdmin()
	lobby.Close()
	if presence != nil {
		presence.Wait()
	}
	logger.Info("server_stopped_gracefully")
	return nil
}

func buildTLS(cfg config.ServerConfig, logger *slog.Logger) (*tls.Config, error) {
	if cfg.TLSCertPath != "" {
		return tlsutil.ServerConfig(cfg.TLSCertPath, cfg.TLSKeyPath)
	}
	pair, err := tlsutil.SelfSigned("localhost", "127.0.0.1", cfg.Host)
	if err != nil {
		return nil, err
	}
	logger.Warn("using_self_signed_certificate",
		"hint", "set TLS_CERT_PATH and TLS_KEY_PATH for production",
	)
	return pair.ServerConfig(), nil
}

func buildAuthenticator(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (auth.Authenticator, func(), error) {
	noop := func() {}
	switch cfg.AuthMode {
	case config.AuthModeAccept:
		return auth.AcceptAll(), noop, nil
	case config.AuthModeReject:
		return auth.RejectAll("server is not accepting players"), noop, nil
	case config.AuthModeStatic:
		users, err := auth.ParseStaticUsers(cfg.StaticUsers)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewStaticAuthenticator(users), noop, nil
	case config.AuthModeJWT:
		return auth.NewJWTAuthenticator(cfg.JWTSecret), noop, nil
	case config.AuthModeDatabase:
		db, err := database.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if err := database.Close(db); err != nil {
				logger.Error("failed_to_close_database", "error", err.Error())
			}
		}
		return auth.NewDatabaseAuthenticator(auth.NewPlayerRepository(db), logger), closeDB, nil
	default:
		return nil, nil, errors.New("unknown auth mode: " + cfg.AuthMode)
	}
}
