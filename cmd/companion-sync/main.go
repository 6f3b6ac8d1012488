package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/catalog"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/characters"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/config"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/database"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/logging"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/records"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/server"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "companion-sync"

var (
	cfgFile string
	version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Companion character sheet synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Run one synchronization pass",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSync(cmd.Context(), false)
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Synchronize on start and then on every interval",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSync(cmd.Context(), true)
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the record API backed by SQLite",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "token <user-id>",
			Short: "Print a bearer token for the record API",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToken(cmd, args[0])
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("remote-url", defaults.GetString("remote.base_url"), "Record service base URL")
	flags.String("remote-token", "", "Record service bearer token (overrides env)")
	flags.Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Record service request timeout")
	flags.Int("remote-max-retries", defaults.GetInt("remote.max_retries"), "Retries for record service reads")
	flags.String("user-id", defaults.GetString("sync.user_id"), "User whose characters are synchronized")
	flags.Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Watch interval")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address for serve")
	flags.String("server-database-path", defaults.GetString("server.database_path"), "SQLite database path for serve")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Issued token lifetime in minutes")
	flags.Bool("telemetry-stdout", defaults.GetBool("telemetry.stdout"), "Print metrics to stdout")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "remote.max_retries", "remote-max-retries")
	bindFlag(cmd, "sync.user_id", "user-id")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "server.database_path", "server-database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "telemetry.stdout", "telemetry-stdout")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runSync(ctx context.Context, watch bool) error {
	syncConfig, err := config.LoadSync(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(syncConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Stdout:      syncConfig.TelemetryStdout,
	})
	if err != nil {
		return err
	}
	defer shutdownTelemetry(provider, logger)

	store, err := database.Open(syncConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:    syncConfig.RemoteBaseURL,
		Token:      remote.StaticToken(syncConfig.RemoteToken),
		HTTPClient: &http.Client{Timeout: syncConfig.RemoteTimeout},
		MaxRetries: syncConfig.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := newOrchestrator(store, client, syncConfig.UserID, provider, logger)
	if err != nil {
		return err
	}

	if watch {
		logger.Info("watching for changes",
			zap.String("user_id", syncConfig.UserID),
			zap.Duration("interval", syncConfig.SyncInterval))
		return orchestrator.Watch(ctx, syncConfig.SyncInterval)
	}

	orchestrator.Run(ctx, syncengine.ReasonManual)
	report := orchestrator.LastReport()
	fmt.Printf("direction=%s catalog_created=%d tables_replaced=%d characters_created=%d characters_updated=%d dependents_created=%d imported=%d removed=%d failures=%d\n",
		report.Direction, report.CatalogCreated, report.TablesReplaced, report.CharactersCreated,
		report.CharactersUpdated, report.DependentsCreated, report.Imported, report.Removed, report.Failures)
	return nil
}

func newOrchestrator(store *database.Store, client remote.Service, userID string, provider *telemetry.Provider, logger *zap.Logger) (*syncengine.Orchestrator, error) {
	catalogSyncer, err := catalog.NewSyncer(catalog.Config{Store: store, Remote: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	ownedSyncer, err := characters.NewSyncer(characters.SyncerConfig{Store: store, Remote: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	resolver, err := syncengine.NewResolver(syncengine.ResolverConfig{Store: store, Remote: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	return syncengine.NewOrchestrator(syncengine.Config{
		Catalog:  catalogSyncer,
		Owned:    ownedSyncer,
		Resolver: resolver,
		UserID:   userID,
		Meter:    provider.Meter(),
		Tracer:   provider.Tracer(),
		Logger:   logger,
		OnStateChange: func(state syncengine.State) {
			logger.Debug("sync state changed", zap.Stringer("state", state))
		},
	})
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(serverConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := records.OpenSQLite(serverConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	recordService, err := records.NewService(records.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(serverConfig.Auth)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  tokenIssuer,
		Records: recordService,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              serverConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", serverConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runToken(cmd *cobra.Command, userID string) error {
	authConfig, err := config.LoadAuth(viper.GetViper())
	if err != nil {
		return err
	}
	tokenIssuer, err := newTokenIssuer(authConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := tokenIssuer.IssueToken(cmd.Context(), userID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
	return nil
}

func newTokenIssuer(cfg config.AuthConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        config.TokenIssuer,
		Audience:      config.TokenAudience,
		TokenTTL:      cfg.TokenTTL,
	})
}

func shutdownTelemetry(provider *telemetry.Provider, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}
