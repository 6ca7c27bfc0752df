// ABOUTME: Command tree for the mailsync binary
// ABOUTME: Opens config, database, logger, and event publisher shared by every subcommand
package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/harperreed/mailsync/config"
	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/events"
	"github.com/harperreed/mailsync/fetch"
	"github.com/harperreed/mailsync/sync"
)

func NewApp(version string) *cli.App {
	return &cli.App{
		Name:    "mailsync",
		Usage:   "Sync Gmail, Google Calendar, and Google Contacts into a local store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "env-file", Usage: "load environment from these files (default: ./.env)"},
			&cli.StringFlag{Name: "db-path", Usage: "database path (default: $XDG_DATA_HOME/mailsync/mailsync.db)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error"},
		},
		Commands: []*cli.Command{
			accountCommand(),
			syncCommand(),
			statusCommand(),
			jobsCommand(),
			resumeCommand(),
			cancelCommand(),
			daemonCommand(),
			mcpCommand(),
			authCommand(),
		},
	}
}

// appEnv holds what a subcommand needs. Close releases it.
type appEnv struct {
	cfg       *config.Config
	db        *sql.DB
	logger    *zap.Logger
	publisher events.Publisher
}

func openEnv(c *cli.Context) (*appEnv, error) {
	cfg, err := config.Load(c.StringSlice("env-file")...)
	if err != nil {
		return nil, err
	}
	if p := c.String("db-path"); p != "" {
		cfg.App.DBPath = p
	}
	if l := c.String("log-level"); l != "" {
		cfg.App.LogLevel = l
	}

	logger, err := config.NewLogger(cfg.App)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenDatabase(cfg.App.DBPath)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Debug("database opened", zap.String("path", cfg.App.DBPath))

	return &appEnv{
		cfg:       cfg,
		db:        database,
		logger:    logger,
		publisher: openPublisher(c.Context, cfg.Events, logger),
	}, nil
}

// openPublisher falls back to the no-op publisher when NATS is not
// configured or not reachable.
func openPublisher(ctx context.Context, cfg *config.EventsConfig, logger *zap.Logger) events.Publisher {
	if cfg.NatsURL == "" {
		return events.Nop{}
	}
	js, err := events.NewJetStream(cfg.NatsURL)
	if err != nil {
		logger.Warn("job events disabled", zap.String("url", cfg.NatsURL), zap.Error(err))
		return events.Nop{}
	}
	if err := js.EnsureStream(ctx); err != nil {
		logger.Warn("job events disabled", zap.String("stream", events.StreamName), zap.Error(err))
		js.Close()
		return events.Nop{}
	}
	return js
}

func (e *appEnv) Close() {
	e.publisher.Close()
	if err := e.db.Close(); err != nil {
		e.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// service builds the sync service over the configured fetch client.
func (e *appEnv) service(ctx context.Context) (*sync.Service, error) {
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	return sync.NewService(e.db, newFetcher(ctx, e.cfg.Fetch, e.logger), e.cfg.RateLimits(),
		sync.WithLogger(e.logger),
		sync.WithPublisher(e.publisher),
		sync.WithSettings(e.cfg.SyncSettings()),
	), nil
}

// adminService skips credential checks. It can cancel and inspect jobs but
// never fetches.
func (e *appEnv) adminService() *sync.Service {
	return sync.NewService(e.db, nil, nil, sync.WithLogger(e.logger), sync.WithPublisher(e.publisher))
}

func newFetcher(ctx context.Context, cfg *config.FetchConfig, logger *zap.Logger) fetch.Client {
	opts := fetch.Options{
		ProxyBaseURL: cfg.ProxyBaseURL,
		ProjectID:    cfg.ProjectID,
		Environment:  cfg.Environment,
		Logger:       logger.Named("fetch"),
		MaxRetries:   cfg.MaxRetries,
		Timeout:      cfg.Timeout,
	}
	if cfg.ProxyMode() {
		opts.TokenSource = fetch.ProxyTokenSource(ctx, cfg.ProxyClientID, cfg.ProxyClientSecret, cfg.ProxyTokenURL)
	} else {
		oauth := fetch.NewOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		opts.TokensFor = fetch.NewAccountTokens(ctx, oauth).For
	}
	return fetch.NewHTTPClient(opts)
}
