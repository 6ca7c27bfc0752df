// ABOUTME: Environment configuration for the sync engine, loaded from .env and the process env
// ABOUTME: Defaults live in struct tags; paths default to the XDG data directory
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/harperreed/mailsync/ratelimit"
	"github.com/harperreed/mailsync/scheduler"
	"github.com/harperreed/mailsync/sync"
)

type AppConfig struct {
	DBPath   string `env:"MAILSYNC_DB_PATH"`
	LogLevel string `env:"MAILSYNC_LOG_LEVEL" envDefault:"info"`
	DevMode  bool   `env:"MAILSYNC_DEV_MODE" envDefault:"false"`
}

// FetchConfig selects proxy mode when ProxyBaseURL is set, direct Google
// OAuth otherwise.
type FetchConfig struct {
	ProxyBaseURL      string `env:"MAILSYNC_PROXY_URL"`
	ProjectID         string `env:"MAILSYNC_PROXY_PROJECT_ID"`
	Environment       string `env:"MAILSYNC_PROXY_ENVIRONMENT" envDefault:"production"`
	ProxyClientID     string `env:"MAILSYNC_PROXY_CLIENT_ID"`
	ProxyClientSecret string `env:"MAILSYNC_PROXY_CLIENT_SECRET"`
	ProxyTokenURL     string `env:"MAILSYNC_PROXY_TOKEN_URL" envDefault:"https://api.pipedream.com/v1/oauth/token"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/oauth/callback"`

	MaxRetries int           `env:"MAILSYNC_FETCH_MAX_RETRIES" envDefault:"2"`
	Timeout    time.Duration `env:"MAILSYNC_FETCH_TIMEOUT" envDefault:"60s"`
}

func (f *FetchConfig) ProxyMode() bool { return f.ProxyBaseURL != "" }

type RateLimitConfig struct {
	Capacity    int           `env:"MAILSYNC_RATE_CAPACITY" envDefault:"12"`
	RefillRate  float64       `env:"MAILSYNC_RATE_REFILL" envDefault:"3"`
	WaitTimeout time.Duration `env:"MAILSYNC_RATE_WAIT_TIMEOUT" envDefault:"30s"`
}

type SyncConfig struct {
	Durable            bool `env:"MAILSYNC_DURABLE" envDefault:"true"`
	GmailFullSyncDays  int  `env:"MAILSYNC_GMAIL_FULL_SYNC_DAYS" envDefault:"30"`
	CalendarPastDays   int  `env:"MAILSYNC_CALENDAR_PAST_DAYS" envDefault:"30"`
	CalendarFutureDays int  `env:"MAILSYNC_CALENDAR_FUTURE_DAYS" envDefault:"90"`
	ThreadBatchSize    int  `env:"MAILSYNC_THREAD_BATCH_SIZE" envDefault:"10"`
	ProgressEvery      int  `env:"MAILSYNC_PROGRESS_EVERY" envDefault:"50"`
}

type EventsConfig struct {
	NatsURL string `env:"MAILSYNC_NATS_URL"`
}

type SchedulerConfig struct {
	Schedule   string        `env:"MAILSYNC_SYNC_SCHEDULE" envDefault:"*/15 * * * *"`
	RunTimeout time.Duration `env:"MAILSYNC_SYNC_RUN_TIMEOUT" envDefault:"1h"`
}

type Config struct {
	App       *AppConfig
	Fetch     *FetchConfig
	RateLimit *RateLimitConfig
	Sync      *SyncConfig
	Events    *EventsConfig
	Scheduler *SchedulerConfig
}

// Load reads the given .env files (or ./.env when none are named) into the
// process environment without overriding it, then parses the config.
func Load(envFiles ...string) (*Config, error) {
	cfg := &Config{
		App:       &AppConfig{},
		Fetch:     &FetchConfig{},
		RateLimit: &RateLimitConfig{},
		Sync:      &SyncConfig{},
		Events:    &EventsConfig{},
		Scheduler: &SchedulerConfig{},
	}

	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.App.DBPath == "" {
		cfg.App.DBPath = DefaultDBPath()
	}
	return cfg, nil
}

// DefaultDBPath is the XDG data location of the database.
func DefaultDBPath() string {
	return filepath.Join(xdg.DataHome, "mailsync", "mailsync.db")
}

// Validate checks the settings that only matter once a sync is about to run.
func (c *Config) Validate() error {
	f := c.Fetch
	if f.ProxyMode() {
		if f.ProjectID == "" {
			return errors.New("MAILSYNC_PROXY_PROJECT_ID is required when MAILSYNC_PROXY_URL is set")
		}
		if f.ProxyClientID == "" || f.ProxyClientSecret == "" {
			return errors.New("MAILSYNC_PROXY_CLIENT_ID and MAILSYNC_PROXY_CLIENT_SECRET are required when MAILSYNC_PROXY_URL is set")
		}
		return nil
	}
	if f.GoogleClientID == "" || f.GoogleClientSecret == "" {
		return errors.New("set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET, or configure MAILSYNC_PROXY_URL")
	}
	return nil
}

func (c *Config) SyncSettings() sync.Settings {
	return sync.Settings{
		Durable:            c.Sync.Durable,
		GmailFullSyncDays:  c.Sync.GmailFullSyncDays,
		CalendarPastDays:   c.Sync.CalendarPastDays,
		CalendarFutureDays: c.Sync.CalendarFutureDays,
		ThreadBatchSize:    c.Sync.ThreadBatchSize,
		ProgressEvery:      c.Sync.ProgressEvery,
		RateLimitTimeout:   c.RateLimit.WaitTimeout,
	}
}

func (c *Config) RateLimits() *ratelimit.Registry {
	return ratelimit.NewRegistry(c.RateLimit.Capacity, c.RateLimit.RefillRate, c.RateLimit.WaitTimeout)
}

func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{Schedule: c.Scheduler.Schedule, RunTimeout: c.Scheduler.RunTimeout}
}
