// Package config loads entitlementd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration. Zero values mean "not configured".
type Config struct {
	Env        string
	Production bool

	HTTPAddr    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string // json or text

	// Entitlement engine
	ProductIDs     []string
	TokenNamespace uuid.UUID
	CheckSchedule  string
	AccountHeader  string

	// SessionIdle ends account sessions not requested for this long.
	SessionIdle time.Duration

	// App Store
	BundleID              string
	AppStoreSandbox       bool
	AppStoreKeysPath      string
	RootCertPaths         []string
	OriginalTransactionID string
	NotificationQueueSize int

	// Remote store, one of DatabaseURL or RemoteStoreURL
	DatabaseURL        string
	RemoteStoreURL     string
	RemoteTokenURL     string
	RemoteClientID     string
	RemoteClientSecret string

	RedisURL         string
	OverrideCacheTTL time.Duration

	SyncTimeout time.Duration
	// SyncMode is "inline" (goroutine per sync) or "river" (durable job).
	SyncMode string
}

// Load reads an optional .env file (ENTITLEKIT_ENV_FILE or ./.env) and then
// the environment. Variables already set in the environment win.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("ENTITLEKIT_ENV_FILE"))
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Env:                   envName(),
		HTTPAddr:              getenv("ENTITLEKIT_HTTP_ADDR", ":8080"),
		MetricsAddr:           getenv("ENTITLEKIT_METRICS_ADDR", ":9091"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		ProductIDs:            splitList(os.Getenv("ENTITLEKIT_PRODUCT_IDS")),
		CheckSchedule:         getenv("ENTITLEKIT_CHECK_SCHEDULE", "@every 15m"),
		AccountHeader:         getenv("ENTITLEKIT_ACCOUNT_HEADER", "X-Account-ID"),
		BundleID:              strings.TrimSpace(os.Getenv("APPSTORE_BUNDLE_ID")),
		AppStoreSandbox:       strings.EqualFold(os.Getenv("APPSTORE_ENVIRONMENT"), "sandbox"),
		AppStoreKeysPath:      os.Getenv("APPSTORE_KEYS_PATH"),
		RootCertPaths:         splitList(os.Getenv("APPSTORE_ROOT_CERTS")),
		OriginalTransactionID: strings.TrimSpace(os.Getenv("APPSTORE_ORIGINAL_TRANSACTION_ID")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RemoteStoreURL:        strings.TrimSpace(os.Getenv("ENTITLEKIT_REMOTE_URL")),
		RemoteTokenURL:        strings.TrimSpace(os.Getenv("ENTITLEKIT_REMOTE_TOKEN_URL")),
		RemoteClientID:        os.Getenv("ENTITLEKIT_REMOTE_CLIENT_ID"),
		RemoteClientSecret:    os.Getenv("ENTITLEKIT_REMOTE_CLIENT_SECRET"),
		RedisURL:              strings.TrimSpace(os.Getenv("REDIS_URL")),
		SyncMode:              strings.ToLower(getenv("ENTITLEKIT_SYNC_MODE", "inline")),
	}
	cfg.Production = isProd(cfg.Env)
	cfg.LogFormat = getenv("LOG_FORMAT", "text")
	if cfg.Production && os.Getenv("LOG_FORMAT") == "" {
		cfg.LogFormat = "json"
	}

	var err error
	if cfg.NotificationQueueSize, err = getInt("ENTITLEKIT_NOTIFICATION_QUEUE", 256); err != nil {
		return nil, err
	}
	if cfg.SyncTimeout, err = getDuration("ENTITLEKIT_SYNC_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.OverrideCacheTTL, err = getDuration("ENTITLEKIT_OVERRIDE_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.SessionIdle, err = getDuration("ENTITLEKIT_SESSION_IDLE", 30*time.Minute); err != nil {
		return nil, err
	}
	ns := strings.TrimSpace(os.Getenv("ENTITLEKIT_TOKEN_NAMESPACE"))
	if ns == "" {
		return nil, errors.New("config: ENTITLEKIT_TOKEN_NAMESPACE is required")
	}
	if cfg.TokenNamespace, err = uuid.Parse(ns); err != nil {
		return nil, fmt.Errorf("config: ENTITLEKIT_TOKEN_NAMESPACE: %w", err)
	}
	if cfg.SyncMode != "inline" && cfg.SyncMode != "river" {
		return nil, fmt.Errorf("config: ENTITLEKIT_SYNC_MODE must be inline or river, got %q", cfg.SyncMode)
	}
	if cfg.SyncMode == "river" && cfg.DatabaseURL == "" {
		return nil, errors.New("config: river sync mode needs DATABASE_URL")
	}
	if cfg.Production && len(cfg.RootCertPaths) == 0 {
		return nil, errors.New("config: APPSTORE_ROOT_CERTS is required in production")
	}
	return cfg, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	l.SetLevel(lvl)
	if c.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// envName mirrors the ENV detection commonly used by services:
// ENV, APP_ENV, or ENVIRONMENT.
func envName() string {
	for _, k := range []string{"ENV", "APP_ENV", "ENVIRONMENT"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return strings.ToLower(v)
		}
	}
	return "development"
}

func isProd(env string) bool { return env == "production" || env == "prod" }

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
