// Package config aggregates storycoinsd runtime settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storycoins/internal/gateway/midtrans"
	"github.com/MarkoPoloResearchLab/storycoins/internal/reconciler"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/storycoins.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7000"
	defaultAllowedOrigin  = "http://localhost:5173"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultRequestTimeout = 10 * time.Second
	defaultLogLevel       = "info"
	defaultKafkaTopic     = "storycoins.events"
	maxSnowflakeNode      = 1023
)

// Config aggregates runtime settings for the service.
type Config struct {
	DatabaseURL    string
	StoreDriver    string
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration
	LogLevel       string

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	MidtransServerKey         string
	MidtransClientKey         string
	MidtransSnapBaseURL       string
	MidtransAPIBaseURL        string
	MidtransFinishRedirectURL string
	GatewayTimeout            time.Duration
	OrderRefNode              int64

	ReconcileInterval       time.Duration
	ReconcileGrace          time.Duration
	IntentTTL               time.Duration
	ReconcileInitialBackoff time.Duration
	ReconcileBackoffFactor  float64
	ReconcileMaxAttempts    int
	ReconcilePoolSize       int

	KafkaBrokers []string
	KafkaTopic   string
}

// Validate fills defaults and rejects missing secrets.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.MidtransSnapBaseURL = defaultIfEmpty(cfg.MidtransSnapBaseURL, midtrans.DefaultSnapBaseURL)
	cfg.MidtransAPIBaseURL = defaultIfEmpty(cfg.MidtransAPIBaseURL, midtrans.DefaultAPIBaseURL)
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultRequestTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = reconciler.DefaultInterval
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = reconciler.DefaultGrace
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = reconciler.DefaultTTL
	}
	if cfg.ReconcileInitialBackoff <= 0 {
		cfg.ReconcileInitialBackoff = reconciler.DefaultInitialBackoff
	}
	if cfg.ReconcileBackoffFactor < 1 {
		cfg.ReconcileBackoffFactor = reconciler.DefaultBackoffFactor
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = reconciler.DefaultMaxAttempts
	}
	if cfg.ReconcilePoolSize <= 0 {
		cfg.ReconcilePoolSize = reconciler.DefaultPoolSize
	}
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)

	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("store driver must be %q or %q, got %q", StoreDriverGorm, StoreDriverPgx, cfg.StoreDriver)
	}
	if cfg.StoreDriver == StoreDriverPgx && !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPgx)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.MidtransServerKey) == "" {
		return fmt.Errorf("midtrans server key is required")
	}
	if strings.TrimSpace(cfg.MidtransClientKey) == "" {
		return fmt.Errorf("midtrans client key is required")
	}
	if cfg.OrderRefNode < 0 || cfg.OrderRefNode > maxSnowflakeNode {
		return fmt.Errorf("order ref node must be within 0-%d", maxSnowflakeNode)
	}
	if cfg.ReconcileGrace >= cfg.IntentTTL {
		return fmt.Errorf("reconcile grace %s must be shorter than intent ttl %s", cfg.ReconcileGrace, cfg.IntentTTL)
	}
	return nil
}

// ReconcilerConfig projects the reconciler settings.
func (cfg Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Interval:       cfg.ReconcileInterval,
		Grace:          cfg.ReconcileGrace,
		TTL:            cfg.IntentTTL,
		InitialBackoff: cfg.ReconcileInitialBackoff,
		BackoffFactor:  cfg.ReconcileBackoffFactor,
		MaxAttempts:    cfg.ReconcileMaxAttempts,
		PoolSize:       cfg.ReconcilePoolSize,
	}
}

// MidtransConfig projects the gateway settings.
func (cfg Config) MidtransConfig() midtrans.Config {
	return midtrans.Config{
		ServerKey:         cfg.MidtransServerKey,
		ClientKey:         cfg.MidtransClientKey,
		SnapBaseURL:       cfg.MidtransSnapBaseURL,
		APIBaseURL:        cfg.MidtransAPIBaseURL,
		FinishRedirectURL: cfg.MidtransFinishRedirectURL,
		Timeout:           cfg.GatewayTimeout,
	}
}

// ParseList splits a comma-delimited value into trimmed, non-empty items.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
