// Package config loads payledger configuration from YAML and PAYLEDGER_*
// environment variables and validates it against an embedded CUE schema.
package config

import (
	"time"
)

// Config is the complete runtime configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" json:"database"`
	Provider  ProviderConfig  `mapstructure:"provider" json:"provider"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" json:"reconcile"`
	Payouts   PayoutsConfig   `mapstructure:"payouts" json:"payouts"`
	Recovery  RecoveryConfig  `mapstructure:"recovery" json:"recovery"`
	Webhook   WebhookConfig   `mapstructure:"webhook" json:"webhook"`
	Archive   ArchiveConfig   `mapstructure:"archive" json:"archive"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	FX        FXConfig        `mapstructure:"fx" json:"fx"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// ProviderConfig describes the payment provider API. Either Token or the
// client credentials triple must be set.
type ProviderConfig struct {
	Name          string        `mapstructure:"name" json:"name"`
	BaseURL       string        `mapstructure:"base_url" json:"base_url"`
	Token         string        `mapstructure:"token" json:"token"`
	ClientID      string        `mapstructure:"client_id" json:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret" json:"client_secret"`
	TokenURL      string        `mapstructure:"token_url" json:"token_url"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" json:"max_retries"`
	RatePerSecond float64       `mapstructure:"rate_per_second" json:"rate_per_second"`
	Burst         int           `mapstructure:"burst" json:"burst"`
}

type ReconcileConfig struct {
	WindowDays          int      `mapstructure:"window_days" json:"window_days"`
	Concurrency         int      `mapstructure:"concurrency" json:"concurrency"`
	PageSize            int      `mapstructure:"page_size" json:"page_size"`
	WatchedEventCodes   []string `mapstructure:"watched_event_codes" json:"watched_event_codes"`
	OrphanPolicy        string   `mapstructure:"orphan_policy" json:"orphan_policy"`
	PartialOrphanPolicy string   `mapstructure:"partial_orphan_policy" json:"partial_orphan_policy"`
	LedgerOnlyPolicy    string   `mapstructure:"ledger_only_policy" json:"ledger_only_policy"`
}

type PayoutsConfig struct {
	Concurrency  int    `mapstructure:"concurrency" json:"concurrency"`
	EmailSubject string `mapstructure:"email_subject" json:"email_subject"`
}

type RecoveryConfig struct {
	OutboxPath  string `mapstructure:"outbox_path" json:"outbox_path"`
	MaxAttempts int    `mapstructure:"max_attempts" json:"max_attempts"`
}

type WebhookConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}

// ArchiveConfig selects where rendered reconciliation reports are kept.
// Kind is none, dir or gcs.
type ArchiveConfig struct {
	Kind   string `mapstructure:"kind" json:"kind"`
	Dir    string `mapstructure:"dir" json:"dir"`
	Bucket string `mapstructure:"bucket" json:"bucket"`
	Prefix string `mapstructure:"prefix" json:"prefix"`
	// Endpoint overrides the storage API endpoint, for emulators.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// FXConfig holds static rates keyed "FROM/TO".
type FXConfig struct {
	Rates map[string]string `mapstructure:"rates" json:"rates"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "payledger.db"},
		Provider: ProviderConfig{
			Name:          "paypal",
			BaseURL:       "https://api-m.sandbox.paypal.com",
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RatePerSecond: 10,
			Burst:         5,
		},
		Reconcile: ReconcileConfig{
			WindowDays:          31,
			Concurrency:         4,
			PageSize:            100,
			WatchedEventCodes:   []string{"T0002", "T0003", "T0006"},
			OrphanPolicy:        "refund_and_cancel",
			PartialOrphanPolicy: "backfill_and_cancel",
			LedgerOnlyPolicy:    "flag",
		},
		Payouts: PayoutsConfig{
			Concurrency:  4,
			EmailSubject: "You have received a payout",
		},
		Recovery: RecoveryConfig{
			OutboxPath:  "payledger-outbox.db",
			MaxAttempts: 5,
		},
		Webhook: WebhookConfig{Addr: ":8080"},
		Archive: ArchiveConfig{Kind: "none"},
		Log:     LogConfig{Level: "info", Format: "auto"},
		FX:      FXConfig{Rates: map[string]string{}},
	}
}
