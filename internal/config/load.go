package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PAYLEDGER_PROVIDER_TOKEN.
const EnvPrefix = "PAYLEDGER"

// envKeys are the settings that may be overridden from the environment.
var envKeys = []string{
	"database.path",
	"provider.name", "provider.base_url", "provider.token",
	"provider.client_id", "provider.client_secret", "provider.token_url",
	"provider.timeout", "provider.max_retries", "provider.rate_per_second", "provider.burst",
	"reconcile.window_days", "reconcile.concurrency", "reconcile.page_size",
	"reconcile.orphan_policy", "reconcile.partial_orphan_policy", "reconcile.ledger_only_policy",
	"payouts.concurrency", "payouts.email_subject",
	"recovery.outbox_path", "recovery.max_attempts",
	"webhook.addr",
	"archive.kind", "archive.dir", "archive.bucket", "archive.prefix", "archive.endpoint",
	"log.level", "log.format",
}

// Load reads path (optional) over DefaultConfig, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// viper lowercases map keys
	rates := make(map[string]string, len(cfg.FX.Rates))
	for pair, rate := range cfg.FX.Rates {
		rates[strings.ToUpper(pair)] = rate
	}
	cfg.FX.Rates = rates
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
