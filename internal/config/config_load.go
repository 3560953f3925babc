package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18850,
			RateLimitRPM: 30,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.concierge/concierge.db",
		},
		Dispatch: DispatchConfig{
			DebounceSeconds:      65,
			LockStalenessMinutes: 10,
			EventTTLMinutes:      5,
			SweepSchedule:        "*/5 * * * *",
		},
		Engine: EngineConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4.1-mini",
			TimeoutSeconds: 120,
		},
		Delivery: DeliveryConfig{
			Mode: "cloudapi",
		},
		Reconcile: ReconcileConfig{
			HistoryLimit: 50,
			MaxItems:     20,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets only live in env.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CONCIERGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("CONCIERGE_DB_DRIVER", &c.Database.Driver)
	envStr("CONCIERGE_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("CONCIERGE_VERIFY_TOKEN", &c.Gateway.VerifyToken)
	envStr("CONCIERGE_APP_SECRET", &c.Gateway.AppSecret)
	envInt("CONCIERGE_PORT", &c.Gateway.Port)

	envStr("CONCIERGE_ENGINE_API_KEY", &c.Engine.APIKey)
	envStr("CONCIERGE_ENGINE_BASE_URL", &c.Engine.BaseURL)
	envStr("CONCIERGE_ENGINE_MODEL", &c.Engine.Model)

	envStr("CONCIERGE_DELIVERY_ACCESS_TOKEN", &c.Delivery.AccessToken)
	envStr("CONCIERGE_DELIVERY_PHONE_NUMBER_ID", &c.Delivery.PhoneNumberID)
	envStr("CONCIERGE_DELIVERY_BRIDGE_URL", &c.Delivery.BridgeURL)

	envInt("CONCIERGE_DEBOUNCE_SECONDS", &c.Dispatch.DebounceSeconds)
	envInt("CONCIERGE_LOCK_STALENESS_MINUTES", &c.Dispatch.LockStalenessMinutes)
	envInt("CONCIERGE_EVENT_TTL_MINUTES", &c.Dispatch.EventTTLMinutes)
	envStr("CONCIERGE_SWEEP_SCHEDULE", &c.Dispatch.SweepSchedule)

	envStr("CONCIERGE_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
}

// DebounceWindow returns the debounce quiet period as a duration.
func (c *DispatchConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// LockStaleness returns the lock staleness threshold as a duration.
func (c *DispatchConfig) LockStaleness() time.Duration {
	return time.Duration(c.LockStalenessMinutes) * time.Minute
}

// EventTTL returns the buffered-event TTL as a duration.
func (c *DispatchConfig) EventTTL() time.Duration {
	return time.Duration(c.EventTTLMinutes) * time.Minute
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
