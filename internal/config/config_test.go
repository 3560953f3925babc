package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 18850 {
		t.Errorf("default port = %d, want 18850", cfg.Gateway.Port)
	}
	if cfg.Dispatch.DebounceSeconds != 65 {
		t.Errorf("default debounce = %d, want 65", cfg.Dispatch.DebounceSeconds)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are allowed.
	content := `{
		// local override
		gateway: { port: 9000, },
		dispatch: { debounce_seconds: 5 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	if cfg.Dispatch.DebounceSeconds != 5 {
		t.Errorf("debounce = %d, want 5", cfg.Dispatch.DebounceSeconds)
	}
	// Untouched sections keep their defaults.
	if cfg.Dispatch.LockStalenessMinutes != 10 {
		t.Errorf("staleness = %d, want default 10", cfg.Dispatch.LockStalenessMinutes)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 9000}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONCIERGE_PORT", "9100")
	t.Setenv("CONCIERGE_ENGINE_API_KEY", "sk-test")
	t.Setenv("CONCIERGE_DEBOUNCE_SECONDS", "7")
	t.Setenv("CONCIERGE_EVENT_TTL_MINUTES", "9")
	t.Setenv("CONCIERGE_SWEEP_SCHEDULE", "*/2 * * * *")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.Gateway.Port)
	}
	if cfg.Engine.APIKey != "sk-test" {
		t.Errorf("api key not taken from env")
	}
	if cfg.Dispatch.DebounceSeconds != 7 {
		t.Errorf("debounce = %d, want 7", cfg.Dispatch.DebounceSeconds)
	}
	if cfg.Dispatch.EventTTLMinutes != 9 {
		t.Errorf("event ttl = %d, want 9", cfg.Dispatch.EventTTLMinutes)
	}
	if cfg.Dispatch.SweepSchedule != "*/2 * * * *" {
		t.Errorf("sweep schedule = %q, want */2 * * * *", cfg.Dispatch.SweepSchedule)
	}
}

func TestDurationHelpers(t *testing.T) {
	d := DispatchConfig{DebounceSeconds: 65, LockStalenessMinutes: 10, EventTTLMinutes: 5}
	if got := d.DebounceWindow(); got != 65*time.Second {
		t.Errorf("DebounceWindow = %v", got)
	}
	if got := d.LockStaleness(); got != 10*time.Minute {
		t.Errorf("LockStaleness = %v", got)
	}
	if got := d.EventTTL(); got != 5*time.Minute {
		t.Errorf("EventTTL = %v", got)
	}
}
