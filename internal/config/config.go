package config

// Config is the root configuration for the concierge gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Engine    EngineConfig    `json:"engine"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Tracing   TracingConfig   `json:"tracing"`
}

// GatewayConfig configures the inbound webhook HTTP server.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	VerifyToken  string `json:"verify_token"`  // webhook GET handshake token
	AppSecret    string `json:"app_secret"`    // X-Hub-Signature-256 HMAC secret (empty = skip check)
	RateLimitRPM int    `json:"rate_limit_rpm"` // per-sender inbound rate limit
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver      string `json:"driver"` // "postgres" or "sqlite"
	PostgresDSN string `json:"-"`      // secret, env only: CONCIERGE_POSTGRES_DSN
	SQLitePath  string `json:"sqlite_path"`
}

// DispatchConfig holds the linearization policy constants. These were
// tuned empirically in production; all of them are deliberately tunables
// rather than hard-coded behavior.
type DispatchConfig struct {
	DebounceSeconds      int    `json:"debounce_seconds"`       // quiet period before a batch is ready
	LockStalenessMinutes int    `json:"lock_staleness_minutes"` // lock age treated as a crashed owner
	EventTTLMinutes      int    `json:"event_ttl_minutes"`      // buffered events older than this are dropped at startup
	SweepSchedule        string `json:"sweep_schedule"`         // cron expression for the periodic orphan sweep
}

// EngineConfig configures the completion-engine collaborator.
type EngineConfig struct {
	BaseURL          string `json:"base_url"`
	APIKey           string `json:"-"` // secret, env only: CONCIERGE_ENGINE_API_KEY
	Model            string `json:"model"`
	InstructionsPath string `json:"instructions_path"` // system instructions file, hot-reloaded
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// DeliveryConfig configures how replies reach the customer.
type DeliveryConfig struct {
	Mode          string `json:"mode"` // "cloudapi" or "bridge"
	AccessToken   string `json:"-"`    // secret, env only: CONCIERGE_DELIVERY_ACCESS_TOKEN
	PhoneNumberID string `json:"phone_number_id"`
	BridgeURL     string `json:"bridge_url"`
}

// ReconcileConfig bounds the gap-reconciliation window contents.
type ReconcileConfig struct {
	HistoryBaseURL string `json:"history_base_url"`
	HistoryLimit   int    `json:"history_limit"` // items fetched from the history collaborator
	MaxItems       int    `json:"max_items"`     // cap on items rendered into the batch prefix
}

// TracingConfig enables OTLP trace export when an endpoint is set.
type TracingConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint"`
}
