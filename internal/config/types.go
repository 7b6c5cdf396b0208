package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "5m"); an empty string means the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Execution ExecutionConfig `json:"execution"`
	Retry     RetryConfig     `json:"retry"`
	Monitor   MonitorConfig   `json:"monitor"`
	Nodes     NodesConfig     `json:"nodes"`
	// Notifier defaults to enabled with only the LOG channel when omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     HTTPConfig      `json:"http"`
	Tracing  TracingConfig   `json:"tracing"`

	// Tenants are ensured to exist at startup.
	Tenants []TenantSeed `json:"tenants,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/skytask.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://skytask@db/skytask?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for CRON tasks that carry none (IANA name, "" = Local).
	Timezone     string `json:"timezone,omitempty"`
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

// DispatchConfig sizes the worker pool.
//
// Defaults: workers 8, queue_size 200, queue_full_policy "reject", history_size 200.
type DispatchConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	QueueFullPolicy string `json:"queue_full_policy,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
}

type ExecutionConfig struct {
	DefaultTimeout string `json:"default_timeout,omitempty"`
	DefaultBackoff string `json:"default_backoff,omitempty"`
	LockWait       string `json:"lock_wait,omitempty"`
	LockHold       string `json:"lock_hold,omitempty"`
	// CallbackTimeout is how long an async-accepted instance waits for its
	// worker callback; empty means the task timeout.
	CallbackTimeout string `json:"callback_timeout,omitempty"`
	// HardDeadline is a pointer so an omitted key keeps the default (true).
	HardDeadline *bool `json:"hard_deadline,omitempty"`
}

type RetryConfig struct {
	DefaultPolicy string `json:"default_policy,omitempty"`
	// MaxAttempts is the maxRetry given to tasks created without one.
	MaxAttempts *int   `json:"max_attempts,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

type MonitorConfig struct {
	Window string `json:"window,omitempty"`
	// FailureRateThreshold is a percentage (0-100).
	FailureRateThreshold float64  `json:"failure_rate_threshold,omitempty"`
	MinSamples           int      `json:"min_samples,omitempty"`
	Cooldown             string   `json:"cooldown,omitempty"`
	Channels             []string `json:"channels,omitempty"`
}

type NodesConfig struct {
	HeartbeatTimeout    string         `json:"heartbeat_timeout,omitempty"`
	HealthCheckInterval string         `json:"health_check_interval,omitempty"`
	Shards              int            `json:"shards,omitempty"`
	Self                SelfNodeConfig `json:"self"`
}

// SelfNodeConfig makes this process heartbeat itself into the fleet.
type SelfNodeConfig struct {
	Enabled  bool   `json:"enabled"`
	ID       string `json:"id,omitempty"` // default: hostname
	Cluster  string `json:"cluster,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool            `json:"enabled"`
	Channels        []string        `json:"channels,omitempty"`
	Workers         int             `json:"workers,omitempty"`
	QueueSize       int             `json:"queue_size,omitempty"`
	RatePerSec      int             `json:"rate_per_sec,omitempty"`
	RetryMax        int             `json:"retry_max,omitempty"`
	RetryBase       string          `json:"retry_base,omitempty"`
	RetryMaxDelay   string          `json:"retry_max_delay,omitempty"`
	SendTimeout     string          `json:"send_timeout,omitempty"`
	DedupWindow     string          `json:"dedup_window,omitempty"`
	DedupMaxEntries int             `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool            `json:"persist_dedup,omitempty"`
	Email           *EmailConfig    `json:"email,omitempty"`
	Telegram        *TelegramConfig `json:"telegram,omitempty"`
	Webhook         *WebhookConfig  `json:"webhook,omitempty"`
}

type EmailConfig struct {
	SMTPAddr   string   `json:"smtp_addr"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"` // do not log
}

type TelegramConfig struct {
	Token    string `json:"token"` // do not log
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type WebhookConfig struct {
	URL string `json:"url"`
}

// HTTPConfig controls the API server.
//
// Security:
//   - Prefer binding to localhost (the default addr).
//   - A non-loopback addr needs a token or an explicit allow_insecure.
//   - pprof is mounted under /debug/pprof/ only when enabled.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token, do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type TracingConfig struct {
	// Exporter is "none" or "stdout".
	Exporter string `json:"exporter,omitempty"`
}

type TenantSeed struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}
