package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// API configures the remote service client (base URL, timeouts, backoff).
	API APIConfig `json:"api"`

	// Monitor configures the background monitoring loop.
	Monitor MonitorConfig `json:"monitor"`

	Storage  StorageConfig   `json:"storage"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// APIConfig controls the resilient request executor and the service client.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - base_url: the production allocation API
//   - site_check_url: the service root (availability probe target)
//   - request_timeout: "30s"
//   - max_retries: 3
//   - backoff_general: "5s"
//   - backoff_rate_limit: "1m"
//   - max_backoff_delay: "2m"
//   - requests_per_sec: 2
type APIConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	SiteCheckURL string `json:"site_check_url,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`

	BackoffGeneral   string `json:"backoff_general,omitempty"`
	BackoffRateLimit string `json:"backoff_rate_limit,omitempty"`
	MaxBackoffDelay  string `json:"max_backoff_delay,omitempty"`

	RequestsPerSec int `json:"requests_per_sec,omitempty"`
}

// MonitorConfig controls the monitoring loop.
//
// Defaults (when fields are omitted/zero):
//   - min_member_delay: "5s"
//   - max_member_delay: "10s"
//   - cycle_interval: "1m"
//   - site_check_interval: "1m"
//   - failure_ceiling: 5
//   - network_error_threshold: 3
//   - certificate_dir: "./certificates"
type MonitorConfig struct {
	Enabled bool `json:"enabled"`

	MinMemberDelay string `json:"min_member_delay,omitempty"`
	MaxMemberDelay string `json:"max_member_delay,omitempty"`
	CycleInterval  string `json:"cycle_interval,omitempty"`

	SiteCheckInterval string `json:"site_check_interval,omitempty"`

	// FailureCeiling is the per-member consecutive-failure circuit breaker.
	FailureCeiling int `json:"failure_ceiling,omitempty"`
	// NetworkErrorThreshold is the number of consecutive members that must
	// fail with transport errors before the loop enters connection-lost mode.
	NetworkErrorThreshold int `json:"network_error_threshold,omitempty"`

	CertificateDir string `json:"certificate_dir,omitempty"`

	// ExtraSweeps is an optional list of cron expressions; each trigger
	// starts an immediate sweep regardless of the cycle countdown.
	ExtraSweeps []string `json:"extra_sweeps,omitempty"`
}

// StorageConfig controls member persistence.
//
// Driver values:
//   - "file": atomic JSON snapshot (default)
//   - "sqlite": SQLite database file (optional build tag)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls the optional Telegram push notifier.
// If the whole section is omitted, notifications are disabled.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
