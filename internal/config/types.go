package config

// Config is the pushgate config file. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	APNs    APNsConfig    `json:"apns"`
	Engine  EngineConfig  `json:"engine"`
	Logging LoggingConfig `json:"logging"`
	Alert   AlertConfig   `json:"alert"`
	Storage StorageConfig `json:"storage"`
	Admin   AdminConfig   `json:"admin"`
}

// APNsConfig selects the environment and certificate. Host/port fields
// override the environment defaults.
type APNsConfig struct {
	Production bool `json:"production"`

	// CertFile is a PEM or .p12/.pfx bundle. KeyFile is only read for PEM
	// pairs kept in separate files.
	CertFile     string `json:"cert_file"`
	KeyFile      string `json:"key_file,omitempty"`
	CertPassword string `json:"cert_password,omitempty"` // prefer PUSHGATE_CERT_PASSWORD

	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	FeedbackHost string `json:"feedback_host,omitempty"`
	FeedbackPort int    `json:"feedback_port,omitempty"`

	SkipSsl                   bool `json:"skip_ssl,omitempty"`
	ValidateServerCertificate bool `json:"validate_server_certificate,omitempty"`
	SkipCertificateCheck      bool `json:"skip_certificate_check,omitempty"`

	ConnectionTimeout     string `json:"connection_timeout,omitempty"`
	MaxConnectionAttempts int    `json:"max_connection_attempts,omitempty"`
	ReconnectBackoff      string `json:"reconnect_backoff,omitempty"`
	DeclareSuccessAfter   string `json:"declare_success_after,omitempty"`
	CleanupInterval       string `json:"cleanup_interval,omitempty"`

	DisableFeedback  bool   `json:"disable_feedback,omitempty"`
	FeedbackInterval string `json:"feedback_interval,omitempty"`
	// FeedbackLocalTime reports feedback timestamps in local time instead of UTC.
	FeedbackLocalTime bool `json:"feedback_local_time,omitempty"`
}

// EngineConfig maps onto engine.Settings. Zero fields keep the defaults.
type EngineConfig struct {
	// AutoScale is a pointer so an omitted key keeps the default (on).
	AutoScale         *bool   `json:"auto_scale,omitempty"`
	MaxChannels       int     `json:"max_channels,omitempty"`
	MinAvgTimeToScale string  `json:"min_avg_time_to_scale,omitempty"`
	Channels          int     `json:"channels,omitempty"`
	MaxRequeues       int     `json:"max_requeues,omitempty"`
	SendTimeout       string  `json:"send_timeout,omitempty"`
	IdleTimeout       string  `json:"idle_timeout,omitempty"`
	ScaleInterval     string  `json:"scale_interval,omitempty"`
	SendRatePerSec    float64 `json:"send_rate_per_sec,omitempty"`
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

// AlertConfig sends exceptions (and optionally error logs) to a Telegram chat.
type AlertConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // prefer PUSHGATE_TELEGRAM_TOKEN
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinLevel    string `json:"min_level,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	// MirrorLogs forwards log lines at MinLevel and above.
	MirrorLogs bool `json:"mirror_logs,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pushgate.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none|file|sqlite|redis
	Path        string `json:"path,omitempty"`
	RedisURL    string `json:"redis_url,omitempty"` // prefer PUSHGATE_REDIS_URL
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// DeliveryLogMax caps the delivery log (redis only). 0 keeps the default.
	DeliveryLogMax int `json:"delivery_log_max,omitempty"`
}

// AdminConfig controls the HTTP admin server.
//
// Prefer binding to localhost: the intake endpoint has no auth of its own.
type AdminConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Pprof          bool   `json:"pprof,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}
