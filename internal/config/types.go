package config

// Config is the on-disk configuration. IDs are decimal strings so that JSON
// and YAML readers never round them through float64.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "3m").
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Mirror    MirrorConfig    `json:"mirror"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Debug     DebugConfig     `json:"debug"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// LogChannelID receives progress cards. Empty disables them.
	LogChannelID string `json:"log_channel_id,omitempty"`
	// AlertsChannelID receives alerts and WARN+ log lines.
	AlertsChannelID string `json:"alerts_channel_id,omitempty"`
	AlertRatePerSec float64 `json:"alert_rate_per_sec,omitempty"`

	// ControlGuildIDs are the servers owning the followable channels.
	ControlGuildIDs []string `json:"control_guild_ids,omitempty"`
	Followables     []string `json:"followables,omitempty"`

	MaxAttachmentBytes int    `json:"max_attachment_bytes,omitempty"`
	DownloadTimeout    string `json:"download_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChannel forwards log lines to discord.alerts_channel_id.
type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the relational store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./conduction.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/mirror?sslmode=disable" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`

	MaxOpenConns    int    `json:"max_open_conns,omitempty"`
	ConnMaxLifetime string `json:"conn_max_lifetime,omitempty"`
}

// MirrorConfig tunes the fan-out engine. Every field is hot reloadable
// except the rate limiter.
type MirrorConfig struct {
	// MaxRetries is a pointer so an explicit 0 (no retries) differs from "omitted".
	MaxRetries        *int         `json:"max_retries,omitempty"`
	PollInterval      string       `json:"poll_interval,omitempty"`
	RetryDelay        WindowConfig `json:"retry_delay"`
	UpdateRetryDelay  WindowConfig `json:"update_retry_delay"`
	CrosspostAttempts int          `json:"crosspost_attempts,omitempty"`
	CrosspostBackoff  string       `json:"crosspost_backoff,omitempty"`
	PublishWait       string       `json:"publish_wait,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit"`
	Disable   DisableConfig   `json:"disable"`
	Tracing   TracingConfig   `json:"tracing"`
	Progress  ProgressConfig  `json:"progress"`
}

type WindowConfig struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type RateLimitConfig struct {
	Slots    int    `json:"slots,omitempty"`
	Cooldown string `json:"cooldown,omitempty"`
}

// DisableConfig is the auto-disable policy run after every create.
type DisableConfig struct {
	Enabled   bool `json:"enabled"`
	Threshold int  `json:"threshold,omitempty"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

type ProgressConfig struct {
	Attempts  int    `json:"attempts,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
}

// SchedulerConfig controls the maintenance jobs.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Prune      PruneJob      `json:"prune"`
	Population PopulationJob `json:"population"`
}

// PruneJob deletes delivery records older than MaxAge.
type PruneJob struct {
	Schedule string `json:"schedule,omitempty"` // default "@daily"
	MaxAge   string `json:"max_age,omitempty"`  // default "504h"
	// Jitter delays each run by a random amount in [jitter_min, jitter_max].
	JitterMin string `json:"jitter_min,omitempty"`
	JitterMax string `json:"jitter_max,omitempty"`
}

type PopulationJob struct {
	Schedule string `json:"schedule,omitempty"` // default "@weekly"
	// RunOnStart refreshes once right after startup.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (health, status, pprof).
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // do not log
	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
