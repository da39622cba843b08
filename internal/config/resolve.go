package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/observability/debughttp"
	"conduction/internal/task/scheduler"
	logx "conduction/pkg/logx"
)

// Runtime is a validated Config with every string field parsed.
type Runtime struct {
	Token           string
	LogChannel      snowflake.ID
	AlertsChannel   snowflake.ID
	AlertRatePerSec float64
	ControlGuilds   []snowflake.ID
	Followables     []snowflake.ID

	MaxAttachmentBytes int
	DownloadTimeout    time.Duration

	Logging logx.Config

	StorageDriver   string
	StoragePath     string
	StorageDSN      string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration

	Mirror Mirror

	SchedulerEnabled bool
	Location         *time.Location
	PruneSchedule    string
	PruneMaxAge      time.Duration
	PruneJitter      Window
	PopSchedule      string
	PopRunOnStart    bool

	Debug debughttp.Config
	// DebugEnabled starts the operator HTTP endpoint.
	DebugEnabled bool
}

type Mirror struct {
	MaxRetries        int
	PollInterval      time.Duration
	RetryDelay        Window
	UpdateRetryDelay  Window
	CrosspostAttempts int
	CrosspostBackoff  time.Duration
	PublishWait       time.Duration

	Slots    int
	Cooldown time.Duration

	DisableEnabled   bool
	DisableThreshold int

	Tracing bool

	ProgressAttempts  int
	ProgressRetryBase time.Duration
}

const (
	defaultPruneSchedule = "@daily"
	defaultPopSchedule   = "@weekly"
	defaultPruneMaxAge   = 21 * 24 * time.Hour
	defaultThreshold     = 7
)

// Resolve validates cfg and parses it. Errors name the offending field.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	rt := &Runtime{
		Token:              strings.TrimSpace(cfg.Discord.Token),
		AlertRatePerSec:    cfg.Discord.AlertRatePerSec,
		MaxAttachmentBytes: cfg.Discord.MaxAttachmentBytes,
		StorageDriver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		StoragePath:        strings.TrimSpace(cfg.Storage.Path),
		StorageDSN:         strings.TrimSpace(cfg.Storage.DSN),
		MaxOpenConns:       cfg.Storage.MaxOpenConns,
		SchedulerEnabled:   cfg.Scheduler.Enabled,
		PopRunOnStart:      cfg.Scheduler.Population.RunOnStart,
	}
	if rt.Token == "" {
		return nil, errors.New("discord.token: required")
	}

	var errs []error
	field := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		field(err)
		return d
	}
	id := func(path, raw string) snowflake.ID {
		v, err := ParseIDField(path, raw)
		field(err)
		return v
	}
	ids := func(path string, raw []string) []snowflake.ID {
		v, err := ParseIDList(path, raw)
		field(err)
		return v
	}
	window := func(path string, w WindowConfig, def Window) Window {
		v, err := ParseWindow(path, w, def)
		field(err)
		return v
	}

	rt.LogChannel = id("discord.log_channel_id", cfg.Discord.LogChannelID)
	rt.AlertsChannel = id("discord.alerts_channel_id", cfg.Discord.AlertsChannelID)
	rt.ControlGuilds = ids("discord.control_guild_ids", cfg.Discord.ControlGuildIDs)
	rt.Followables = ids("discord.followables", cfg.Discord.Followables)
	rt.DownloadTimeout = dur("discord.download_timeout", cfg.Discord.DownloadTimeout, time.Minute)
	if rt.AlertRatePerSec < 0 {
		field(errors.New("discord.alert_rate_per_sec: must be >= 0"))
	}

	lg := cfg.Logging
	if lg.Level != "" && !logx.ValidLevel(lg.Level) {
		field(fmt.Errorf("logging.level: unknown level %q", lg.Level))
	}
	if lg.Channel.MinLevel != "" && !logx.ValidLevel(lg.Channel.MinLevel) {
		field(fmt.Errorf("logging.channel.min_level: unknown level %q", lg.Channel.MinLevel))
	}
	rt.Logging = logx.Config{
		Level:   lg.Level,
		Console: lg.Console,
		File:    logx.FileConfig{Enabled: lg.File.Enabled, Path: lg.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    lg.Channel.Enabled && rt.AlertsChannel != 0,
			ChannelID:  rt.AlertsChannel,
			MinLevel:   lg.Channel.MinLevel,
			RatePerSec: lg.Channel.RatePerSec,
		},
	}

	switch rt.StorageDriver {
	case "sqlite", "sqlite3":
		if rt.StoragePath == "" {
			field(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql":
		if rt.StorageDSN == "" {
			field(errors.New("storage.dsn: required for postgres"))
		}
	default:
		field(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	rt.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	rt.ConnMaxLifetime = dur("storage.conn_max_lifetime", cfg.Storage.ConnMaxLifetime, 0)

	m := cfg.Mirror
	rt.Mirror = Mirror{
		MaxRetries:        2,
		PollInterval:      dur("mirror.poll_interval", m.PollInterval, 10*time.Second),
		RetryDelay:        window("mirror.retry_delay", m.RetryDelay, Window{Min: 180 * time.Second, Max: 300 * time.Second}),
		UpdateRetryDelay:  window("mirror.update_retry_delay", m.UpdateRetryDelay, Window{Min: 600 * time.Second, Max: 1800 * time.Second}),
		CrosspostAttempts: m.CrosspostAttempts,
		CrosspostBackoff:  dur("mirror.crosspost_backoff", m.CrosspostBackoff, 30*time.Second),
		PublishWait:       dur("mirror.publish_wait", m.PublishWait, 12*time.Hour),
		Slots:             m.RateLimit.Slots,
		Cooldown:          dur("mirror.rate_limit.cooldown", m.RateLimit.Cooldown, time.Second),
		DisableEnabled:    m.Disable.Enabled,
		DisableThreshold:  m.Disable.Threshold,
		Tracing:           m.Tracing.Enabled,
		ProgressAttempts:  m.Progress.Attempts,
		ProgressRetryBase: dur("mirror.progress.retry_base", m.Progress.RetryBase, 5*time.Second),
	}
	if m.MaxRetries != nil {
		if *m.MaxRetries < 0 {
			field(errors.New("mirror.max_retries: must be >= 0"))
		}
		rt.Mirror.MaxRetries = *m.MaxRetries
	}
	if rt.Mirror.CrosspostAttempts <= 0 {
		rt.Mirror.CrosspostAttempts = 3
	}
	if rt.Mirror.Slots <= 0 {
		rt.Mirror.Slots = 30
	}
	if rt.Mirror.DisableThreshold <= 0 {
		rt.Mirror.DisableThreshold = defaultThreshold
	}

	sc := cfg.Scheduler
	rt.Location = time.Local
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			field(fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			rt.Location = loc
		}
	}
	rt.PruneSchedule = orDefault(sc.Prune.Schedule, defaultPruneSchedule)
	rt.PopSchedule = orDefault(sc.Population.Schedule, defaultPopSchedule)
	field(checkSchedule("scheduler.prune.schedule", rt.PruneSchedule))
	field(checkSchedule("scheduler.population.schedule", rt.PopSchedule))
	rt.PruneMaxAge = dur("scheduler.prune.max_age", sc.Prune.MaxAge, defaultPruneMaxAge)
	rt.PruneJitter = window("scheduler.prune.jitter", WindowConfig{Min: sc.Prune.JitterMin, Max: sc.Prune.JitterMax},
		Window{Min: 120 * time.Second, Max: 1800 * time.Second})

	rt.DebugEnabled = cfg.Debug.Enabled
	rt.Debug = debughttp.Config{
		Addr:          orDefault(cfg.Debug.Addr, "127.0.0.1:6060"),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
	if rt.DebugEnabled {
		if err := debughttp.CheckBind(rt.Debug); err != nil {
			field(fmt.Errorf("debug.addr: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func checkSchedule(path, spec string) error {
	if err := scheduler.Validate(spec); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
