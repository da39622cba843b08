package config

import (
	"reflect"
	"sort"
	"strings"

	logx "conduction/pkg/logx"
)

// HotSections can be applied without a restart.
var HotSections = map[string]bool{"logging": true, "mirror": true}

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. Secrets (token, dsn) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Token != nd.Token ||
		strings.TrimSpace(od.LogChannelID) != strings.TrimSpace(nd.LogChannelID) ||
		strings.TrimSpace(od.AlertsChannelID) != strings.TrimSpace(nd.AlertsChannelID) ||
		od.AlertRatePerSec != nd.AlertRatePerSec ||
		!reflect.DeepEqual(od.ControlGuildIDs, nd.ControlGuildIDs) ||
		!reflect.DeepEqual(od.Followables, nd.Followables) ||
		od.MaxAttachmentBytes != nd.MaxAttachmentBytes ||
		od.DownloadTimeout != nd.DownloadTimeout {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", od.Token != nd.Token),
			logx.Bool("discord.log_channel_set", strings.TrimSpace(nd.LogChannelID) != ""),
			logx.Bool("discord.alerts_channel_set", strings.TrimSpace(nd.AlertsChannelID) != ""),
			logx.Int("discord.followables", len(nd.Followables)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.channel_enabled", newCfg.Logging.Channel.Enabled),
		)
	}

	oldS, ns := oldCfg.Storage, newCfg.Storage
	if oldS != ns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_changed", oldS.DSN != ns.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mirror, newCfg.Mirror) {
		nm := newCfg.Mirror
		changed = append(changed, "mirror")
		attrs = append(attrs,
			logx.String("mirror.poll_interval", nm.PollInterval),
			logx.String("mirror.retry_delay", nm.RetryDelay.Min+".."+nm.RetryDelay.Max),
			logx.Bool("mirror.disable.enabled", nm.Disable.Enabled),
			logx.Int("mirror.disable.threshold", nm.Disable.Threshold),
			logx.Bool("mirror.rate_limit_changed", oldCfg.Mirror.RateLimit != nm.RateLimit),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.prune", newCfg.Scheduler.Prune.Schedule),
			logx.String("scheduler.population", newCfg.Scheduler.Population.Schedule),
		)
	}

	oDbg, nDbg := oldCfg.Debug, newCfg.Debug
	if oDbg != nDbg {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nDbg.Enabled),
			logx.String("debug.addr", nDbg.Addr),
			logx.Bool("debug.token_changed", oDbg.Token != nDbg.Token),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart lists changed sections that a reload cannot apply.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if !HotSections[c] {
			out = append(out, c)
		}
	}
	return out
}
