package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "discord": {
    "token": "abc",
    "log_channel_id": "1100",
    "alerts_channel_id": "1200",
    "control_guild_ids": ["10", "10", "11"],
    "followables": ["500"]
  },
  "logging": {"level": "debug", "console": true, "channel": {"enabled": true, "min_level": "warn"}},
  "storage": {"driver": "sqlite", "path": "./x.db"},
  "mirror": {
    "max_retries": 0,
    "poll_interval": "5s",
    "retry_delay": {"min": "1m", "max": "2m"},
    "disable": {"enabled": true}
  },
  "scheduler": {"enabled": true, "timezone": "UTC", "prune": {"schedule": "0 4 * * *"}}
}`

const sampleYAML = `
discord:
  token: abc
  alerts_channel_id: "1200"
storage:
  driver: postgres
  dsn: postgres://bot@localhost/mirror
mirror:
  update_retry_delay:
    min: 10m
    max: 30m
scheduler:
  population:
    schedule: interval:168h
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestResolveJSON(t *testing.T) {
	cfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.LogChannel != 1100 || rt.AlertsChannel != 1200 {
		t.Fatalf("channels: %d %d", rt.LogChannel, rt.AlertsChannel)
	}
	if len(rt.ControlGuilds) != 2 {
		t.Fatalf("duplicate guild ids must collapse: %v", rt.ControlGuilds)
	}
	m := rt.Mirror
	if m.MaxRetries != 0 {
		t.Fatalf("explicit max_retries 0 must be kept, got %d", m.MaxRetries)
	}
	if m.PollInterval != 5*time.Second || m.RetryDelay.Min != time.Minute || m.RetryDelay.Max != 2*time.Minute {
		t.Fatalf("mirror timings: %+v", m)
	}
	if m.UpdateRetryDelay.Min != 600*time.Second || m.PublishWait != 12*time.Hour {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if !m.DisableEnabled || m.DisableThreshold != 7 || m.Slots != 30 {
		t.Fatalf("policy defaults: %+v", m)
	}
	if !rt.Logging.Channel.Enabled || rt.Logging.Channel.ChannelID != 1200 {
		t.Fatalf("channel sink must target the alerts channel: %+v", rt.Logging.Channel)
	}
	if rt.Location.String() != "UTC" || rt.PruneSchedule != "0 4 * * *" || rt.PopSchedule != "@weekly" {
		t.Fatalf("scheduler: %v %q %q", rt.Location, rt.PruneSchedule, rt.PopSchedule)
	}
	if rt.PruneJitter.Min != 120*time.Second || rt.PruneJitter.Max != 1800*time.Second {
		t.Fatalf("prune jitter: %+v", rt.PruneJitter)
	}
}

func TestResolveYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rt.StorageDriver != "postgres" || rt.Mirror.MaxRetries != 2 {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if rt.Mirror.UpdateRetryDelay.Max != 30*time.Minute || rt.PopSchedule != "interval:168h" {
		t.Fatalf("yaml values lost: %+v %q", rt.Mirror.UpdateRetryDelay, rt.PopSchedule)
	}
}

func TestResolveDebugBind(t *testing.T) {
	cfg, _ := Decode("c.json", []byte(sampleJSON))
	cfg.Debug = DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}
	if _, err := Resolve(cfg); err == nil || !strings.Contains(err.Error(), "debug.addr") {
		t.Fatalf("public bind without token accepted: %v", err)
	}
	cfg.Debug.Token = "s3cret"
	rt, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !rt.DebugEnabled || rt.Debug.Addr != "0.0.0.0:6060" {
		t.Fatalf("debug: %+v", rt.Debug)
	}
	cfg.Debug = DebugConfig{}
	if rt, _ = Resolve(cfg); rt.Debug.Addr != "127.0.0.1:6060" {
		t.Fatalf("default addr %q", rt.Debug.Addr)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"discord":{"token":"x","tokn":"y"}}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("trailing data accepted")
	}
	if _, err := Decode("c.yml", []byte("storage: [")); err == nil {
		t.Fatalf("broken yaml accepted")
	}
}

func TestResolveCollectsFieldErrors(t *testing.T) {
	cfg := &Config{
		Discord: DiscordConfig{Token: "t", LogChannelID: "nope"},
		Logging: LoggingConfig{Level: "loud"},
		Storage: StorageConfig{Driver: "sqlite"},
		Mirror: MirrorConfig{
			PollInterval: "-1s",
			RetryDelay:   WindowConfig{Min: "5m", Max: "1m"},
		},
		Scheduler: SchedulerConfig{Prune: PruneJob{Schedule: "whenever"}},
	}
	_, err := Resolve(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{
		"discord.log_channel_id", "logging.level", "storage.path",
		"mirror.poll_interval", "mirror.retry_delay", "scheduler.prune.schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if _, err := Resolve(&Config{}); err == nil || !strings.Contains(err.Error(), "discord.token") {
		t.Fatalf("missing token must be reported first, got %v", err)
	}
}

func TestReloadSkipsUnchangedAndHonoursValidator(t *testing.T) {
	path := writeFile(t, "conduction.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	if published, err := m.Reload(context.Background()); err != nil || published {
		t.Fatalf("unchanged reload published=%v err=%v", published, err)
	}

	changed := strings.Replace(sampleJSON, `"poll_interval": "5s"`, `"poll_interval": "7s"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	reject := errors.New("nope")
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return reject })
	if _, err := m.Reload(context.Background()); !errors.Is(err, reject) {
		t.Fatalf("validator error not surfaced: %v", err)
	}
	if m.Get().Mirror.PollInterval != "5s" {
		t.Fatalf("rejected config was committed")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		_, err := Resolve(cfg)
		return err
	})
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("changed reload published=%v err=%v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Mirror.PollInterval != "7s" {
			t.Fatalf("subscriber got %q", cfg.Mirror.PollInterval)
		}
	default:
		t.Fatalf("subscriber not notified")
	}
	m.Unsubscribe(sub)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "conduction.json", sampleJSON)
	m := NewConfigManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	changed := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "info"`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "info" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not publish the edit")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a, _ := Decode("c.json", []byte(sampleJSON))
	b, _ := Decode("c.json", []byte(sampleJSON))
	b.Discord.Token = "rotated"
	b.Mirror.Disable.Threshold = 9

	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "discord,mirror" {
		t.Fatalf("changed=%v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := NeedsRestart(changed); len(got) != 1 || got[0] != "discord" {
		t.Fatalf("NeedsRestart=%v", got)
	}
}
