package app

import (
	"conduction/internal/config"
	"conduction/internal/mirror/fanout"
	"conduction/internal/mirror/health"
	"conduction/internal/mirror/progress"
	"conduction/internal/storage"
	"conduction/internal/task/scheduler"
)

func mapStorageConfig(rt *config.Runtime) storage.Config {
	return storage.Config{
		Driver:          rt.StorageDriver,
		Path:            rt.StoragePath,
		DSN:             rt.StorageDSN,
		BusyTimeout:     rt.BusyTimeout,
		MaxOpenConns:    rt.MaxOpenConns,
		ConnMaxLifetime: rt.ConnMaxLifetime,
	}
}

func mapEngineConfig(m config.Mirror) fanout.Config {
	c := fanout.DefaultConfig()
	c.MaxRetries = m.MaxRetries
	c.PollInterval = m.PollInterval
	c.RetryDelay = fanout.Window(m.RetryDelay)
	c.UpdateRetryDelay = fanout.Window(m.UpdateRetryDelay)
	c.CrosspostAttempts = m.CrosspostAttempts
	c.CrosspostBackoff = m.CrosspostBackoff
	c.PublishWait = m.PublishWait
	return c
}

func mapHealthPolicy(m config.Mirror) health.Policy {
	return health.Policy{Enabled: m.DisableEnabled, Threshold: m.DisableThreshold}
}

func mapProgressConfig(rt *config.Runtime) progress.Config {
	return progress.Config{
		Channel:   rt.LogChannel,
		Attempts:  rt.Mirror.ProgressAttempts,
		RetryBase: rt.Mirror.ProgressRetryBase,
	}
}

func mapSchedulerConfig(rt *config.Runtime) scheduler.Config {
	return scheduler.Config{Enabled: rt.SchedulerEnabled, Location: rt.Location}
}
