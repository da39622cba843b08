package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// spreadInterval keeps interval jobs registered together from firing in the same instant.
func spreadInterval(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base, 0
	}
	jitter := rand.N(spreadMax)
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

// Window is a closed range for the random start delay of a job run.
type Window struct {
	Min time.Duration
	Max time.Duration
}

func (w Window) pick() time.Duration {
	if w.Max <= w.Min {
		return max(w.Min, 0)
	}
	return w.Min + rand.N(w.Max-w.Min+1)
}
