package fanout

import (
	"math/rand/v2"
	"time"
)

// Window is a closed range of delays; Pick draws uniformly from it.
type Window struct {
	Min time.Duration
	Max time.Duration
}

func (w Window) Pick() time.Duration {
	if w.Max <= w.Min {
		return w.Min
	}
	return w.Min + rand.N(w.Max-w.Min+1)
}

type Config struct {
	// MaxRetries is how often a failed kernel is relaunched before it is terminal.
	MaxRetries int
	// PollInterval bounds how long results are collected before progress is flushed.
	PollInterval time.Duration
	// RetryDelay applies to create and delete runs.
	RetryDelay Window
	// UpdateRetryDelay is longer since edit rate limits recover slowly.
	UpdateRetryDelay Window

	CrosspostAttempts int
	CrosspostBackoff  time.Duration

	// PublishWait bounds the wait for an unpublished announcement.
	PublishWait time.Duration
	// ResolveBackoff is the first delay after a failed destination lookup.
	ResolveBackoff time.Duration
	// ResolveBackoffMax caps the lookup backoff.
	ResolveBackoffMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        2,
		PollInterval:      10 * time.Second,
		RetryDelay:        Window{Min: 180 * time.Second, Max: 300 * time.Second},
		UpdateRetryDelay:  Window{Min: 600 * time.Second, Max: 1800 * time.Second},
		CrosspostAttempts: 3,
		CrosspostBackoff:  30 * time.Second,
		PublishWait:       12 * time.Hour,
		ResolveBackoff:    30 * time.Second,
		ResolveBackoffMax: 10 * time.Minute,
	}
}

// normalize fills zero fields from DefaultConfig. MaxRetries may be zero.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryDelay.Max <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.UpdateRetryDelay.Max <= 0 {
		c.UpdateRetryDelay = d.UpdateRetryDelay
	}
	if c.CrosspostAttempts <= 0 {
		c.CrosspostAttempts = d.CrosspostAttempts
	}
	if c.CrosspostBackoff <= 0 {
		c.CrosspostBackoff = d.CrosspostBackoff
	}
	if c.PublishWait <= 0 {
		c.PublishWait = d.PublishWait
	}
	if c.ResolveBackoff <= 0 {
		c.ResolveBackoff = d.ResolveBackoff
	}
	if c.ResolveBackoffMax < c.ResolveBackoff {
		c.ResolveBackoffMax = max(d.ResolveBackoffMax, c.ResolveBackoff)
	}
	return c
}
