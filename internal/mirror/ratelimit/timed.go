// Package ratelimit bounds outbound calls with a timed semaphore.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultSlots    = 30
	DefaultCooldown = time.Second
)

// TimedSemaphore hands out a fixed number of slots. A released slot becomes
// available again only after the cooldown, so no more than Slots acquisitions
// start within any window of Cooldown. Waiters are served in arrival order.
type TimedSemaphore struct {
	sem      *semaphore.Weighted
	slots    int
	cooldown time.Duration

	held    atomic.Int64
	cooling atomic.Int64
}

// New returns a TimedSemaphore. Non-positive slots and a negative cooldown
// fall back to the defaults; a zero cooldown frees slots on release.
func New(slots int, cooldown time.Duration) *TimedSemaphore {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	return &TimedSemaphore{
		sem:      semaphore.NewWeighted(int64(slots)),
		slots:    slots,
		cooldown: cooldown,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *TimedSemaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held.Add(1)
	return nil
}

// Release gives the slot back once the cooldown has elapsed. It never blocks.
func (s *TimedSemaphore) Release() {
	s.held.Add(-1)
	if s.cooldown <= 0 {
		s.sem.Release(1)
		return
	}
	s.cooling.Add(1)
	time.AfterFunc(s.cooldown, func() {
		s.cooling.Add(-1)
		s.sem.Release(1)
	})
}

// Do runs fn while holding a slot.
func (s *TimedSemaphore) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx)
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	Slots    int
	Held     int
	Cooling  int
	Cooldown time.Duration
}

func (s *TimedSemaphore) Stats() Stats {
	return Stats{
		Slots:    s.slots,
		Held:     int(s.held.Load()),
		Cooling:  int(s.cooling.Load()),
		Cooldown: s.cooldown,
	}
}
