package eventbus

import (
	"context"
	"time"
)

// WaitResult tags how an Expectation ended.
type WaitResult int

const (
	WaitConfirmed WaitResult = iota
	WaitTimedOut
	WaitCanceled
)

func (r WaitResult) String() string {
	switch r {
	case WaitConfirmed:
		return "confirmed"
	case WaitTimedOut:
		return "timed_out"
	default:
		return "canceled"
	}
}

// Expectation is a one-shot predicate subscription. It is registered when
// created, so events published between Expect and Wait are not lost.
type Expectation struct {
	ch    <-chan Event
	unsub func()
}

func Expect(b Bus, match Match) *Expectation {
	ch, unsub := b.SubscribeMatching(1, match)
	return &Expectation{ch: ch, unsub: unsub}
}

// Wait blocks until a matching event arrives, timeout elapses or ctx ends.
// A non-positive timeout waits on ctx alone. The subscription is released
// before Wait returns.
func (x *Expectation) Wait(ctx context.Context, timeout time.Duration) (Event, WaitResult) {
	defer x.unsub()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	select {
	case e, ok := <-x.ch:
		if !ok {
			return Event{}, WaitCanceled
		}
		return e, WaitConfirmed
	case <-deadline:
		return Event{}, WaitTimedOut
	case <-ctx.Done():
		return Event{}, WaitCanceled
	}
}

// Cancel releases the subscription without waiting.
func (x *Expectation) Cancel() { x.unsub() }
