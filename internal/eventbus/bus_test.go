package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribeMatchingFilters(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeMatching(4, func(e Event) bool { return e.Type == "keep" })
	defer unsub()

	b.Publish(Event{Type: "drop"})
	b.Publish(Event{Type: "keep", Data: 1})

	select {
	case e := <-ch:
		if e.Type != "keep" || e.Data != 1 || e.Time.IsZero() {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestExpectWait(t *testing.T) {
	b := New()
	ctx := context.Background()

	x := Expect(b, func(e Event) bool { return e.Data == 7 })
	// Published before Wait: must still be observed.
	b.Publish(Event{Type: "m", Data: 7})
	if e, res := x.Wait(ctx, time.Second); res != WaitConfirmed || e.Data != 7 {
		t.Fatalf("res=%v event=%+v", res, e)
	}

	x = Expect(b, func(e Event) bool { return e.Data == 8 })
	b.Publish(Event{Type: "m", Data: 7})
	if _, res := x.Wait(ctx, 20*time.Millisecond); res != WaitTimedOut {
		t.Fatalf("res=%v want timed out", res)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	x = Expect(b, func(Event) bool { return true })
	if _, res := x.Wait(cctx, time.Hour); res != WaitCanceled {
		t.Fatalf("res=%v want canceled", res)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	for i := 0; i < 50; i++ {
		_, unsub := b.Subscribe(1)
		go unsub()
		b.Publish(Event{Type: "x"})
	}
}
