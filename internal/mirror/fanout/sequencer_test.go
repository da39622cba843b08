package fanout

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSequencerRunsSameKeyInArrivalOrder(t *testing.T) {
	s := newSequencer()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	tickets := make([]*ticket, 5)
	for i := range tickets {
		tickets[i] = s.enter(1)
	}
	// Start them in reverse; they must still run 0..4.
	for i := len(tickets) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := tickets[i].wait(ctx); err != nil {
				t.Errorf("wait: %v", err)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			tickets[i].leave()
		}(i)
	}
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("order=%v", order)
		}
	}
	if s.len() != 0 {
		t.Fatalf("sequencer kept %d keys", s.len())
	}
}

func TestSequencerKeysAreIndependent(t *testing.T) {
	s := newSequencer()
	first := s.enter(1)
	other := s.enter(2)
	if err := other.wait(context.Background()); err != nil {
		t.Fatalf("other key blocked: %v", err)
	}
	other.leave()

	blocked := s.enter(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := blocked.wait(ctx); err == nil {
		t.Fatalf("second ticket ran before the first left")
	}
	first.leave()
	if err := blocked.wait(context.Background()); err != nil {
		t.Fatalf("wait after leave: %v", err)
	}
	blocked.leave()
}
