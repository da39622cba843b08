package fanout

import (
	"context"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// sequencer orders runs per source message: a run waits for every run that
// entered before it for the same message. Runs for different messages do not wait.
type sequencer struct {
	mu    sync.Mutex
	tails map[snowflake.ID]*ticket
}

type ticket struct {
	s    *sequencer
	key  snowflake.ID
	prev <-chan struct{}
	done chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{tails: map[snowflake.ID]*ticket{}}
}

// enter takes the next place in the queue of key. It never blocks.
func (s *sequencer) enter(key snowflake.ID) *ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &ticket{s: s, key: key, done: make(chan struct{})}
	if prev := s.tails[key]; prev != nil {
		t.prev = prev.done
	}
	s.tails[key] = t
	return t
}

// wait blocks until every earlier ticket of the same key is done.
func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// leave releases the next ticket. Safe to call once.
func (t *ticket) leave() {
	t.s.mu.Lock()
	if t.s.tails[t.key] == t {
		delete(t.s.tails, t.key)
	}
	t.s.mu.Unlock()
	close(t.done)
}

func (s *sequencer) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}
