package fanout

import (
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

const (
	// Runs are created per source event; keep their status bounded.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
	maxFailuresKept  = 200
)

type RunKind string

const (
	RunCreate RunKind = "create"
	RunUpdate RunKind = "update"
	RunDelete RunKind = "delete"
)

type RunState string

const (
	StateQueued    RunState = "queued"
	StateWaiting   RunState = "waiting_publish"
	StateRunning   RunState = "running"
	StateDone      RunState = "done"
	StateSkipped   RunState = "skipped"
	StateAbandoned RunState = "abandoned"
)

// RunStatus is the operator view of one fan-out run.
type RunStatus struct {
	ID              string
	Kind            RunKind
	State           RunState
	SourceMsgID     snowflake.ID
	SourceChannelID snowflake.ID
	Manual          bool

	Total     int
	Succeeded int
	Retrying  int
	Failed    int
	Pending   int
	// Failures lists the destination channels that failed terminally.
	Failures []snowflake.ID
	// Disabled counts the edges the health sweep turned off after this run.
	Disabled int
	Note     string

	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

// Elapsed is the running time, or the total time once done.
func (s RunStatus) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.DoneAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.DoneAt.Sub(s.StartedAt)
}

type statusBook struct {
	mu  sync.RWMutex
	m   map[string]*RunStatus
	max int
	ttl time.Duration
}

func newStatusBook() *statusBook {
	return &statusBook{m: map[string]*RunStatus{}, max: defaultStatusMax, ttl: defaultStatusTTL}
}

func (b *statusBook) add(st *RunStatus) {
	b.prune(st.CreatedAt)
	b.mu.Lock()
	b.m[st.ID] = st
	b.mu.Unlock()
}

func (b *statusBook) update(id string, fn func(*RunStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.m[id]; st != nil {
		fn(st)
	}
}

func (b *statusBook) get(id string) (RunStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.m[id]
	if !ok {
		return RunStatus{}, false
	}
	return st.clone(), true
}

// list returns every status, newest first.
func (b *statusBook) list() []RunStatus {
	b.mu.RLock()
	out := make([]RunStatus, 0, len(b.m))
	for _, st := range b.m {
		out = append(out, st.clone())
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (st *RunStatus) clone() RunStatus {
	cp := *st
	if len(st.Failures) > 0 {
		cp.Failures = append([]snowflake.ID(nil), st.Failures...)
	}
	return cp
}

func (b *statusBook) prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, st := range b.m {
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if now.Sub(ref) > b.ttl {
			delete(b.m, id)
		}
	}
	if len(b.m) < b.max {
		return
	}

	// Still full: drop the oldest, finished runs first.
	type kv struct {
		id   string
		done bool
		t    time.Time
	}
	items := make([]kv, 0, len(b.m))
	for id, st := range b.m {
		items = append(items, kv{id: id, done: !st.DoneAt.IsZero(), t: st.CreatedAt})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].done != items[j].done {
			return items[i].done
		}
		return items[i].t.Before(items[j].t)
	})
	excess := len(b.m) - b.max + 1
	for i := 0; i < excess && i < len(items); i++ {
		delete(b.m, items[i].id)
	}
}
