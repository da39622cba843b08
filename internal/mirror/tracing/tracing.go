// Package tracing discovers native follows of our announcement channels by
// watching crossposted copies arrive in other servers.
package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/eventbus"
	"conduction/internal/mirror/fanout"
	"conduction/internal/mirror/ratelimit"
	"conduction/internal/storage"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

type Registry interface {
	AddEdge(ctx context.Context, src, dest, group snowflake.ID, mode storage.Mode, enabled bool) error
	ListDestinations(ctx context.Context, src snowflake.ID, f storage.EdgeFilter) ([]snowflake.ID, error)
}

type Config struct {
	// Guilds whose channels can be followed.
	Guilds []snowflake.ID
	// Followables are the announcement channels to trace.
	Followables []snowflake.ID
}

// Tracer records follow-mode edges. Tracing is best effort, so it runs
// under its own one call per second limiter.
type Tracer struct {
	reg   Registry
	log   logx.Logger
	limit *ratelimit.TimedSemaphore

	guilds map[snowflake.ID]struct{}

	mu    sync.Mutex
	known map[snowflake.ID]map[snowflake.ID]struct{}
}

func New(reg Registry, cfg Config, log logx.Logger) *Tracer {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracer{
		reg:    reg,
		log:    log,
		limit:  ratelimit.New(1, time.Second),
		guilds: map[snowflake.ID]struct{}{},
		known:  map[snowflake.ID]map[snowflake.ID]struct{}{},
	}
	for _, g := range cfg.Guilds {
		t.guilds[g] = struct{}{}
	}
	for _, f := range cfg.Followables {
		t.known[f] = map[snowflake.ID]struct{}{}
	}
	return t
}

// Load preloads the follow edges of every followable channel, retrying
// each with exponential backoff until ctx ends.
func (t *Tracer) Load(ctx context.Context) error {
	t.mu.Lock()
	srcs := make([]snowflake.ID, 0, len(t.known))
	for src := range t.known {
		srcs = append(srcs, src)
	}
	t.mu.Unlock()

	filter := storage.EdgeFilter{Mode: storage.ModeFollow, Enabled: storage.Bool(true)}
	for _, src := range srcs {
		delay := time.Second
		for {
			dests, err := t.reg.ListDestinations(ctx, src, filter)
			if err == nil {
				t.mu.Lock()
				for _, d := range dests {
					t.known[src][d] = struct{}{}
				}
				t.mu.Unlock()
				break
			}
			t.log.Warn("loading traced follows failed", logx.ID("src", src), logx.Duration("retry_in", delay), logx.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil
}

// Observe records a follow edge when m is a crosspost of a traced channel.
// It reports whether a new edge was stored.
func (t *Tracer) Observe(ctx context.Context, m *transport.Message) (bool, error) {
	if m == nil || !m.IsCrosspost || m.Reference == nil {
		return false, nil
	}
	src, dest := m.Reference.ChannelID, m.ChannelID
	if _, ok := t.guilds[m.Reference.GuildID]; !ok {
		return false, nil
	}
	t.mu.Lock()
	dests, traced := t.known[src]
	_, seen := dests[dest]
	t.mu.Unlock()
	if !traced || seen {
		return false, nil
	}

	err := t.limit.Do(ctx, func(ctx context.Context) error {
		return t.reg.AddEdge(ctx, src, dest, m.GuildID, storage.ModeFollow, true)
	})
	if err != nil {
		t.log.Warn("adding traced follow failed", logx.ID("src", src), logx.ID("dest", dest), logx.Err(err))
		return false, err
	}
	t.mu.Lock()
	t.known[src][dest] = struct{}{}
	t.mu.Unlock()
	t.log.Debug("follow traced", logx.ID("src", src), logx.ID("dest", dest), logx.ID("guild", m.GuildID))
	return true, nil
}

// Run observes every message create published on bus until ctx ends.
func (t *Tracer) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.SubscribeMatching(256, func(e eventbus.Event) bool {
		return e.Type == string(transport.UpdateMessageCreate)
	})
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			in, ok := e.Data.(fanout.Inbound)
			if !ok {
				continue
			}
			_, _ = t.Observe(ctx, in.Update.Message)
		}
	}
}
