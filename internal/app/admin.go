package app

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/mirror/fanout"
	"conduction/internal/mirror/ratelimit"
	"conduction/internal/runtime/supervisor"
	"conduction/internal/storage"
	"conduction/internal/task/scheduler"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

// Admin is the operator surface. Every mutating call is audited with the
// given actor.
type Admin struct {
	app *App
}

// Stats is a point-in-time view of the mirror.
type Stats struct {
	Edges       []storage.EdgeCount
	Populations int
	Runs        []fanout.RunStatus
	Jobs        []scheduler.ScheduleInfo
	Limiter     ratelimit.Stats
	Goroutines  []supervisor.Stats
}

// AddEdge subscribes dest to src. The destination must be a text channel the
// bot can see; its server becomes the edge's group.
func (ad *Admin) AddEdge(ctx context.Context, actor string, src, dest snowflake.ID, mode storage.Mode) (err error) {
	start := time.Now()
	defer func() { ad.audit(ctx, actor, "edge_add", src.String()+"->"+dest.String(), start, err) }()

	if mode == "" {
		mode = storage.ModeLegacy
	}
	ch, err := ad.app.adapter.Channel(ctx, dest)
	if err != nil {
		return fmt.Errorf("resolve destination %s: %w", dest, err)
	}
	if !ch.Textable() {
		return fmt.Errorf("destination %s: %w", dest, transport.ErrNotTextable)
	}
	return ad.app.registry.AddEdge(ctx, src, dest, ch.GuildID, mode, true)
}

func (ad *Admin) RemoveEdge(ctx context.Context, actor string, src, dest snowflake.ID) (err error) {
	start := time.Now()
	defer func() { ad.audit(ctx, actor, "edge_remove", src.String()+"->"+dest.String(), start, err) }()
	return ad.app.registry.RemoveEdge(ctx, src, dest)
}

// UndoDisableSince re-enables the edges auto-disabled at or after since.
func (ad *Admin) UndoDisableSince(ctx context.Context, actor string, since time.Time) ([]storage.MirrorEdge, error) {
	return ad.app.health.UndoDisableSince(ctx, since, actor)
}

// Send mirrors an existing source message as if it had just been posted.
func (ad *Admin) Send(ctx context.Context, actor string, channel, msg snowflake.ID) (fanout.RunStatus, error) {
	m, err := ad.app.adapter.FetchMessage(ctx, channel, msg)
	if err != nil {
		return fanout.RunStatus{}, fmt.Errorf("fetch %s/%s: %w", channel, msg, err)
	}
	st, err := ad.app.engine.Create(ctx, m, fanout.Options{Manual: true})
	ad.auditRun(ctx, actor, "manual_create", st, err)
	return st, err
}

// Update re-edits every copy of a source message with its current content.
func (ad *Admin) Update(ctx context.Context, actor string, channel, msg snowflake.ID) (fanout.RunStatus, error) {
	m, err := ad.app.adapter.FetchMessage(ctx, channel, msg)
	if err != nil {
		return fanout.RunStatus{}, fmt.Errorf("fetch %s/%s: %w", channel, msg, err)
	}
	st, err := ad.app.engine.Update(ctx, m, true)
	ad.auditRun(ctx, actor, "manual_update", st, err)
	return st, err
}

// Delete removes every copy of a source message. The source itself may
// already be gone.
func (ad *Admin) Delete(ctx context.Context, actor string, channel, msg snowflake.ID) (fanout.RunStatus, error) {
	st, err := ad.app.engine.Delete(ctx, channel, msg, nil, true)
	ad.auditRun(ctx, actor, "manual_delete", st, err)
	return st, err
}

// Prune runs the ledger retention job now.
func (ad *Admin) Prune(ctx context.Context, actor string) (err error) {
	start := time.Now()
	defer func() { ad.audit(ctx, actor, "prune", jobPrune, start, err) }()
	return ad.app.sched.RunNow(ctx, jobPrune)
}

// RefreshPopulations runs the population job now.
func (ad *Admin) RefreshPopulations(ctx context.Context, actor string) (err error) {
	start := time.Now()
	defer func() { ad.audit(ctx, actor, "population_refresh", jobPopulation, start, err) }()
	return ad.app.sched.RunNow(ctx, jobPopulation)
}

func (ad *Admin) Stats(ctx context.Context) (Stats, error) {
	edges, err := ad.app.registry.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	pops, err := ad.app.store.Populations(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Edges:       edges,
		Populations: len(pops),
		Runs:        ad.app.engine.Statuses(),
		Jobs:        ad.app.sched.Snapshot(),
		Limiter:     ad.app.limiter.Stats(),
	}
	if ad.app.sup != nil {
		st.Goroutines = ad.app.sup.Snapshot()
	}
	return st, nil
}

// Run looks up a recent fan-out run.
func (ad *Admin) Run(id string) (fanout.RunStatus, bool) { return ad.app.engine.Status(id) }

func (ad *Admin) auditRun(ctx context.Context, actor, action string, st fanout.RunStatus, err error) {
	e := storage.AuditEntry{
		At: time.Now(), Actor: actor, Action: action,
		Target: st.SourceChannelID.String() + "/" + st.SourceMsgID.String(),
		OK:     st.Succeeded, Fail: st.Failed, Meta: st.ID,
	}
	if !st.StartedAt.IsZero() {
		e.TookMS = time.Since(st.StartedAt).Milliseconds()
	}
	if err != nil {
		e.Error = err.Error()
	}
	ad.append(ctx, e)
}

func (ad *Admin) audit(ctx context.Context, actor, action, target string, start time.Time, err error) {
	e := storage.AuditEntry{
		At: start, Actor: actor, Action: action, Target: target,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
		e.Fail = 1
	} else {
		e.OK = 1
	}
	ad.append(ctx, e)
}

func (ad *Admin) append(ctx context.Context, e storage.AuditEntry) {
	if err := ad.app.store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		ad.app.log.Warn("audit write failed", logx.String("action", e.Action), logx.Err(err))
	}
}
