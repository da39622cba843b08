// Package fanout propagates one source message event to every mirror of its
// channel with per-destination retry, progress reporting and failure accounting.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"conduction/internal/eventbus"
	"conduction/internal/mirror/ledger"
	"conduction/internal/mirror/progress"
	"conduction/internal/storage"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

// Transport is the part of the messaging platform the kernels call.
type Transport interface {
	Channel(ctx context.Context, id snowflake.ID) (transport.Channel, error)
	FetchMessage(ctx context.Context, channel, msg snowflake.ID) (*transport.Message, error)
	Send(ctx context.Context, channel snowflake.ID, m transport.Outgoing) (snowflake.ID, error)
	Edit(ctx context.Context, channel, msg snowflake.ID, m transport.Outgoing) error
	Delete(ctx context.Context, channel, msg snowflake.ID) error
	Crosspost(ctx context.Context, channel, msg snowflake.ID) error
}

type Registry interface {
	GetOrFetchDestinations(ctx context.Context, src snowflake.ID) ([]snowflake.ID, error)
	IsSource(ctx context.Context, channel snowflake.ID) (bool, error)
	RecordSuccesses(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
	RecordFailures(ctx context.Context, src snowflake.ID, dests []snowflake.ID) error
}

type Ledger interface {
	RecordCreates(ctx context.Context, sourceMsg, sourceChannel snowflake.ID, copies []ledger.Copy) error
	LookupBySource(ctx context.Context, sourceMsg snowflake.ID) ([]ledger.Copy, error)
}

// Limiter guards every outbound API call.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Sweeper runs the auto-disable pass after create runs.
type Sweeper interface {
	Sweep(ctx context.Context) ([]storage.MirrorEdge, error)
}

// Alerter forwards errors an operator has to act on.
type Alerter interface {
	Report(ctx context.Context, err error, note string)
}

type Deps struct {
	Transport Transport
	Registry  Registry
	Ledger    Ledger
	Limiter   Limiter
	// Optional.
	Progress *progress.Reporter
	Health   Sweeper
	Alerts   Alerter
	Bus      eventbus.Bus
	// Self returns the bot's own user id; its messages are never mirrored.
	Self func() snowflake.ID
}

// Inbound is the bus payload of every dispatched update.
type Inbound struct {
	Seq    uint64
	Update transport.Update
}

// Options tune a single create run.
type Options struct {
	// WaitPublish holds the run until an unpublished announcement is crossposted.
	WaitPublish bool
	Manual      bool
}

type Engine struct {
	d   Deps
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	seq  *sequencer
	book *statusBook
	wg   sync.WaitGroup

	inSeq    atomic.Uint64
	consumMu sync.Mutex
	consumed map[uint64]struct{}
}

func New(d Deps, cfg Config, log logx.Logger) (*Engine, error) {
	if d.Transport == nil || d.Registry == nil || d.Ledger == nil {
		return nil, errors.New("fanout: transport, registry and ledger are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		d:        d,
		log:      log,
		cfg:      cfg.normalize(),
		seq:      newSequencer(),
		book:     newStatusBook(),
		consumed: map[uint64]struct{}{},
	}, nil
}

// Apply swaps the configuration. Running batches keep their poll interval.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.normalize()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Dispatch routes one gateway update to an asynchronous run. Every update is
// published on the bus first so pending publish waits can observe it. It
// returns the run id, or "" when the update needs no mirroring.
func (e *Engine) Dispatch(ctx context.Context, u transport.Update) string {
	seq := e.inSeq.Add(1)
	if e.d.Bus != nil {
		e.d.Bus.Publish(eventbus.Event{Type: string(u.Kind), Data: Inbound{Seq: seq, Update: u}})
	}

	r, ok := e.route(ctx, u)
	if !ok {
		return ""
	}
	r.seq = seq
	t := e.enqueue(r)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.runTicket(ctx, t, r)
	}()
	return r.id
}

// Wait blocks until every dispatched run and its progress card finished, or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.d.Progress != nil {
		return e.d.Progress.Wait(ctx)
	}
	return nil
}

// Create mirrors msg synchronously, ordered after earlier runs for the same message.
func (e *Engine) Create(ctx context.Context, msg *transport.Message, opt Options) (RunStatus, error) {
	if msg == nil {
		return RunStatus{}, errors.New("fanout: nil message")
	}
	r := e.newRun(RunCreate, msg.ChannelID, msg.ID, msg)
	r.opt = opt
	return e.runTicket(ctx, e.enqueue(r), r)
}

// Update re-edits every recorded copy of msg.
func (e *Engine) Update(ctx context.Context, msg *transport.Message, manual bool) (RunStatus, error) {
	if msg == nil {
		return RunStatus{}, errors.New("fanout: nil message")
	}
	r := e.newRun(RunUpdate, msg.ChannelID, msg.ID, msg)
	r.opt.Manual = manual
	return e.runTicket(ctx, e.enqueue(r), r)
}

// Delete removes every recorded copy of sourceMsg. old may be nil.
func (e *Engine) Delete(ctx context.Context, sourceChannel, sourceMsg snowflake.ID, old *transport.Message, manual bool) (RunStatus, error) {
	r := e.newRun(RunDelete, sourceChannel, sourceMsg, old)
	r.opt.Manual = manual
	return e.runTicket(ctx, e.enqueue(r), r)
}

func (e *Engine) Status(id string) (RunStatus, bool) { return e.book.get(id) }

// Statuses lists recent runs, newest first.
func (e *Engine) Statuses() []RunStatus { return e.book.list() }

type run struct {
	id      string
	kind    RunKind
	channel snowflake.ID
	msgID   snowflake.ID
	msg     *transport.Message
	opt     Options
	seq     uint64
	log     logx.Logger
}

func (e *Engine) newRun(kind RunKind, channel, msgID snowflake.ID, msg *transport.Message) *run {
	id := uuid.NewString()
	return &run{
		id: id, kind: kind, channel: channel, msgID: msgID, msg: msg,
		log: e.log.With(logx.String("run", id), logx.String("kind", string(kind)), logx.ID("source_msg", msgID)),
	}
}

// route filters updates that are not mirrored: other kinds, non-source
// channels and the bot's own messages.
func (e *Engine) route(ctx context.Context, u transport.Update) (*run, bool) {
	var channel snowflake.ID
	switch u.Kind {
	case transport.UpdateMessageCreate, transport.UpdateMessageEdit:
		if u.Message == nil {
			return nil, false
		}
		if e.d.Self != nil && u.Message.AuthorID != 0 && u.Message.AuthorID == e.d.Self() {
			return nil, false
		}
		channel = u.Message.ChannelID
	case transport.UpdateMessageDelete:
		channel = u.ChannelID
	default:
		return nil, false
	}

	ok, err := e.d.Registry.IsSource(ctx, channel)
	if err != nil {
		// The run resolves destinations with its own retry.
		e.log.Warn("source check failed", logx.ID("channel", channel), logx.Err(err))
	} else if !ok {
		return nil, false
	}

	switch u.Kind {
	case transport.UpdateMessageCreate:
		r := e.newRun(RunCreate, channel, u.Message.ID, u.Message)
		r.opt.WaitPublish = true
		return r, true
	case transport.UpdateMessageEdit:
		return e.newRun(RunUpdate, channel, u.Message.ID, u.Message), true
	default:
		return e.newRun(RunDelete, channel, u.MessageID, u.Message), true
	}
}

func (e *Engine) enqueue(r *run) *ticket {
	e.book.add(&RunStatus{
		ID: r.id, Kind: r.kind, State: StateQueued,
		SourceMsgID: r.msgID, SourceChannelID: r.channel, Manual: r.opt.Manual,
		CreatedAt: time.Now(),
	})
	return e.seq.enter(r.msgID)
}

func (e *Engine) runTicket(ctx context.Context, t *ticket, r *run) (st RunStatus, err error) {
	defer t.leave()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in fan-out run", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("fanout: run %s panicked: %v", r.id, p)
			e.finish(r, StateAbandoned, err.Error())
			st, _ = e.book.get(r.id)
		}
	}()

	if err := t.wait(ctx); err != nil {
		e.finish(r, StateAbandoned, "canceled while queued")
		st, _ = e.book.get(r.id)
		return st, err
	}
	e.book.update(r.id, func(s *RunStatus) { s.State, s.StartedAt = StateRunning, time.Now() })

	switch r.kind {
	case RunCreate:
		err = e.create(ctx, r)
	case RunUpdate:
		err = e.update(ctx, r)
	default:
		err = e.delete(ctx, r)
	}
	st, _ = e.book.get(r.id)
	return st, err
}

func (e *Engine) finish(r *run, state RunState, note string) {
	e.book.update(r.id, func(s *RunStatus) {
		s.State, s.DoneAt = state, time.Now()
		if note != "" {
			s.Note = note
		}
	})
}

func (e *Engine) skip(r *run, note string) {
	r.log.Debug("fan-out skipped", logx.String("reason", note))
	e.finish(r, StateSkipped, note)
}

func (e *Engine) markConsumed(seq uint64) {
	e.consumMu.Lock()
	e.consumed[seq] = struct{}{}
	e.consumMu.Unlock()
}

func (e *Engine) takeConsumed(seq uint64) bool {
	if seq == 0 {
		return false
	}
	e.consumMu.Lock()
	defer e.consumMu.Unlock()
	_, ok := e.consumed[seq]
	delete(e.consumed, seq)
	return ok
}

func (e *Engine) alert(ctx context.Context, err error, note string) {
	if e.d.Alerts == nil {
		return
	}
	e.d.Alerts.Report(ctx, err, note)
}

// limited runs fn while holding a rate limiter slot.
func (e *Engine) limited(ctx context.Context, fn func() error) error {
	if e.d.Limiter == nil {
		return fn()
	}
	if err := e.d.Limiter.Acquire(ctx); err != nil {
		return err
	}
	defer e.d.Limiter.Release()
	return fn()
}

// retrying calls fn until it succeeds or ctx ends, alerting on every failure.
func (e *Engine) retrying(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	cfg := e.Config()
	backoff := cfg.ResolveBackoff
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.alert(ctx, err, fmt.Sprintf("failed to %s, retrying in %s", what, backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(backoff*2, cfg.ResolveBackoffMax)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
