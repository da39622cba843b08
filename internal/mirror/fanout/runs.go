package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/sync/errgroup"

	"conduction/internal/eventbus"
	"conduction/internal/mirror/ledger"
	"conduction/internal/mirror/progress"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

const permissionHint = "Ask the server owners to grant View Channel, Send Messages, Embed Links " +
	"and Attach Files (plus Manage Messages in announcement channels), or remove the mirrors."

func (e *Engine) create(ctx context.Context, r *run) error {
	var dests []snowflake.ID
	if err := e.retrying(ctx, "resolve mirror destinations", func(ctx context.Context) (err error) {
		dests, err = e.d.Registry.GetOrFetchDestinations(ctx, r.channel)
		return err
	}); err != nil {
		e.finish(r, StateAbandoned, "canceled while resolving destinations")
		return err
	}
	if len(dests) == 0 {
		e.skip(r, "no destinations")
		return nil
	}

	msg := r.msg
	if r.opt.WaitPublish {
		var ok bool
		if msg, ok = e.awaitPublish(ctx, r); !ok {
			return ctx.Err()
		}
	}

	// Never post back into the source channel.
	targets := make([]job, 0, len(dests))
	for _, d := range dests {
		if d != r.channel {
			targets = append(targets, job{dest: d})
		}
	}
	if len(targets) == 0 {
		e.skip(r, "no destinations")
		return nil
	}
	r.log.Info("mirroring message", logx.ID("channel", r.channel), logx.Int("destinations", len(targets)), logx.Bool("manual", r.opt.Manual))

	out := msg.Outgoing()
	res := e.drive(ctx, r, batch{
		title:   "Mirror (send) progress",
		msg:     msg,
		jobs:    targets,
		delay:   e.Config().RetryDelay,
		kernel:  e.createKernel(msg.ID, out),
		persist: e.persistCreate(r),
	})

	if e.d.Health != nil && ctx.Err() == nil {
		disabled, err := e.d.Health.Sweep(ctx)
		if err != nil {
			r.log.Error("auto disable failed", logx.Err(err))
			e.alert(ctx, err, "auto disable after mirror run failed")
		}
		e.book.update(r.id, func(s *RunStatus) { s.Disabled = len(disabled) })
	}
	e.complete(ctx, r, res)
	return nil
}

// awaitPublish holds an announcement until it has been crossposted. The
// subscription is registered before the message is re-read so a publish in
// between is never missed. ok is false when the run must end silently.
func (e *Engine) awaitPublish(ctx context.Context, r *run) (*transport.Message, bool) {
	if e.d.Bus == nil || r.msg.Crossposted {
		return r.msg, true
	}
	ch, err := e.d.Transport.Channel(ctx, r.channel)
	if err != nil {
		r.log.Warn("source channel lookup failed, not waiting for publish", logx.Err(err))
		return r.msg, true
	}
	if !ch.Broadcast() {
		return r.msg, true
	}

	x := eventbus.Expect(e.d.Bus, func(ev eventbus.Event) bool {
		in, ok := ev.Data.(Inbound)
		return ok && in.Update.Kind == transport.UpdateMessageEdit &&
			in.Update.Message != nil && in.Update.Message.ID == r.msgID && in.Update.Message.Crossposted
	})
	fresh, err := e.d.Transport.FetchMessage(ctx, r.channel, r.msgID)
	switch {
	case errors.Is(err, transport.ErrNotFound):
		x.Cancel()
		e.skip(r, "source message deleted")
		return nil, false
	case err != nil:
		r.log.Warn("source message refetch failed", logx.Err(err))
		fresh = r.msg
	}
	if fresh.Crossposted {
		x.Cancel()
		return fresh, true
	}

	e.book.update(r.id, func(s *RunStatus) { s.State = StateWaiting })
	r.log.Info("message not crossposted, waiting", logx.ID("channel", r.channel))
	ev, res := x.Wait(ctx, e.Config().PublishWait)
	switch res {
	case eventbus.WaitConfirmed:
		in := ev.Data.(Inbound)
		e.markConsumed(in.Seq)
		r.log.Info("crosspost confirmed, continuing")
		msg := in.Update.Message
		if again, err := e.d.Transport.FetchMessage(ctx, r.channel, r.msgID); err == nil {
			msg = again
		}
		e.book.update(r.id, func(s *RunStatus) { s.State = StateRunning })
		return msg, true
	case eventbus.WaitTimedOut:
		e.skip(r, "publish not confirmed in time")
	default:
		e.finish(r, StateAbandoned, "canceled while waiting for publish")
	}
	return nil, false
}

func (e *Engine) update(ctx context.Context, r *run) error {
	if e.takeConsumed(r.seq) {
		e.skip(r, "publish confirmation")
		return nil
	}
	copies, err := e.lookup(ctx, r)
	if err != nil {
		return err
	}
	if len(copies) == 0 {
		e.skip(r, "message was never mirrored")
		return nil
	}

	// Edit events do not carry unchanged fields.
	msg, err := e.d.Transport.FetchMessage(ctx, r.channel, r.msgID)
	switch {
	case errors.Is(err, transport.ErrNotFound):
		e.skip(r, "source message deleted")
		return nil
	case err != nil:
		if r.msg == nil {
			return fmt.Errorf("fanout: fetch source message: %w", err)
		}
		r.log.Warn("source message refetch failed, using event payload", logx.Err(err))
		msg = r.msg
	}
	r.log.Info("updating mirrors", logx.Int("copies", len(copies)), logx.Bool("manual", r.opt.Manual))

	res := e.drive(ctx, r, batch{
		title:  "Mirror update progress",
		msg:    msg,
		jobs:   copyJobs(copies),
		delay:  e.Config().UpdateRetryDelay,
		kernel: e.updateKernel(msg.ID, msg.Outgoing()),
	})
	e.complete(ctx, r, res)
	return nil
}

func (e *Engine) delete(ctx context.Context, r *run) error {
	copies, err := e.lookup(ctx, r)
	if err != nil {
		return err
	}
	if len(copies) == 0 {
		e.skip(r, "message was never mirrored")
		return nil
	}
	r.log.Info("deleting mirrors", logx.Int("copies", len(copies)), logx.Bool("manual", r.opt.Manual))

	res := e.drive(ctx, r, batch{
		title:   "Mirror delete progress",
		msg:     r.msg,
		jobs:    copyJobs(copies),
		delay:   e.Config().RetryDelay,
		kernel:  e.deleteKernel(r.msgID),
		persist: e.persistCounters(r),
	})
	e.complete(ctx, r, res)
	return nil
}

func (e *Engine) lookup(ctx context.Context, r *run) ([]ledger.Copy, error) {
	var copies []ledger.Copy
	if err := e.retrying(ctx, "look up mirrored messages", func(ctx context.Context) (err error) {
		copies, err = e.d.Ledger.LookupBySource(ctx, r.msgID)
		return err
	}); err != nil {
		e.finish(r, StateAbandoned, "canceled while looking up mirrors")
		return nil, err
	}
	return copies, nil
}

func copyJobs(copies []ledger.Copy) []job {
	jobs := make([]job, 0, len(copies))
	for _, c := range copies {
		jobs = append(jobs, job{dest: c.DestChannelID, destMsg: c.DestMsgID})
	}
	return jobs
}

// persistCreate writes counters and delivery records for one poll. Errors are
// reported but never undo deliveries.
func (e *Engine) persistCreate(r *run) persistFunc {
	counters := e.persistCounters(r)
	return func(ctx context.Context, ok, failed []Outcome) error {
		var g errgroup.Group
		g.Go(func() error { return counters(ctx, ok, failed) })
		g.Go(func() error {
			copies := make([]ledger.Copy, 0, len(ok))
			for _, o := range ok {
				if o.DestMsgID != 0 {
					copies = append(copies, ledger.Copy{DestMsgID: o.DestMsgID, DestChannelID: o.DestChannelID})
				}
			}
			if err := e.d.Ledger.RecordCreates(ctx, r.msgID, r.channel, copies); err != nil {
				return fmt.Errorf("record delivered copies: %w", err)
			}
			return nil
		})
		return g.Wait()
	}
}

func (e *Engine) persistCounters(r *run) persistFunc {
	return func(ctx context.Context, ok, failed []Outcome) error {
		var g errgroup.Group
		g.Go(func() error {
			if err := e.d.Registry.RecordFailures(ctx, r.channel, dests(failed)); err != nil {
				return fmt.Errorf("record mirror failures: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := e.d.Registry.RecordSuccesses(ctx, r.channel, dests(delivered(ok))); err != nil {
				return fmt.Errorf("record mirror successes: %w", err)
			}
			return nil
		})
		return g.Wait()
	}
}

func dests(outs []Outcome) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(outs))
	for _, o := range outs {
		ids = append(ids, o.DestChannelID)
	}
	return ids
}

// delivered drops the outcomes that reached no copy.
func delivered(outs []Outcome) []Outcome {
	kept := make([]Outcome, 0, len(outs))
	for _, o := range outs {
		if !o.Gone {
			kept = append(kept, o)
		}
	}
	return kept
}

// complete stamps the final status and raises the permission summary.
func (e *Engine) complete(ctx context.Context, r *run, res result) {
	state := StateDone
	if res.abandoned > 0 {
		state = StateAbandoned
	}
	e.finish(r, state, "")

	fields := []logx.Field{
		logx.Int("succeeded", res.succeeded), logx.Int("failed", len(res.failures)),
		logx.Int("abandoned", res.abandoned), logx.Duration("took", res.elapsed),
	}
	if len(res.failures) > 0 {
		r.log.Warn("fan-out finished with failures", fields...)
	} else {
		r.log.Info("fan-out finished", fields...)
	}

	var forbidden []string
	for _, o := range res.failures {
		if errors.Is(o.Err, transport.ErrForbidden) {
			forbidden = append(forbidden, o.DestChannelID.String())
		}
	}
	if len(forbidden) > 0 {
		err := fmt.Errorf("%s of message %s: %d destinations: %w", r.kind, r.msgID, len(forbidden), transport.ErrForbidden)
		e.alert(ctx, err, permissionHint+"\nChannels: "+strings.Join(forbidden, ", "))
	}
}

func (e *Engine) header(ctx context.Context, title string, r *run, msg *transport.Message, total int) progress.Header {
	h := progress.Header{
		Title:        title,
		Summary:      progress.Summarize(msg, "Unknown"),
		ThumbnailURL: progress.Thumbnail(msg),
		Total:        total,
	}
	if msg != nil {
		h.Link = progress.MessageLink(msg.GuildID, msg.ChannelID, msg.ID)
		h.ChannelLink = progress.ChannelLink(msg.GuildID, msg.ChannelID)
	}
	h.ChannelName = r.channel.String()
	if ch, err := e.d.Transport.Channel(ctx, r.channel); err == nil && ch.Name != "" {
		h.ChannelName = ch.Name
		if h.ChannelLink == "" {
			h.ChannelLink = progress.ChannelLink(ch.GuildID, ch.ID)
		}
	}
	return h
}
