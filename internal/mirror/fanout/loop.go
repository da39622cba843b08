package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/mirror/progress"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

// persistTimeout bounds outcome persistence, which outlives a canceled run.
const persistTimeout = 30 * time.Second

// job is one unit of kernel work.
type job struct {
	dest    snowflake.ID
	destMsg snowflake.ID
	retries int
}

type kernelFunc func(ctx context.Context, j job) Outcome

type persistFunc func(ctx context.Context, ok, failed []Outcome) error

type batch struct {
	title   string
	msg     *transport.Message
	jobs    []job
	delay   Window
	kernel  kernelFunc
	persist persistFunc
}

type result struct {
	succeeded int
	failures  []Outcome
	abandoned int
	elapsed   time.Duration
}

// drive launches one kernel per job and loops until nothing is in flight.
// Each poll partitions the finished kernels, persists them, refreshes the
// progress card and relaunches the retryable ones after a random delay.
func (e *Engine) drive(ctx context.Context, r *run, b batch) result {
	start := time.Now()
	cfg := e.Config()
	e.book.update(r.id, func(s *RunStatus) { s.Total, s.Pending = len(b.jobs), len(b.jobs) })

	// Each job has at most one kernel in flight, so this never blocks.
	results := make(chan Outcome, len(b.jobs))
	inflight := 0
	launch := func(j job, delay time.Duration) {
		inflight++
		go func() {
			if !sleep(ctx, delay) {
				results <- Outcome{DestChannelID: j.dest, DestMsgID: j.destMsg, Kind: Retryable, Err: ctx.Err(), Retries: j.retries}
				return
			}
			results <- e.safeKernel(ctx, r, b.kernel, j)
		}()
	}
	for _, j := range b.jobs {
		launch(j, 0)
	}
	// The card is written on its own goroutine; a slow or failing log
	// channel never holds back deliveries.
	var tracker *progress.Tracker
	if e.d.Progress != nil {
		tracker = e.d.Progress.Start(ctx, func(ctx context.Context) progress.Header {
			return e.header(ctx, b.title, r, b.msg, len(b.jobs))
		})
		tracker.Push(progress.Snapshot{Pending: len(b.jobs)})
	}

	var res result
	for inflight > 0 {
		done := collect(results, &inflight, cfg.PollInterval)

		aborting := ctx.Err() != nil
		var ok, failed, retry []Outcome
		for _, o := range done {
			switch {
			case o.Kind == Success:
				ok = append(ok, o)
			case aborting:
				res.abandoned++
			case o.Kind == Retryable && o.Retries < cfg.MaxRetries:
				retry = append(retry, o)
			default:
				failed = append(failed, o)
			}
		}

		if b.persist != nil && (len(ok) > 0 || len(failed) > 0) {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			if err := b.persist(pctx, ok, failed); err != nil {
				r.log.Error("persisting outcomes failed", logx.Int("succeeded", len(ok)), logx.Int("failed", len(failed)), logx.Err(err))
				e.alert(pctx, err, fmt.Sprintf("%s run %s could not persist its outcomes", r.kind, r.id))
			}
			cancel()
		}
		for _, o := range failed {
			r.log.Warn("delivery failed", logx.ID("dest", o.DestChannelID), logx.Int("retries", o.Retries), logx.Err(o.Err))
		}

		res.succeeded += len(ok)
		res.failures = append(res.failures, failed...)
		pending := inflight

		if !aborting {
			for _, o := range retry {
				launch(job{dest: o.DestChannelID, destMsg: o.DestMsgID, retries: o.Retries + 1}, b.delay.Pick())
			}
		} else {
			res.abandoned += len(retry)
		}

		snap := progress.Snapshot{
			Succeeded: res.succeeded,
			Retrying:  len(retry),
			Failed:    len(res.failures),
			Pending:   pending,
			Completed: inflight == 0,
		}
		tracker.Push(snap)
		e.book.update(r.id, func(s *RunStatus) {
			s.Succeeded, s.Retrying, s.Failed, s.Pending = snap.Succeeded, snap.Retrying, snap.Failed, snap.Pending
			for _, o := range failed {
				if len(s.Failures) < maxFailuresKept {
					s.Failures = append(s.Failures, o.DestChannelID)
				}
			}
		})
	}
	res.elapsed = time.Since(start)
	return res
}

// collect gathers outcomes until every in-flight kernel reported or poll elapsed.
func collect(results <-chan Outcome, inflight *int, poll time.Duration) []Outcome {
	t := time.NewTimer(poll)
	defer t.Stop()
	var done []Outcome
	for *inflight > 0 {
		select {
		case o := <-results:
			*inflight--
			done = append(done, o)
		case <-t.C:
			return done
		}
	}
	return done
}

func (e *Engine) safeKernel(ctx context.Context, r *run, k kernelFunc, j job) (o Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in delivery kernel", logx.ID("dest", j.dest), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			o = Outcome{SourceMsgID: r.msgID, DestChannelID: j.dest, DestMsgID: j.destMsg, Kind: Terminal, Err: fmt.Errorf("kernel panic: %v", p), Retries: j.retries}
		}
	}()
	return k(ctx, j)
}

func (e *Engine) createKernel(sourceMsg snowflake.ID, out transport.Outgoing) kernelFunc {
	return func(ctx context.Context, j job) Outcome {
		o := Outcome{SourceMsgID: sourceMsg, DestChannelID: j.dest, Retries: j.retries}
		ch, err := e.d.Transport.Channel(ctx, j.dest)
		if err != nil {
			return o.failed(err)
		}
		if !ch.Textable() {
			return o.failed(transport.ErrNotTextable)
		}
		var id snowflake.ID
		if err := e.limited(ctx, func() (err error) {
			id, err = e.d.Transport.Send(ctx, j.dest, out)
			return err
		}); err != nil {
			return o.failed(err)
		}
		o.DestMsgID = id
		if ch.Broadcast() {
			if err := e.crosspost(ctx, j.dest, id); err != nil {
				// The copy exists; followers of this channel just miss it.
				e.log.Warn("crosspost gave up", logx.ID("dest", j.dest), logx.ID("msg", id), logx.Err(err))
			}
		}
		o.Kind = Success
		return o
	}
}

func (e *Engine) crosspost(ctx context.Context, channel, msg snowflake.ID) error {
	cfg := e.Config()
	backoff := cfg.CrosspostBackoff
	var err error
	for attempt := 1; attempt <= cfg.CrosspostAttempts; attempt++ {
		err = e.limited(ctx, func() error { return e.d.Transport.Crosspost(ctx, channel, msg) })
		if err == nil || errors.Is(err, transport.ErrAlreadyDone) {
			return nil
		}
		e.log.Debug("crosspost failed", logx.ID("dest", channel), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == cfg.CrosspostAttempts || !sleep(ctx, backoff) {
			break
		}
		backoff *= 2
	}
	return err
}

func (e *Engine) updateKernel(sourceMsg snowflake.ID, out transport.Outgoing) kernelFunc {
	return func(ctx context.Context, j job) Outcome {
		o := Outcome{SourceMsgID: sourceMsg, DestChannelID: j.dest, DestMsgID: j.destMsg, Retries: j.retries}
		if err := e.limited(ctx, func() error {
			_, err := e.d.Transport.FetchMessage(ctx, j.dest, j.destMsg)
			return err
		}); err != nil {
			return o.failed(err)
		}
		if err := e.limited(ctx, func() error { return e.d.Transport.Edit(ctx, j.dest, j.destMsg, out) }); err != nil {
			return o.failed(err)
		}
		o.Kind = Success
		return o
	}
}

// deleteKernel treats a copy that is already gone as deleted. A missing
// channel is a failure like any other.
func (e *Engine) deleteKernel(sourceMsg snowflake.ID) kernelFunc {
	return func(ctx context.Context, j job) Outcome {
		o := Outcome{SourceMsgID: sourceMsg, DestChannelID: j.dest, DestMsgID: j.destMsg, Retries: j.retries, Kind: Success}
		err := e.limited(ctx, func() error {
			_, err := e.d.Transport.FetchMessage(ctx, j.dest, j.destMsg)
			return err
		})
		if err == nil {
			err = e.limited(ctx, func() error { return e.d.Transport.Delete(ctx, j.dest, j.destMsg) })
		}
		switch {
		case err == nil:
			return o
		case errors.Is(err, transport.ErrUnknownMessage):
			o.Gone = true
			return o
		default:
			return o.failed(err)
		}
	}
}

func (o Outcome) failed(err error) Outcome {
	o.Err = err
	o.Kind = classify(err)
	if o.Kind == Success {
		o.Kind = Retryable
	}
	return o
}
