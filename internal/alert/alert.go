// Package alert forwards errors an operator must act on to a chat channel.
package alert

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"

	logx "conduction/pkg/logx"
)

// ChunkLimit keeps every posted chunk below the platform message limit.
const ChunkLimit = 1900

const sendTimeout = 10 * time.Second

type Sender interface {
	SendText(ctx context.Context, channel snowflake.ID, text string) (snowflake.ID, error)
}

type Reporter struct {
	sender  Sender
	channel snowflake.ID
	log     logx.Logger
	limiter *rate.Limiter
	ref     func() int
}

// New builds a Reporter. A zero channel only logs.
func New(sender Sender, channel snowflake.ID, ratePerSec float64, log logx.Logger) *Reporter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		sender:  sender,
		channel: channel,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 3),
		ref:     func() int { return 1_000_000 + rand.IntN(9_000_000) },
	}
}

// Report logs err under a random 7-digit reference and posts it to the
// alerts channel.
func (r *Reporter) Report(ctx context.Context, err error, note string) {
	r.ReportRef(ctx, err, note)
}

// ReportRef is Report returning the error reference, zero for a nil err.
func (r *Reporter) ReportRef(ctx context.Context, err error, note string) int {
	if err == nil {
		return 0
	}
	ref := r.ref()
	r.log.Error("error reported", logx.Int("ref", ref), logx.String("note", note), logx.Err(err))
	if r.sender == nil || r.channel == 0 {
		return ref
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Exception with error reference `%d`:\n", ref)
	if note != "" {
		b.WriteString(note)
		b.WriteByte('\n')
	}
	b.WriteString(err.Error())

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	for _, chunk := range Chunks(b.String(), ChunkLimit-8) {
		if werr := r.limiter.Wait(sctx); werr != nil {
			r.log.Warn("alert dropped", logx.Int("ref", ref), logx.Err(werr))
			return ref
		}
		if _, serr := r.sender.SendText(sctx, r.channel, "```\n"+chunk+"\n```"); serr != nil {
			r.log.Warn("alert post failed", logx.Int("ref", ref), logx.Err(serr))
			return ref
		}
	}
	return ref
}

// Chunks splits text on line boundaries into pieces of at most limit bytes.
// Lines longer than limit are cut.
func Chunks(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.TrimSuffix(cur.String(), "\n"))
			cur.Reset()
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			flush()
			out = append(out, line[:limit])
			line = line[limit:]
		}
		if cur.Len()+len(line)+1 > limit {
			flush()
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return out
}
