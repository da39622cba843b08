// Package progress keeps one live status card per fan-out run.
package progress

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

// Sink posts and edits status cards.
type Sink interface {
	SendCard(ctx context.Context, channel snowflake.ID, c transport.Card) (snowflake.ID, error)
	EditCard(ctx context.Context, channel, msg snowflake.ID, c transport.Card) error
}

const (
	DefaultAttempts  = 5
	DefaultRetryBase = 5 * time.Second
	maxRetryDelay    = 10 * time.Minute

	// completion ratio after which the "98% time" field is stamped
	nearlyDone = 0.98
)

type Config struct {
	// Channel receives the cards. Zero disables reporting.
	Channel snowflake.ID
	// Attempts bounds the tries for the first and the final write.
	Attempts int
	// RetryBase is the first retry delay; each further retry multiplies it by 5.
	RetryBase time.Duration
}

// Header is the fixed part of a card.
type Header struct {
	Title        string
	Summary      string
	Link         string
	ChannelName  string
	ChannelLink  string
	ThumbnailURL string
	Total        int
}

// Snapshot is the mutable part of a card.
type Snapshot struct {
	Succeeded int
	Retrying  int
	Failed    int
	Pending   int
	Completed bool
}

func (s Snapshot) total() int { return s.Succeeded + s.Retrying + s.Failed + s.Pending }

type Reporter struct {
	sink Sink
	cfg  Config
	log  logx.Logger
	now  func() time.Time

	wg sync.WaitGroup
}

func New(sink Sink, cfg Config, log logx.Logger) *Reporter {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{sink: sink, cfg: cfg, log: log, now: time.Now}
}

// Tracker is the handle of one card. A nil Tracker ignores every call.
type Tracker struct {
	r       *Reporter
	header  Header
	started time.Time

	mu    sync.Mutex
	msgID snowflake.ID
	t98   string

	// latest snapshot not yet written by a started tracker
	qmu     sync.Mutex
	next    Snapshot
	queued  bool
	wake    chan struct{}
	stopped chan struct{}
}

// Begin posts the initial card with zero counts. It never fails: when the
// card cannot be posted the next Update tries again.
func (r *Reporter) Begin(ctx context.Context, h Header) *Tracker {
	if r == nil || r.sink == nil || r.cfg.Channel == 0 {
		return nil
	}
	t := &Tracker{r: r, header: h, started: r.now()}
	t.Update(ctx, Snapshot{Pending: h.Total})
	return t
}

// Start opens a card written from its own goroutine, so callers never wait
// on the log channel. header is resolved there too. Feed it with Push; the
// writer exits after the completion card or when ctx ends.
func (r *Reporter) Start(ctx context.Context, header func(context.Context) Header) *Tracker {
	if r == nil || r.sink == nil || r.cfg.Channel == 0 {
		return nil
	}
	t := &Tracker{
		r:       r,
		started: r.now(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(t.stopped)
		t.mu.Lock()
		t.header = header(ctx)
		t.mu.Unlock()
		t.drain(ctx)
	}()
	return t
}

// Wait blocks until every started card writer has exited or ctx ends.
func (r *Reporter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push replaces the pending state of a started card and returns at once.
// Snapshots pushed while a write is in progress collapse into the newest.
func (t *Tracker) Push(s Snapshot) {
	if t == nil || t.wake == nil {
		return
	}
	t.qmu.Lock()
	t.next, t.queued = s, true
	t.qmu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the writer of a started card exits.
func (t *Tracker) Done() <-chan struct{} {
	if t == nil || t.stopped == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return t.stopped
}

func (t *Tracker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}
		t.qmu.Lock()
		s, ok := t.next, t.queued
		t.queued = false
		t.qmu.Unlock()
		if !ok {
			continue
		}
		t.Update(ctx, s)
		if s.Completed {
			return
		}
	}
}

// Update rewrites the card in place. Intermediate updates are tried once;
// the first card and the completion card are retried with backoff.
func (t *Tracker) Update(ctx context.Context, s Snapshot) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	card := t.render(s)
	attempts := 1
	if t.msgID == 0 || s.Completed {
		attempts = t.r.cfg.Attempts
	}
	delay := t.r.cfg.RetryBase
	for i := 1; ; i++ {
		err := t.write(ctx, card)
		if err == nil {
			return
		}
		t.r.log.Warn("progress card write failed", logx.String("title", t.header.Title), logx.Int("attempt", i), logx.Err(err))
		if i >= attempts || ctx.Err() != nil {
			return
		}
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*5, maxRetryDelay)
	}
}

// Elapsed is the time since Begin.
func (t *Tracker) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return t.r.now().Sub(t.started)
}

func (t *Tracker) write(ctx context.Context, card transport.Card) error {
	if t.msgID == 0 {
		id, err := t.r.sink.SendCard(ctx, t.r.cfg.Channel, card)
		if err != nil {
			return err
		}
		t.msgID = id
		return nil
	}
	return t.r.sink.EditCard(ctx, t.r.cfg.Channel, t.msgID, card)
}

func (t *Tracker) render(s Snapshot) transport.Card {
	elapsed := FormatElapsed(t.r.now().Sub(t.started))
	if t.t98 == "" {
		if n := s.total(); n > 0 && float64(s.Succeeded+s.Failed)/float64(n) >= nearlyDone {
			t.t98 = elapsed
		}
	}
	t98 := t.t98
	if t98 == "" {
		t98 = "TBC"
	}

	source := t.header.Summary
	if source == "" {
		source = "Unknown"
	}
	if t.header.Link != "" {
		source = "[" + source + "](" + t.header.Link + ")"
	}
	channel := "Unknown"
	if t.header.ChannelName != "" {
		channel = t.header.ChannelName
		if t.header.ChannelLink != "" {
			channel = "[" + channel + "](" + t.header.ChannelLink + ")"
		}
	}

	c := transport.Card{
		Title:        t.header.Title,
		ThumbnailURL: t.header.ThumbnailURL,
		Fields: []transport.CardField{
			{Name: "Source message", Value: source, Inline: true},
			{Name: "Source channel", Value: channel, Inline: true},
			{Name: "Completed", Value: strconv.Itoa(s.Succeeded), Inline: true},
			{Name: "Retrying", Value: strconv.Itoa(s.Retrying), Inline: true},
			{Name: "Failed", Value: strconv.Itoa(s.Failed), Inline: true},
			{Name: "Remaining", Value: strconv.Itoa(s.Pending), Inline: true},
			{Name: "Time taken", Value: elapsed},
			{Name: "98% time", Value: t98},
		},
		Footer: "⏳ In progress",
		Tone:   transport.ToneInfo,
	}
	if s.Failed > 0 {
		c.Tone = transport.ToneError
	}
	if s.Completed {
		c.Footer = "✅ Completed"
		if s.Failed > 0 {
			c.Footer += " with errors"
		} else {
			c.Tone = transport.ToneSuccess
		}
	}
	return c
}

// FormatElapsed renders d as "12.5 seconds" or "3 minutes 4.25 seconds".
func FormatElapsed(d time.Duration) string {
	secs := d.Seconds()
	if secs < 60 {
		return strconv.FormatFloat(round2(secs), 'f', -1, 64) + " seconds"
	}
	m := int(secs) / 60
	rest := secs - float64(m*60)
	return fmt.Sprintf("%d minutes %s seconds", m, strconv.FormatFloat(round2(rest), 'f', -1, 64))
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// Summarize picks a short human title for m: an embed description or title,
// else the first content line, stripped of markdown.
func Summarize(m *transport.Message, fallback string) string {
	if m == nil {
		return fallback
	}
	summary := ""
	if m.Content != "" {
		summary = strings.SplitN(m.Content, "\n", 2)[0]
	}
	for _, e := range m.Embeds {
		if e.Title != "" {
			summary = e.Title
		}
		if e.Description != "" {
			summary = strings.SplitN(e.Description, "\n", 2)[0]
		}
	}
	summary = strings.NewReplacer("*", "", "_", "", "#", "").Replace(summary)
	summary = strings.Trim(summary, "()[]{}<> ")
	if summary == "" {
		return fallback
	}
	r := []rune(summary)
	return string(unicode.ToUpper(r[0])) + strings.ToLower(string(r[1:]))
}

// MessageLink builds the jump URL of a message.
func MessageLink(guild, channel, msg snowflake.ID) string {
	if guild == 0 || channel == 0 || msg == 0 {
		return ""
	}
	return "https://discord.com/channels/" + guild.String() + "/" + channel.String() + "/" + msg.String()
}

// ChannelLink builds the jump URL of a channel.
func ChannelLink(guild, channel snowflake.ID) string {
	if guild == 0 || channel == 0 {
		return ""
	}
	return "https://discord.com/channels/" + guild.String() + "/" + channel.String()
}

// Thumbnail picks the first embed image or image attachment of m.
func Thumbnail(m *transport.Message) string {
	if m == nil {
		return ""
	}
	if len(m.Embeds) > 0 && m.Embeds[0].ImageURL != "" {
		return m.Embeds[0].ImageURL
	}
	if len(m.Attachments) > 0 && strings.HasPrefix(m.Attachments[0].ContentType, "image") {
		return m.Attachments[0].URL
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
