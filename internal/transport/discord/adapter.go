// Package discord implements the transport over the Discord gateway and REST API.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	rtsup "conduction/internal/runtime/supervisor"
	kit "conduction/internal/transport"
	logx "conduction/pkg/logx"
)

type Config struct {
	Token string
	// MaxAttachmentBytes caps a single re-uploaded attachment. Larger ones are linked instead.
	MaxAttachmentBytes int
	DownloadTimeout    time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	s      *discordgo.Session
	out    atomic.Value // stores (chan<- kit.Update)
	runMu  sync.Mutex
	sup    *rtsup.Supervisor
	remove []func()

	// droppedUpdates counts updates dropped because the consumer lagged behind the gateway.
	droppedUpdates atomic.Uint64
	dl             *downloader
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.ShouldRetryOnRateLimit = true
	s.MaxRestRetries = 3
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true

	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 25 << 20
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	a := &Adapter{cfg: cfg, log: log, s: s, dl: newDownloader(cfg.DownloadTimeout, int64(cfg.MaxAttachmentBytes))}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.remove = append(a.remove,
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.Ready) {
			a.log.Info("gateway ready", logx.String("user", ev.User.Username), logx.Int("guilds", len(ev.Guilds)))
		}),
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageCreate) {
			if m := convertMessage(ev.Message); m != nil {
				a.emit(kit.Update{Kind: kit.UpdateMessageCreate, Message: m, ChannelID: m.ChannelID, MessageID: m.ID, GuildID: m.GuildID})
			}
		}),
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageUpdate) {
			if m := convertMessage(ev.Message); m != nil {
				a.emit(kit.Update{Kind: kit.UpdateMessageEdit, Message: m, ChannelID: m.ChannelID, MessageID: m.ID, GuildID: m.GuildID})
			}
		}),
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.MessageDelete) {
			if ev.Message == nil {
				return
			}
			up := kit.Update{
				Kind:      kit.UpdateMessageDelete,
				ChannelID: parseID(ev.ChannelID),
				MessageID: parseID(ev.ID),
				GuildID:   parseID(ev.GuildID),
			}
			if ev.BeforeDelete != nil {
				up.Message = convertMessage(ev.BeforeDelete)
			}
			a.emit(up)
		}),
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.ChannelDelete) {
			if ev.Channel != nil {
				a.emit(kit.Update{Kind: kit.UpdateChannelDelete, ChannelID: parseID(ev.ID), GuildID: parseID(ev.GuildID)})
			}
		}),
		a.s.AddHandler(func(_ *discordgo.Session, ev *discordgo.GuildDelete) {
			// Outages also delete guilds from the gateway's view.
			if ev.Guild == nil || ev.Unavailable {
				return
			}
			a.emit(kit.Update{Kind: kit.UpdateGuildLeave, GuildID: parseID(ev.ID)})
		}),
	)
}

func (a *Adapter) emit(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start opens the gateway and forwards events to out until Stop.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(out)
	a.registerHandlers()
	if err := a.s.Open(); err != nil {
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.unregister()
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))))
	a.sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedUpdates.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) unregister() {
	for _, rm := range a.remove {
		rm()
	}
	a.remove = nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.unregister()
	a.runMu.Unlock()

	if sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()
	err := a.s.Close()
	if werr := sup.Wait(ctx); werr != nil && !errors.Is(werr, context.Canceled) {
		a.log.Warn("discord stop timed out", logx.Err(werr))
	}
	return err
}

// SetLogger swaps the boot logger once the configured sinks exist. Call it before Start.
func (a *Adapter) SetLogger(log logx.Logger) { a.log = log }

func (a *Adapter) SelfID() snowflake.ID {
	if a.s.State == nil || a.s.State.User == nil {
		return 0
	}
	return parseID(a.s.State.User.ID)
}

// Channel prefers the gateway cache and falls back to REST.
func (a *Adapter) Channel(ctx context.Context, id snowflake.ID) (kit.Channel, error) {
	if a.s.State != nil {
		if ch, err := a.s.State.Channel(id.String()); err == nil {
			return convertChannel(ch), nil
		}
	}
	ch, err := a.s.Channel(id.String(), discordgo.WithContext(ctx))
	if err != nil {
		return kit.Channel{}, classify(err)
	}
	return convertChannel(ch), nil
}

// Guilds lists every guild the bot is in with its member count.
func (a *Adapter) Guilds(ctx context.Context) ([]kit.Guild, error) {
	if a.s.State == nil {
		return nil, errors.New("discord: state disabled")
	}
	a.s.State.RLock()
	ids := make([]string, 0, len(a.s.State.Guilds))
	cached := make(map[string]kit.Guild, len(a.s.State.Guilds))
	for _, g := range a.s.State.Guilds {
		ids = append(ids, g.ID)
		if g.MemberCount > 0 {
			cached[g.ID] = kit.Guild{ID: parseID(g.ID), Name: g.Name, Population: g.MemberCount}
		}
	}
	a.s.State.RUnlock()

	out := make([]kit.Guild, 0, len(ids))
	for _, id := range ids {
		if g, ok := cached[id]; ok {
			out = append(out, g)
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		g, err := a.s.GuildWithCounts(id, discordgo.WithContext(ctx))
		if err != nil {
			a.log.Debug("guild counts unavailable", logx.String("guild", id), logx.Err(err))
			out = append(out, kit.Guild{ID: parseID(id)})
			continue
		}
		out = append(out, kit.Guild{ID: parseID(id), Name: g.Name, Population: g.ApproximateMemberCount})
	}
	return out, nil
}

func (a *Adapter) FetchMessage(ctx context.Context, channel, msg snowflake.ID) (*kit.Message, error) {
	m, err := a.s.ChannelMessage(channel.String(), msg.String(), discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	out := convertMessage(m)
	if out.GuildID == 0 {
		if ch, err := a.Channel(ctx, channel); err == nil {
			out.GuildID = ch.GuildID
		}
	}
	return out, nil
}

// Send re-uploads attachments so copies survive the source being deleted.
func (a *Adapter) Send(ctx context.Context, channel snowflake.ID, m kit.Outgoing) (snowflake.ID, error) {
	files, links := a.dl.fetchAll(ctx, m.Attachments, a.log)

	data := &discordgo.MessageSend{
		Content:         appendLinks(m.Content, links),
		Embeds:          toEmbeds(m.Embeds),
		Files:           files,
		AllowedMentions: noMentions(),
	}
	sent, err := a.s.ChannelMessageSendComplex(channel.String(), data, discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify(err)
	}
	return parseID(sent.ID), nil
}

// Edit replaces content and embeds. Attachments of a copy cannot be changed.
func (a *Adapter) Edit(ctx context.Context, channel, msg snowflake.ID, m kit.Outgoing) error {
	edit := discordgo.NewMessageEdit(channel.String(), msg.String()).
		SetContent(m.Content).
		SetEmbeds(toEmbeds(m.Embeds))
	edit.AllowedMentions = noMentions()
	if _, err := a.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) Delete(ctx context.Context, channel, msg snowflake.ID) error {
	return classify(a.s.ChannelMessageDelete(channel.String(), msg.String(), discordgo.WithContext(ctx)))
}

func (a *Adapter) Crosspost(ctx context.Context, channel, msg snowflake.ID) error {
	_, err := a.s.ChannelMessageCrosspost(channel.String(), msg.String(), discordgo.WithContext(ctx))
	return classify(err)
}

func (a *Adapter) SendCard(ctx context.Context, channel snowflake.ID, c kit.Card) (snowflake.ID, error) {
	sent, err := a.s.ChannelMessageSendEmbed(channel.String(), cardEmbed(c), discordgo.WithContext(ctx))
	if err != nil {
		return 0, classify(err)
	}
	return parseID(sent.ID), nil
}

func (a *Adapter) EditCard(ctx context.Context, channel, msg snowflake.ID, c kit.Card) error {
	_, err := a.s.ChannelMessageEditEmbed(channel.String(), msg.String(), cardEmbed(c), discordgo.WithContext(ctx))
	return classify(err)
}

// SendText posts text, split at the message length limit. It returns the first message id.
func (a *Adapter) SendText(ctx context.Context, channel snowflake.ID, text string) (snowflake.ID, error) {
	var first snowflake.ID
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sent, err := a.s.ChannelMessageSendComplex(channel.String(), &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: noMentions(),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return first, classify(err)
		}
		if first == 0 {
			first = parseID(sent.ID)
		}
	}
	return first, nil
}

func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

var _ kit.Adapter = (*Adapter)(nil)
