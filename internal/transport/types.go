package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Classified delivery errors. Adapters wrap platform errors so callers can use errors.Is.
var (
	// ErrNotFound means the channel or message no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrUnknownMessage narrows ErrNotFound to a message whose channel still exists.
	ErrUnknownMessage = fmt.Errorf("unknown message: %w", ErrNotFound)
	// ErrForbidden means the bot lacks permission in the target channel.
	ErrForbidden = errors.New("missing permissions")
	// ErrNotTextable means the channel cannot hold messages.
	ErrNotTextable = errors.New("channel is not text-capable")
	// ErrAlreadyDone means the operation was already performed, e.g. a message already published.
	ErrAlreadyDone = errors.New("already done")
)

type UpdateKind string

const (
	UpdateMessageCreate UpdateKind = "message.create"
	UpdateMessageEdit   UpdateKind = "message.edit"
	UpdateMessageDelete UpdateKind = "message.delete"
	UpdateChannelDelete UpdateKind = "channel.delete"
	UpdateGuildLeave    UpdateKind = "guild.leave"
)

// Update is one inbound gateway event.
type Update struct {
	Kind      UpdateKind
	Message   *Message // create and edit
	ChannelID snowflake.ID
	MessageID snowflake.ID // delete
	GuildID   snowflake.ID
}

type Message struct {
	ID        snowflake.ID
	ChannelID snowflake.ID
	GuildID   snowflake.ID
	AuthorID  snowflake.ID

	Content     string
	Embeds      []Embed
	Attachments []Attachment

	// Crossposted is set once an announcement has been published to followers.
	Crossposted bool
	// IsCrosspost marks a copy that arrived through a native follow.
	IsCrosspost bool
	Reference   *MessageRef
}

// Outgoing returns the deliverable part of m.
func (m *Message) Outgoing() Outgoing {
	return Outgoing{Content: m.Content, Embeds: m.Embeds, Attachments: m.Attachments}
}

type Embed struct {
	Title       string
	Description string
	URL         string
	ImageURL    string
	// Raw keeps the adapter's native embed so nothing is lost on re-send.
	Raw any
}

type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
}

type MessageRef struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	MessageID snowflake.ID
}

// Outgoing is the payload of a send or edit.
type Outgoing struct {
	Content     string
	Embeds      []Embed
	Attachments []Attachment
}

type ChannelKind int

const (
	ChannelOther ChannelKind = iota
	ChannelText
	ChannelNews
	ChannelThread
	ChannelVoice
)

type Channel struct {
	ID      snowflake.ID
	GuildID snowflake.ID
	Name    string
	Kind    ChannelKind
}

// Textable reports whether messages can be posted into the channel.
func (c Channel) Textable() bool {
	return c.Kind == ChannelText || c.Kind == ChannelNews || c.Kind == ChannelThread
}

// Broadcast reports whether posts in the channel can be published to followers.
func (c Channel) Broadcast() bool { return c.Kind == ChannelNews }

type Guild struct {
	ID         snowflake.ID
	Name       string
	Population int
}

type CardTone int

const (
	ToneInfo CardTone = iota
	ToneSuccess
	ToneError
)

type CardField struct {
	Name   string
	Value  string
	Inline bool
}

// Card is a structured status message (an embed on Discord).
type Card struct {
	Title        string
	Description  string
	URL          string
	ThumbnailURL string
	Fields       []CardField
	Footer       string
	Tone         CardTone
}

// Adapter is the messaging platform seen by the bot.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SelfID() snowflake.ID

	Channel(ctx context.Context, id snowflake.ID) (Channel, error)
	Guilds(ctx context.Context) ([]Guild, error)
	FetchMessage(ctx context.Context, channel, msg snowflake.ID) (*Message, error)

	Send(ctx context.Context, channel snowflake.ID, m Outgoing) (snowflake.ID, error)
	Edit(ctx context.Context, channel, msg snowflake.ID, m Outgoing) error
	Delete(ctx context.Context, channel, msg snowflake.ID) error
	Crosspost(ctx context.Context, channel, msg snowflake.ID) error

	SendCard(ctx context.Context, channel snowflake.ID, c Card) (snowflake.ID, error)
	EditCard(ctx context.Context, channel, msg snowflake.ID, c Card) error
	SendText(ctx context.Context, channel snowflake.ID, text string) (snowflake.ID, error)
}
