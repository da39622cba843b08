package discord

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/disgoorg/snowflake/v2"

	kit "conduction/internal/transport"
)

// JSON error codes of the REST API.
const (
	codeUnknownChannel     = 10003
	codeUnknownMessage     = 10008
	codeUnknownGuild       = 10004
	codeMissingAccess      = 50001
	codeMissingPermissions = 50013
	codeCannotSendInVoice  = 50008
	codeAlreadyCrossposted = 40033
)

const (
	flagCrossposted = discordgo.MessageFlags(1 << 0)
	flagIsCrosspost = discordgo.MessageFlags(1 << 1)
)

const textLimit = 2000

var toneColors = map[kit.CardTone]int{
	kit.ToneInfo:    0x5865F2,
	kit.ToneSuccess: 0x57F287,
	kit.ToneError:   0xED4245,
}

func parseID(s string) snowflake.ID {
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0
	}
	return id
}

// classify maps REST failures onto the transport error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	code := 0
	if rest.Message != nil {
		code = rest.Message.Code
	}
	switch code {
	case codeUnknownMessage:
		return fmt.Errorf("%w: %v", kit.ErrUnknownMessage, err)
	case codeUnknownChannel, codeUnknownGuild:
		return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
	case codeMissingAccess, codeMissingPermissions:
		return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
	case codeCannotSendInVoice:
		return fmt.Errorf("%w: %v", kit.ErrNotTextable, err)
	case codeAlreadyCrossposted:
		return fmt.Errorf("%w: %v", kit.ErrAlreadyDone, err)
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case 404:
			return fmt.Errorf("%w: %v", kit.ErrNotFound, err)
		case 403:
			return fmt.Errorf("%w: %v", kit.ErrForbidden, err)
		}
	}
	return err
}

func convertChannel(ch *discordgo.Channel) kit.Channel {
	out := kit.Channel{ID: parseID(ch.ID), GuildID: parseID(ch.GuildID), Name: ch.Name}
	switch ch.Type {
	case discordgo.ChannelTypeGuildText:
		out.Kind = kit.ChannelText
	case discordgo.ChannelTypeGuildNews:
		out.Kind = kit.ChannelNews
	case discordgo.ChannelTypeGuildNewsThread, discordgo.ChannelTypeGuildPublicThread, discordgo.ChannelTypeGuildPrivateThread:
		out.Kind = kit.ChannelThread
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		out.Kind = kit.ChannelVoice
	default:
		out.Kind = kit.ChannelOther
	}
	return out
}

// convertMessage keeps rich embeds only. Link previews and other generated
// embeds are rebuilt by Discord on the copy.
func convertMessage(m *discordgo.Message) *kit.Message {
	if m == nil {
		return nil
	}
	out := &kit.Message{
		ID:          parseID(m.ID),
		ChannelID:   parseID(m.ChannelID),
		GuildID:     parseID(m.GuildID),
		Content:     m.Content,
		Crossposted: m.Flags&flagCrossposted != 0,
		IsCrosspost: m.Flags&flagIsCrosspost != 0,
	}
	if m.Author != nil {
		out.AuthorID = parseID(m.Author.ID)
	}
	for _, e := range m.Embeds {
		if e == nil || (e.Type != "" && e.Type != discordgo.EmbedTypeRich) {
			continue
		}
		emb := kit.Embed{Title: e.Title, Description: e.Description, URL: e.URL, Raw: e}
		if e.Image != nil {
			emb.ImageURL = e.Image.URL
		}
		out.Embeds = append(out.Embeds, emb)
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		out.Attachments = append(out.Attachments, kit.Attachment{URL: a.URL, Filename: a.Filename, ContentType: a.ContentType, Size: a.Size})
	}
	if ref := m.MessageReference; ref != nil {
		out.Reference = &kit.MessageRef{GuildID: parseID(ref.GuildID), ChannelID: parseID(ref.ChannelID), MessageID: parseID(ref.MessageID)}
	}
	return out
}

func toEmbeds(in []kit.Embed) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(in))
	for _, e := range in {
		if raw, ok := e.Raw.(*discordgo.MessageEmbed); ok && raw != nil {
			out = append(out, raw)
			continue
		}
		emb := &discordgo.MessageEmbed{Type: discordgo.EmbedTypeRich, Title: e.Title, Description: e.Description, URL: e.URL}
		if e.ImageURL != "" {
			emb.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		out = append(out, emb)
	}
	return out
}

func cardEmbed(c kit.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       c.Title,
		Description: c.Description,
		URL:         c.URL,
		Color:       toneColors[c.Tone],
	}
	if c.ThumbnailURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: c.ThumbnailURL}
	}
	if c.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: c.Footer}
	}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return e
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}

// appendLinks adds links for attachments that could not be re-uploaded.
func appendLinks(content string, links []string) string {
	if len(links) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, l := range links {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	out := b.String()
	if rs := []rune(out); len(rs) > textLimit {
		out = string(rs[:textLimit])
	}
	return out
}
