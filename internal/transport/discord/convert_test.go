package discord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "conduction/internal/transport"
	logx "conduction/pkg/logx"
)

func restErr(code, status int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unknown message", restErr(codeUnknownMessage, 404), kit.ErrNotFound},
		{"unknown message is narrowed", restErr(codeUnknownMessage, 404), kit.ErrUnknownMessage},
		{"unknown channel", restErr(codeUnknownChannel, 404), kit.ErrNotFound},
		{"missing permissions", restErr(codeMissingPermissions, 403), kit.ErrForbidden},
		{"missing access", restErr(codeMissingAccess, 403), kit.ErrForbidden},
		{"already crossposted", restErr(codeAlreadyCrossposted, 400), kit.ErrAlreadyDone},
		{"bare 404", restErr(0, 404), kit.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("classify=%v, want %v", got, tc.want)
			}
		})
	}

	for _, err := range []error{restErr(codeUnknownChannel, 404), restErr(0, 404)} {
		if errors.Is(classify(err), kit.ErrUnknownMessage) {
			t.Fatalf("%v must not read as an unknown message", err)
		}
	}

	plain := errors.New("boom")
	if got := classify(plain); got != plain {
		t.Fatalf("non REST errors must pass through, got %v", got)
	}
	if got := classify(restErr(0, 500)); errors.Is(got, kit.ErrNotFound) || errors.Is(got, kit.ErrForbidden) {
		t.Fatalf("server errors must stay unclassified, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestConvertChannelKinds(t *testing.T) {
	cases := map[discordgo.ChannelType]kit.ChannelKind{
		discordgo.ChannelTypeGuildText:         kit.ChannelText,
		discordgo.ChannelTypeGuildNews:         kit.ChannelNews,
		discordgo.ChannelTypeGuildPublicThread: kit.ChannelThread,
		discordgo.ChannelTypeGuildVoice:        kit.ChannelVoice,
		discordgo.ChannelTypeGuildCategory:     kit.ChannelOther,
	}
	for typ, want := range cases {
		got := convertChannel(&discordgo.Channel{ID: "10", GuildID: "20", Type: typ})
		if got.Kind != want {
			t.Fatalf("type %d: kind=%d, want %d", typ, got.Kind, want)
		}
		if got.ID != 10 || got.GuildID != 20 {
			t.Fatalf("ids not parsed: %+v", got)
		}
	}
}

func TestConvertMessageDropsGeneratedEmbeds(t *testing.T) {
	rich := &discordgo.MessageEmbed{Type: discordgo.EmbedTypeRich, Title: "hello", Image: &discordgo.MessageEmbedImage{URL: "https://img"}}
	m := convertMessage(&discordgo.Message{
		ID:        "1",
		ChannelID: "2",
		GuildID:   "3",
		Author:    &discordgo.User{ID: "4"},
		Content:   "news",
		Flags:     flagCrossposted,
		Embeds: []*discordgo.MessageEmbed{
			rich,
			{Type: discordgo.EmbedTypeLink, URL: "https://example.com"},
			{Type: discordgo.EmbedTypeVideo},
		},
		Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn/a.png", Filename: "a.png", Size: 12}},
		MessageReference: &discordgo.MessageReference{MessageID: "9", ChannelID: "8", GuildID: "7"},
	})
	if m.ID != 1 || m.ChannelID != 2 || m.GuildID != 3 || m.AuthorID != 4 {
		t.Fatalf("ids: %+v", m)
	}
	if !m.Crossposted || m.IsCrosspost {
		t.Fatalf("flags: crossposted=%v isCrosspost=%v", m.Crossposted, m.IsCrosspost)
	}
	if len(m.Embeds) != 1 || m.Embeds[0].Title != "hello" || m.Embeds[0].ImageURL != "https://img" {
		t.Fatalf("embeds: %+v", m.Embeds)
	}
	if got := toEmbeds(m.Embeds); len(got) != 1 || got[0] != rich {
		t.Fatalf("native embed must be re-sent unchanged")
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Filename != "a.png" {
		t.Fatalf("attachments: %+v", m.Attachments)
	}
	if m.Reference == nil || m.Reference.MessageID != 9 {
		t.Fatalf("reference: %+v", m.Reference)
	}
}

func TestCardEmbed(t *testing.T) {
	e := cardEmbed(kit.Card{
		Title:  "Mirror (send) progress",
		Tone:   kit.ToneError,
		Footer: "done",
		Fields: []kit.CardField{{Name: "Failed", Value: "2", Inline: true}},
	})
	if e.Color != toneColors[kit.ToneError] || e.Footer == nil || e.Footer.Text != "done" {
		t.Fatalf("unexpected embed: %+v", e)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Fatalf("fields: %+v", e.Fields)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split=%q", got)
	}
	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len(c) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

func TestDownloaderFallsBackToLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := newDownloader(time.Second, 16)
	files, links := d.fetchAll(context.Background(), []kit.Attachment{
		{URL: srv.URL + "/ok", Filename: "ok.txt", Size: 7},
		{URL: srv.URL + "/missing", Filename: "gone.txt", Size: 7},
		{URL: srv.URL + "/big", Filename: "big.bin", Size: 1 << 20},
	}, logx.Nop())

	if len(files) != 1 || files[0].Name != "ok.txt" {
		t.Fatalf("files: %+v", files)
	}
	if len(links) != 2 || links[0] != srv.URL+"/missing" || links[1] != srv.URL+"/big" {
		t.Fatalf("links: %q", links)
	}
	if got := appendLinks("", links); got != links[0]+"\n"+links[1] {
		t.Fatalf("appendLinks=%q", got)
	}
}
