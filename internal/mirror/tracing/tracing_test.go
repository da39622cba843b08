package tracing

import (
	"context"
	"slices"
	"testing"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/mirror/registry"
	"conduction/internal/storage"
	"conduction/internal/storage/storagetest"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

func crosspost(src, dest, guild uint64) *transport.Message {
	return &transport.Message{
		ChannelID:   snowflake.ID(dest),
		GuildID:     snowflake.ID(guild),
		IsCrosspost: true,
		Reference:   &transport.MessageRef{GuildID: 1, ChannelID: snowflake.ID(src)},
	}
}

func TestObserveRecordsFollowOnce(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(storagetest.Open(t), nil, logx.Nop())
	_ = reg.AddEdge(ctx, 100, 200, 20, storage.ModeFollow, true)

	tr := New(reg, Config{Guilds: []snowflake.ID{1}, Followables: []snowflake.ID{100}}, logx.Nop())
	if err := tr.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if added, _ := tr.Observe(ctx, crosspost(100, 200, 20)); added {
		t.Fatalf("preloaded follow added again")
	}
	if added, err := tr.Observe(ctx, crosspost(100, 201, 21)); !added || err != nil {
		t.Fatalf("new follow not added: %v", err)
	}
	if added, _ := tr.Observe(ctx, crosspost(100, 201, 21)); added {
		t.Fatalf("follow added twice")
	}
	// Untraced channel, foreign guild and plain messages are ignored.
	if added, _ := tr.Observe(ctx, crosspost(101, 202, 21)); added {
		t.Fatalf("untraced source recorded")
	}
	foreign := crosspost(100, 203, 21)
	foreign.Reference.GuildID = 9
	if added, _ := tr.Observe(ctx, foreign); added {
		t.Fatalf("foreign guild recorded")
	}
	plain := crosspost(100, 204, 21)
	plain.IsCrosspost = false
	if added, _ := tr.Observe(ctx, plain); added {
		t.Fatalf("plain message recorded")
	}

	got, _ := reg.ListDestinations(ctx, 100, storage.EdgeFilter{Mode: storage.ModeFollow})
	slices.Sort(got)
	if len(got) != 2 || got[0] != 200 || got[1] != 201 {
		t.Fatalf("follow edges=%v", got)
	}
	if legacy, _ := reg.GetOrFetchDestinations(ctx, 100); len(legacy) != 0 {
		t.Fatalf("follow edges leaked into delivery: %v", legacy)
	}
}
