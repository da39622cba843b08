package fanout

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/eventbus"
	"conduction/internal/mirror/health"
	"conduction/internal/mirror/ledger"
	"conduction/internal/mirror/progress"
	"conduction/internal/mirror/ratelimit"
	"conduction/internal/mirror/registry"
	"conduction/internal/storage"
	"conduction/internal/storage/storagetest"
	"conduction/internal/transport"
	logx "conduction/pkg/logx"
)

var errFlaky = errors.New("gateway timeout")

// fakeTransport records calls and fails sends per destination on demand.
type fakeTransport struct {
	mu sync.Mutex

	channels map[snowflake.ID]transport.Channel
	source   map[snowflake.ID]*transport.Message
	copies   map[snowflake.ID]snowflake.ID // copy id -> channel
	// vanished channels answer every lookup with a bare not found
	vanished map[snowflake.ID]bool

	// sendFailures is the number of sends to fail per channel; <0 fails forever.
	sendFailures map[snowflake.ID]int
	sendErr      map[snowflake.ID]error
	editErr      error
	crosspostErr error
	sendDelay    time.Duration

	sends      map[snowflake.ID]int
	edits      int
	deletes    int
	crossposts int
	nextID     atomic.Uint64
}

func newFakeTransport() *fakeTransport {
	f := &fakeTransport{
		channels:     map[snowflake.ID]transport.Channel{},
		source:       map[snowflake.ID]*transport.Message{},
		copies:       map[snowflake.ID]snowflake.ID{},
		vanished:     map[snowflake.ID]bool{},
		sendFailures: map[snowflake.ID]int{},
		sendErr:      map[snowflake.ID]error{},
		sends:        map[snowflake.ID]int{},
	}
	f.nextID.Store(10_000)
	return f
}

func (f *fakeTransport) Channel(_ context.Context, id snowflake.ID) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		return ch, nil
	}
	return transport.Channel{ID: id, Kind: transport.ChannelText}, nil
}

func (f *fakeTransport) FetchMessage(_ context.Context, channel, msg snowflake.ID) (*transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.source[msg]; ok {
		cp := *m
		return &cp, nil
	}
	if f.vanished[channel] {
		return nil, transport.ErrNotFound
	}
	if ch, ok := f.copies[msg]; ok && ch == channel {
		return &transport.Message{ID: msg, ChannelID: channel}, nil
	}
	return nil, transport.ErrUnknownMessage
}

func (f *fakeTransport) Send(ctx context.Context, channel snowflake.ID, _ transport.Outgoing) (snowflake.ID, error) {
	if f.sendDelay > 0 && !sleep(ctx, f.sendDelay) {
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[channel]++
	if n := f.sendFailures[channel]; n != 0 {
		if n > 0 {
			f.sendFailures[channel] = n - 1
		}
		if err := f.sendErr[channel]; err != nil {
			return 0, err
		}
		return 0, errFlaky
	}
	id := snowflake.ID(f.nextID.Add(1))
	f.copies[id] = channel
	return id, nil
}

func (f *fakeTransport) Edit(_ context.Context, channel, msg snowflake.ID, _ transport.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	return f.editErr
}

func (f *fakeTransport) Delete(_ context.Context, channel, msg snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.copies, msg)
	return nil
}

func (f *fakeTransport) Crosspost(context.Context, snowflake.ID, snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crossposts++
	return f.crosspostErr
}

func (f *fakeTransport) sendCount(ch snowflake.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[ch]
}

func (f *fakeTransport) setSource(m *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source[m.ID] = m
}

type cardSink struct {
	mu    sync.Mutex
	cards []transport.Card
}

func (s *cardSink) SendCard(_ context.Context, _ snowflake.ID, c transport.Card) (snowflake.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = append(s.cards, c)
	return 1, nil
}

func (s *cardSink) EditCard(_ context.Context, _, _ snowflake.ID, c transport.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = append(s.cards, c)
	return nil
}

func (s *cardSink) last(t *testing.T) transport.Card {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cards) == 0 {
		t.Fatalf("no progress card")
	}
	return s.cards[len(s.cards)-1]
}

func cardField(c transport.Card, name string) string {
	for _, f := range c.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

type alertLog struct {
	mu   sync.Mutex
	errs []error
}

func (a *alertLog) Report(_ context.Context, err error, _ string) {
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

type harness struct {
	store  storage.Store
	reg    *registry.Registry
	led    *ledger.Ledger
	tr     *fakeTransport
	cards  *cardSink
	alerts *alertLog
	mon    *health.Monitor
	bus    eventbus.Bus
	eng    *Engine
}

func testConfig() Config {
	return Config{
		MaxRetries:        2,
		PollInterval:      5 * time.Millisecond,
		RetryDelay:        Window{Min: time.Millisecond, Max: 3 * time.Millisecond},
		UpdateRetryDelay:  Window{Min: time.Millisecond, Max: 3 * time.Millisecond},
		CrosspostAttempts: 3,
		CrosspostBackoff:  time.Millisecond,
		PublishWait:       2 * time.Second,
		ResolveBackoff:    time.Millisecond,
	}
}

func newHarness(t *testing.T, reg Registry) *harness {
	t.Helper()
	h := &harness{
		store:  storagetest.Open(t),
		tr:     newFakeTransport(),
		cards:  &cardSink{},
		alerts: &alertLog{},
		bus:    eventbus.New(),
	}
	h.reg = registry.New(h.store, nil, logx.Nop())
	h.led = ledger.New(h.store, logx.Nop())
	h.mon = health.New(h.reg, h.store, health.Policy{Enabled: false}, logx.Nop())
	if reg == nil {
		reg = h.reg
	}
	eng, err := New(Deps{
		Transport: h.tr,
		Registry:  reg,
		Ledger:    h.led,
		Limiter:   ratelimit.New(30, time.Millisecond),
		Progress:  progress.New(h.cards, progress.Config{Channel: 999, RetryBase: time.Millisecond}, logx.Nop()),
		Health:    h.mon,
		Alerts:    h.alerts,
		Bus:       h.bus,
		Self:      func() snowflake.ID { return 7 },
	}, testConfig(), logx.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

func (h *harness) edges(t *testing.T, dests ...snowflake.ID) {
	t.Helper()
	for _, d := range dests {
		if err := h.reg.AddEdge(context.Background(), 1, d, 0, storage.ModeLegacy, true); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
}

func (h *harness) errorCounts(t *testing.T) map[snowflake.ID]int {
	t.Helper()
	edges, err := h.store.ListEdges(context.Background(), 1, storage.EdgeFilter{})
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	out := map[snowflake.ID]int{}
	for _, e := range edges {
		out[e.DestID] = e.ErrorCount
	}
	return out
}

func msg(id snowflake.ID) *transport.Message {
	return &transport.Message{ID: id, ChannelID: 1, GuildID: 5, AuthorID: 3, Content: "Weekly reset"}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateRetriesFlakyDestinationToSuccess(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	const a, b, c = 10, 11, 12
	h.edges(t, a, b, c)
	h.tr.sendFailures[b] = 2

	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.State != StateDone || st.Succeeded != 3 || st.Failed != 0 {
		t.Fatalf("status=%+v", st)
	}
	copies, err := h.led.LookupBySource(ctx, 100)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	var chans []snowflake.ID
	for _, cp := range copies {
		chans = append(chans, cp.DestChannelID)
	}
	slices.Sort(chans)
	if !slices.Equal(chans, []snowflake.ID{a, b, c}) {
		t.Fatalf("records for %v", chans)
	}
	if n := h.tr.sendCount(b); n != 3 {
		t.Fatalf("sends to B=%d want 3", n)
	}
	if got := h.errorCounts(t)[b]; got != 0 {
		t.Fatalf("error_count(B)=%d", got)
	}
	if err := h.eng.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	last := h.cards.last(t)
	if cardField(last, "Completed") != "3" || cardField(last, "Failed") != "0" || !strings.HasPrefix(last.Footer, "✅ Completed") {
		t.Fatalf("final card=%+v", last)
	}
}

func TestCreatePartialFailureAccounting(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11, 12, 13, 14)
	_ = h.reg.RecordFailure(ctx, 1, 10) // will recover
	h.tr.sendFailures[13] = -1
	h.tr.sendFailures[14] = -1

	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Succeeded != 3 || st.Failed != 2 {
		t.Fatalf("status=%+v", st)
	}
	copies, _ := h.led.LookupBySource(ctx, 100)
	if len(copies) != 3 {
		t.Fatalf("records=%d want 3", len(copies))
	}
	counts := h.errorCounts(t)
	want := map[snowflake.ID]int{10: 0, 11: 0, 12: 0, 13: 1, 14: 1}
	for d, n := range want {
		if counts[d] != n {
			t.Fatalf("error_count(%s)=%d want %d", d, counts[d], n)
		}
	}
	if n := h.tr.sendCount(13); n != 3 {
		t.Fatalf("attempts=%d want 3", n)
	}
	if err := h.eng.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if last := h.cards.last(t); last.Footer != "✅ Completed with errors" || last.Tone != transport.ToneError {
		t.Fatalf("final card=%+v", last)
	}
}

func TestRepeatedFailuresDisableDestination(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.mon.Apply(health.Policy{Enabled: true, Threshold: 7})
	const d = 13
	h.edges(t, 10, d)
	h.tr.sendFailures[d] = -1

	for i := 0; i < 7; i++ {
		st, err := h.eng.Create(ctx, msg(snowflake.ID(100+i)), Options{})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		wantDisabled := 0
		if i == 6 {
			wantDisabled = 1
		}
		if st.Disabled != wantDisabled {
			t.Fatalf("create %d disabled=%d want %d", i, st.Disabled, wantDisabled)
		}
	}
	edges, _ := h.store.ListEdges(ctx, 1, storage.EdgeFilter{})
	for _, e := range edges {
		if e.DestID == d && e.Enabled {
			t.Fatalf("edge (1,%d) still enabled", d)
		}
	}

	before := h.tr.sendCount(d)
	st, err := h.eng.Create(ctx, msg(200), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Total != 1 || h.tr.sendCount(d) != before {
		t.Fatalf("disabled destination still targeted: %+v", st)
	}
}

func TestSourceChannelIsNeverADestination(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10)
	h.eng.d.Registry = loopRegistry{h.reg}

	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Total != 1 || h.tr.sendCount(1) != 0 {
		t.Fatalf("posted into the source channel: %+v", st)
	}
}

// loopRegistry reports the source as its own destination.
type loopRegistry struct{ *registry.Registry }

func (l loopRegistry) GetOrFetchDestinations(ctx context.Context, src snowflake.ID) ([]snowflake.ID, error) {
	d, err := l.Registry.GetOrFetchDestinations(ctx, src)
	return append(slices.Clone(d), src), err
}

func TestNonTextDestinationFailsWithoutRetry(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11)
	h.tr.channels[11] = transport.Channel{ID: 11, Kind: transport.ChannelVoice}

	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Failed != 1 || !slices.Equal(st.Failures, []snowflake.ID{11}) || h.tr.sendCount(11) != 0 {
		t.Fatalf("status=%+v", st)
	}
}

func TestPermissionErrorsAreTerminalAndAlerted(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11)
	h.tr.sendFailures[11] = -1
	h.tr.sendErr[11] = transport.ErrForbidden

	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Failed != 1 || h.tr.sendCount(11) != 1 {
		t.Fatalf("forbidden destination retried: %+v sends=%d", st, h.tr.sendCount(11))
	}
	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	if len(h.alerts.errs) != 1 || !errors.Is(h.alerts.errs[0], transport.ErrForbidden) {
		t.Fatalf("alerts=%v", h.alerts.errs)
	}
}

func TestCrosspostInBroadcastDestinations(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		tries int
	}{
		{"published", nil, 1},
		{"already published", transport.ErrAlreadyDone, 1},
		{"keeps failing", errFlaky, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := ctxT(t)
			h := newHarness(t, nil)
			h.edges(t, 10)
			h.tr.channels[10] = transport.Channel{ID: 10, Kind: transport.ChannelNews}
			h.tr.crosspostErr = c.err

			st, err := h.eng.Create(ctx, msg(100), Options{})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if st.Succeeded != 1 {
				t.Fatalf("status=%+v", st)
			}
			if h.tr.crossposts != c.tries {
				t.Fatalf("crossposts=%d want %d", h.tr.crossposts, c.tries)
			}
		})
	}
}

func TestUpdateWithoutRecordsIsNoop(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10)

	st, err := h.eng.Update(ctx, msg(100), false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.State != StateSkipped || st.Total != 0 || h.tr.edits != 0 {
		t.Fatalf("status=%+v edits=%d", st, h.tr.edits)
	}
}

func TestUpdateAndDeleteFollowLedger(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11, 12)
	m := msg(100)
	h.tr.setSource(m)

	if _, err := h.eng.Create(ctx, m, Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Update failures never touch the mirror counters.
	h.tr.editErr = errFlaky
	st, err := h.eng.Update(ctx, m, false)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Failed != 3 || h.tr.edits != 9 {
		t.Fatalf("update status=%+v edits=%d", st, h.tr.edits)
	}
	for d, n := range h.errorCounts(t) {
		if n != 0 {
			t.Fatalf("update failure counted against %s", d)
		}
	}

	h.tr.editErr = nil
	if st, _ = h.eng.Update(ctx, m, true); st.Succeeded != 3 || !st.Manual {
		t.Fatalf("update status=%+v", st)
	}

	st, err = h.eng.Delete(ctx, 1, 100, nil, false)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.Succeeded != 3 || h.tr.deletes != 3 {
		t.Fatalf("delete status=%+v deletes=%d", st, h.tr.deletes)
	}
	// The copies are gone already; a second delete still succeeds.
	if st, _ = h.eng.Delete(ctx, 1, 100, nil, true); st.Succeeded != 3 || h.tr.deletes != 3 {
		t.Fatalf("repeat delete status=%+v deletes=%d", st, h.tr.deletes)
	}
}

func TestDeleteCountersTrackOnlyRealDeliveries(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	const kept, removed, vanished = 10, 11, 12
	h.edges(t, kept, removed, vanished)
	if _, err := h.eng.Create(ctx, msg(100), Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, d := range []snowflake.ID{kept, removed, vanished} {
		for i := 0; i < 5; i++ {
			_ = h.reg.RecordFailure(ctx, 1, d)
		}
	}
	h.tr.mu.Lock()
	for id, ch := range h.tr.copies {
		if ch == removed {
			delete(h.tr.copies, id)
		}
	}
	h.tr.vanished[vanished] = true
	h.tr.mu.Unlock()

	st, err := h.eng.Delete(ctx, 1, 100, nil, false)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.Succeeded != 2 || st.Failed != 1 || !slices.Equal(st.Failures, []snowflake.ID{vanished}) {
		t.Fatalf("status=%+v", st)
	}
	if h.tr.deletes != 1 {
		t.Fatalf("deletes=%d want 1", h.tr.deletes)
	}
	counts := h.errorCounts(t)
	want := map[snowflake.ID]int{kept: 0, removed: 5, vanished: 6}
	for d, n := range want {
		if counts[d] != n {
			t.Fatalf("error_count(%s)=%d want %d", d, counts[d], n)
		}
	}
}

// downSink fails every card write.
type downSink struct{ writes atomic.Int32 }

func (s *downSink) SendCard(context.Context, snowflake.ID, transport.Card) (snowflake.ID, error) {
	s.writes.Add(1)
	return 0, errFlaky
}

func (s *downSink) EditCard(context.Context, snowflake.ID, snowflake.ID, transport.Card) error {
	s.writes.Add(1)
	return errFlaky
}

func TestFailingProgressCardNeverDelaysDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(ctxT(t))
	h := newHarness(t, nil)
	sink := &downSink{}
	// Retrying the first card alone would take 100ms+500ms+2.5s.
	h.eng.d.Progress = progress.New(sink, progress.Config{Channel: 999, Attempts: 4, RetryBase: 100 * time.Millisecond}, logx.Nop())
	h.edges(t, 10, 11)

	start := time.Now()
	st, err := h.eng.Create(ctx, msg(100), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("create took %v behind a failing log channel", took)
	}
	if st.Succeeded != 2 || h.tr.sendCount(10) != 1 || h.tr.sendCount(11) != 1 {
		t.Fatalf("status=%+v", st)
	}
	waitFor(t, func() bool { return sink.writes.Load() > 0 })

	cancel()
	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := h.eng.Wait(wctx); err != nil {
		t.Fatalf("card writer outlived its run: %v", err)
	}
}

func TestDispatchWaitsForPublish(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11)
	h.tr.channels[1] = transport.Channel{ID: 1, Kind: transport.ChannelNews, Name: "announcements"}
	m := msg(100)
	h.tr.setSource(m)

	id := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageCreate, Message: m})
	if id == "" {
		t.Fatalf("create not dispatched")
	}
	waitFor(t, func() bool {
		st, _ := h.eng.Status(id)
		return st.State == StateWaiting
	})
	if h.tr.sendCount(10) != 0 {
		t.Fatalf("mirrored before publish")
	}

	published := *m
	published.Crossposted = true
	h.tr.setSource(&published)
	upd := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageEdit, Message: &published})
	if err := h.eng.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	st, _ := h.eng.Status(id)
	if st.State != StateDone || st.Succeeded != 2 {
		t.Fatalf("create status=%+v", st)
	}
	// The publish edit itself is not replayed onto the copies.
	if ust, _ := h.eng.Status(upd); ust.State != StateSkipped || h.tr.edits != 0 {
		t.Fatalf("update status=%+v edits=%d", ust, h.tr.edits)
	}
}

func TestPublishWaitTimesOutSilently(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.PublishWait = 20 * time.Millisecond
	h.eng.Apply(cfg)
	h.edges(t, 10)
	h.tr.channels[1] = transport.Channel{ID: 1, Kind: transport.ChannelNews}
	h.tr.setSource(msg(100))

	st, err := h.eng.Create(ctx, msg(100), Options{WaitPublish: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.State != StateSkipped || h.tr.sendCount(10) != 0 {
		t.Fatalf("status=%+v", st)
	}
}

func TestUpdateIsOrderedAfterCreate(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10, 11, 12)
	h.tr.sendDelay = 30 * time.Millisecond
	m := msg(100)
	h.tr.setSource(m)

	h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageCreate, Message: m})
	upd := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageEdit, Message: m})
	if err := h.eng.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	st, _ := h.eng.Status(upd)
	if st.State != StateDone || st.Succeeded != 3 || h.tr.edits != 3 {
		t.Fatalf("update raced the create: %+v edits=%d", st, h.tr.edits)
	}
}

func TestDispatchIgnoresSelfAndUnknownChannels(t *testing.T) {
	ctx := ctxT(t)
	h := newHarness(t, nil)
	h.edges(t, 10)

	own := msg(100)
	own.AuthorID = 7
	if id := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageCreate, Message: own}); id != "" {
		t.Fatalf("own message dispatched")
	}
	other := msg(101)
	other.ChannelID = 99
	if id := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateMessageCreate, Message: other}); id != "" {
		t.Fatalf("non-source channel dispatched")
	}
	if id := h.eng.Dispatch(ctx, transport.Update{Kind: transport.UpdateGuildLeave, GuildID: 5}); id != "" {
		t.Fatalf("guild event dispatched")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, Success},
		{errFlaky, Retryable},
		{NoRetry(errFlaky), Terminal},
		{transport.ErrNotFound, Terminal},
		{transport.ErrUnknownMessage, Terminal},
		{transport.ErrForbidden, Terminal},
		{transport.ErrNotTextable, Terminal},
	}
	for _, c := range cases {
		if got := classify(c.err); got != c.want {
			t.Fatalf("classify(%v)=%v want %v", c.err, got, c.want)
		}
	}
}

func TestWindowPick(t *testing.T) {
	w := Window{Min: 180 * time.Second, Max: 300 * time.Second}
	for i := 0; i < 100; i++ {
		if d := w.Pick(); d < w.Min || d > w.Max {
			t.Fatalf("pick %v out of range", d)
		}
	}
	if d := (Window{Min: time.Second}).Pick(); d != time.Second {
		t.Fatalf("degenerate window=%v", d)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
