package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "conduction/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		err   bool
	}{
		{in: "@daily", kind: SpecCron},
		{in: "0 4 * * 1", kind: SpecCron},
		{in: "cron:@weekly", kind: SpecCron},
		{in: "@every 6h", kind: SpecCron},
		{in: "interval:90m", kind: SpecInterval, every: 90 * time.Minute},
		{in: "2h30m", kind: SpecInterval, every: 150 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "", err: true},
		{in: "0s", err: true},
		{in: "interval:soon", err: true},
		{in: "61 * * * *", err: true},
		{in: "00:75", err: true},
	}
	for _, tc := range cases {
		ps, err := ParseSchedule(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if ps.Kind != tc.kind || ps.Every != tc.every {
			t.Fatalf("%q: got %+v", tc.in, ps)
		}
	}
}

func TestRunNowRecordsAndReportsErrors(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	boom := errors.New("prune failed")
	var reported atomic.Value
	if err := s.Add(Job{
		Name:     "prune",
		Schedule: "@daily",
		Run:      func(ctx context.Context) error { return boom },
		OnError:  func(ctx context.Context, err error) { reported.Store(err) },
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.RunNow(context.Background(), "prune"); !errors.Is(err, boom) {
		t.Fatalf("RunNow err=%v", err)
	}
	if got, _ := reported.Load().(error); !errors.Is(got, boom) {
		t.Fatalf("OnError got %v", got)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Runs != 1 || snap[0].LastErr != boom.Error() {
		t.Fatalf("snapshot: %+v", snap)
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatalf("unknown job must fail")
	}
}

func TestRunNowRefusesOverlap(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Add(Job{Name: "slow", Schedule: "@weekly", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrRunning) {
		t.Fatalf("err=%v, want ErrRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestIntervalJobFiresAfterDelay(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop())
	var runs atomic.Int32
	_ = s.Add(Job{
		Name:     "tick",
		Schedule: "interval:1s",
		Delay:    Window{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if runs.Load() == 0 {
		t.Fatalf("interval job never ran")
	}
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	s := New(Config{}, logx.Nop())
	_ = s.Add(Job{Name: "x", Schedule: "1s", Run: func(ctx context.Context) error { return nil }})
	s.Start(context.Background())
	if snap := s.Snapshot(); !snap[0].Next.IsZero() {
		t.Fatalf("disabled scheduler registered cron entries: %+v", snap)
	}
}

func TestWindowPick(t *testing.T) {
	w := Window{Min: 120 * time.Second, Max: 1800 * time.Second}
	for i := 0; i < 100; i++ {
		if d := w.pick(); d < w.Min || d > w.Max {
			t.Fatalf("pick %s outside window", d)
		}
	}
	if (Window{}).pick() != 0 {
		t.Fatalf("zero window must not delay")
	}
}
