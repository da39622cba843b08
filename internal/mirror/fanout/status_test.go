package fanout

import (
	"fmt"
	"testing"
	"time"
)

func TestStatusBookIsBounded(t *testing.T) {
	b := newStatusBook()
	b.max = 3
	now := time.Now()

	b.add(&RunStatus{ID: "stale", CreatedAt: now.Add(-48 * time.Hour), DoneAt: now.Add(-25 * time.Hour)})
	for i := 0; i < 5; i++ {
		st := &RunStatus{ID: fmt.Sprint(i), CreatedAt: now.Add(time.Duration(i) * time.Second)}
		if i < 2 {
			st.DoneAt = st.CreatedAt
		}
		b.add(st)
	}
	if _, ok := b.get("stale"); ok {
		t.Fatalf("expired status kept")
	}
	list := b.list()
	if len(list) != 3 {
		t.Fatalf("len=%d want 3", len(list))
	}
	if list[0].ID != "4" {
		t.Fatalf("newest first, got %s", list[0].ID)
	}
	// Finished runs are evicted before running ones.
	for _, st := range list {
		if st.ID == "0" || st.ID == "1" {
			t.Fatalf("finished run %s survived over running ones", st.ID)
		}
	}
}

func TestStatusCopiesAreIndependent(t *testing.T) {
	b := newStatusBook()
	b.add(&RunStatus{ID: "x", CreatedAt: time.Now()})
	b.update("x", func(s *RunStatus) { s.Failures = append(s.Failures, 1) })
	st, _ := b.get("x")
	st.Failures[0] = 2
	again, _ := b.get("x")
	if again.Failures[0] != 1 {
		t.Fatalf("status leaked internal slice")
	}
}
