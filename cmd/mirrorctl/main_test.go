package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{in: "2024-04-30T08:00:00Z", want: time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)},
		{in: "2h", want: now.Add(-2 * time.Hour)},
		{in: "-2h", err: true},
		{in: "yesterday", err: true},
	}
	for _, tc := range cases {
		got, err := parseSince(tc.in, now)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || !got.Equal(tc.want) {
			t.Fatalf("%q: got %v err=%v", tc.in, got, err)
		}
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"123", " 456 "})
	if err != nil || len(ids) != 2 || ids[1] != 456 {
		t.Fatalf("ids=%v err=%v", ids, err)
	}
	if _, err := parseIDs([]string{"0"}); err == nil {
		t.Fatalf("zero id accepted")
	}
	if _, err := parseIDs([]string{"abc"}); err == nil {
		t.Fatalf("non-numeric id accepted")
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	for _, args := range [][]string{
		{"explode"},
		{"edge-add", "1"},
		{"edge-remove", "1"},
		{"send", "1", "x"},
		{"undo-disable"},
	} {
		if err := run(context.Background(), nil, "test", args, io.Discard); !errors.Is(err, errUsage) {
			t.Fatalf("%v: err=%v", args, err)
		}
	}
}
