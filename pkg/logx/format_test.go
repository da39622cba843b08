package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatLineSortsFieldsAndDropsNoise(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","caller":"a.go:1","message":"mirror failed","dest":"42","comp":"fanout"}`)
	got := FormatLine(line)
	want := "[WARN] mirror failed\n- comp=fanout\n- dest=42"
	if got != want {
		t.Fatalf("FormatLine()=%q want %q", got, want)
	}
}

func TestFormatLineNonJSON(t *testing.T) {
	if got := FormatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("FormatLine()=%q", got)
	}
}

func TestTruncate(t *testing.T) {
	s := strings.Repeat("a", 50)
	got := Truncate(s, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("Truncate()=%q", got)
	}
	if Truncate("short", 20) != "short" {
		t.Fatalf("short strings must be unchanged")
	}
}

func TestWriterLoggerCarriesWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["n"] != float64(3) {
		t.Fatalf("unexpected line: %v", m)
	}
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "info", "WARN", "debug"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q)=false", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatalf("ValidLevel(loud)=true")
	}
}
